package lineage

// StopPredicate decides whether MergeTraversal should stop descending
// through an entry with the given status, without copying it.
type StopPredicate func(GcsStatus) bool

// StopAtAbsent never stops on an entry's status; the traversal only
// stops when an identifier is missing from the source lineage. Suited
// to ingesting a remote forward, where every carried entry must be
// copied regardless of its (uniformly UNCOMMITTED_REMOTE) status;
// LineageCache.AddWaitingTask uses an equivalent predicate that also
// checks each carried status.
func StopAtAbsent(GcsStatus) bool { return false }

// StopAtCommitted stops the traversal at any entry already COMMITTED.
// Used when extracting the uncommitted subgraph to forward: a committed
// ancestor can be omitted because the recipient can rely on the GCS for
// it.
func StopAtCommitted(status GcsStatus) bool { return status == StatusCommitted }

// Merge performs a DFS from id in from, copying each visited entry into
// into via into.Set, then recursing into the copied entry's parents.
//
// Contract:
//   - if id is absent in from, the traversal stops at this node silently.
//   - if stopIf(status) is true, the traversal stops without copying.
//   - if into.Set fails (into already holds an entry with status >= the
//     copy), recursion does not continue through this node; this is the
//     sole mechanism preventing revisiting nodes.
//   - termination is guaranteed by Invariant D (the DAG is finite).
func Merge(id EntryID, from, into *Lineage, stopIf StopPredicate) {
	entry, ok := from.Get(id)
	if !ok {
		return
	}
	if stopIf(entry.Status()) {
		return
	}

	copied := entry.clone()
	parentIDs := copied.ParentIDs()
	if into.Set(copied) {
		for _, parentID := range parentIDs {
			Merge(parentID, from, into, stopIf)
		}
	}
}
