package lineage

// Lineage is an indexed container of entries, keyed by EntryID. Edges are
// implicit: an entry's parents are resolved by identifier lookup in Get,
// not held as owning references, which keeps the structure a flat map
// and lets a parent be legitimately absent ("unknown in this lineage").
type Lineage struct {
	entries map[EntryID]*Entry
}

// New returns an empty Lineage.
func New() *Lineage {
	return &Lineage{entries: make(map[EntryID]*Entry)}
}

// Get returns the entry for id, if present.
func (l *Lineage) Get(id EntryID) (*Entry, bool) {
	e, ok := l.entries[id]
	return e, ok
}

// GetMut returns the entry for id for in-place mutation, if present.
// Present only to mirror the read/write accessor split in the source
// design; in Go both accessors return the same pointer.
func (l *Lineage) GetMut(id EntryID) (*Entry, bool) {
	return l.Get(id)
}

// Set inserts entry with monotonicity: if no prior entry exists, it is
// inserted. If a prior entry exists with strictly lower status, it is
// overwritten. Otherwise the prior entry is left in place and Set
// reports failure. Set is conceptually a max-merge over status, and is
// the single place Invariant M is enforced for inbound writes.
func (l *Lineage) Set(entry *Entry) bool {
	id := entry.ID()
	current, existed := l.entries[id]
	if !existed || current.Status() < entry.Status() {
		l.entries[id] = entry
		return true
	}
	return false
}

// Pop atomically removes and returns the entry for id, if present.
func (l *Lineage) Pop(id EntryID) (*Entry, bool) {
	e, ok := l.entries[id]
	if ok {
		delete(l.entries, id)
	}
	return e, ok
}

// Entries returns a read-only enumeration of all entries, used when
// serializing the full local lineage for forwarding.
func (l *Lineage) Entries() []*Entry {
	out := make([]*Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}

// Len reports the number of entries currently held.
func (l *Lineage) Len() int { return len(l.entries) }
