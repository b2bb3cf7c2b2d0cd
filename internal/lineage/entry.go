package lineage

// Entry is a single node in the lineage DAG: an identifier, its GCS
// status, and the payload to eventually be written back. Status only
// ever moves up the GcsStatus order except for the one controlled
// demotion performed by LineageCache.RemoveWaitingTask.
type Entry struct {
	id      EntryID
	status  GcsStatus
	payload Payload
}

// NewEntry constructs an entry. id and the payload's own EntryID must
// agree; callers that build entries from a payload should pass
// payload.EntryID() as id.
func NewEntry(id EntryID, payload Payload, status GcsStatus) *Entry {
	return &Entry{id: id, status: status, payload: payload}
}

// ID returns the entry's identifier.
func (e *Entry) ID() EntryID { return e.id }

// Status returns the current status.
func (e *Entry) Status() GcsStatus { return e.status }

// SetStatus assigns new if it is strictly greater than the current
// status and reports whether it did so. No side effect on failure.
func (e *Entry) SetStatus(new GcsStatus) bool {
	if new > e.status {
		e.status = new
		return true
	}
	return false
}

// ResetStatus unconditionally assigns new. Reserved for the single
// authorized downward transition (WAITING -> REMOTE); the caller must
// have already verified new < current, or this is fatal.
func (e *Entry) ResetStatus(new GcsStatus) {
	check(new < e.status, "ResetStatus(%s) on entry %s with status %s is not a demotion", new, e.id, e.status)
	e.status = new
}

// ParentIDs returns the set of parent identifiers computed from the
// payload. Pure function; stable across calls.
func (e *Entry) ParentIDs() []EntryID {
	return e.payload.ParentIDs()
}

// Payload returns the entry's payload for read or in-place mutation of
// its mutable execution metadata. Identity (EntryID, ParentIDs) must
// never be mutated through this accessor.
func (e *Entry) Payload() Payload { return e.payload }

// clone returns a new Entry sharing the same payload but with
// independent status, so that MergeTraversal can copy an entry into a
// different Lineage without the two containers' status transitions
// affecting each other.
func (e *Entry) clone() *Entry {
	return &Entry{id: e.id, status: e.status, payload: e.payload}
}
