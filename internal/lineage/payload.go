package lineage

// Payload is the immutable-identity, mutable-metadata descriptor carried
// by an entry. The core treats it as opaque beyond two things: its own
// identifier and the parent identifiers it depends on. Everything else
// (driver/job id, execution metadata, serialized form) is the concern of
// the task execution engine and the codec that crosses the wire.
type Payload interface {
	// EntryID returns the identifier of the task this payload describes.
	EntryID() EntryID
	// ParentIDs returns the identifiers this task depends on. Pure and
	// stable across calls: the dependency list is fixed at submission
	// time (Invariant D).
	ParentIDs() []EntryID
}

// TaskPayload is the concrete Payload used by this node. DriverID
// identifies the job/driver that owns the task, consumed only when
// issuing the durable write (see Table.Add). Dependencies are the
// already-resolved parent task identifiers; Meta carries whatever
// mutable execution-time metadata the scheduler wants to stash
// alongside the task (start time, assigned worker, retry count, ...).
type TaskPayload struct {
	TaskID       EntryID
	DriverID     string
	Dependencies []EntryID
	Meta         map[string]any
}

var _ Payload = (*TaskPayload)(nil)

func (p *TaskPayload) EntryID() EntryID { return p.TaskID }

func (p *TaskPayload) ParentIDs() []EntryID {
	return p.Dependencies
}

// GetDriverID satisfies the optional driver-identity accessor consulted
// by LineageCache when it issues the durable write for this payload.
func (p *TaskPayload) GetDriverID() string { return p.DriverID }
