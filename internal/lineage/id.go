// Package lineage implements the per-node data structures that track the
// dependency DAG of tasks awaiting durable write-back to the GCS: entry
// identifiers, entries, the Lineage container, and the DFS merge used to
// move entries between two containers.
package lineage

import "encoding/hex"

// EntryIDSize is the width of an opaque entry identifier, matching the
// 20-byte task/object identifiers used upstream.
const EntryIDSize = 20

// EntryID names a task (or, in an extended design, an object) uniquely.
// Equality and hashing are defined over the full byte sequence, which
// makes it usable directly as a map key.
type EntryID [EntryIDSize]byte

// NilEntryID is the zero-value identifier. It never names a submitted
// task and is only used as a sentinel in tests and logs.
var NilEntryID EntryID

func (id EntryID) String() string {
	return hex.EncodeToString(id[:])
}

// EntryIDFromBytes copies up to EntryIDSize bytes of b into a new EntryID.
// Shorter inputs are zero-padded on the right; this mirrors how the
// original system derives IDs from content hashes of varying digest size.
func EntryIDFromBytes(b []byte) EntryID {
	var id EntryID
	copy(id[:], b)
	return id
}

// ParseEntryID decodes the hex form produced by String back into an
// EntryID, used when deserializing entries off the wire.
func ParseEntryID(s string) (EntryID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return EntryID{}, err
	}
	return EntryIDFromBytes(b), nil
}
