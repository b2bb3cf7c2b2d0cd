// Package cache implements LineageCache, the orchestrator that tracks
// uncommitted tasks, enforces write ordering against the GCS, and reacts
// to commit notifications. See internal/lineage for the DAG it sits on.
package cache

import (
	"context"

	"github.com/swarmguard/lineage/internal/lineage"
)

// Table is the GCS write-with-acknowledgement contract the cache
// consumes. Add asynchronously persists value under key; on durable
// commit the implementation invokes onAck exactly once, on the cache's
// own execution context. The implementation retries internally; an
// error from Add means the write was not issued, and the cache logs it
// and keeps the entry UNCOMMITTED_READY in ready_pending for a later
// Flush.
type Table interface {
	Add(ctx context.Context, driverID string, key lineage.EntryID, value []byte, onAck func(key lineage.EntryID, value []byte)) error
}

// PubSub is the GCS publish/subscribe contract the cache consumes.
// Notifications arrive by the implementation calling the cache's
// HandleEntryCommitted(key) on its own execution context; RequestNotifications
// only registers interest; CancelNotifications withdraws it, tolerating
// further in-flight notifications.
type PubSub interface {
	RequestNotifications(ctx context.Context, jobID string, key lineage.EntryID, subscriberID string) error
	CancelNotifications(ctx context.Context, jobID string, key lineage.EntryID, subscriberID string) error
}

// Codec serializes a payload for durable write-back. The schema itself
// is external to the core; the cache only needs bytes to hand to Table.
type Codec interface {
	Encode(p lineage.Payload) ([]byte, error)
}
