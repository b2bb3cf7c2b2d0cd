// Package gcs adapts the global control store's transport to the
// cache.PubSub contract internal/cache depends on. The cache.Table side
// lives in internal/store.
package gcs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/lineage/internal/lineage"
	"github.com/swarmguard/lineage/internal/natsctx"
)

// CommitEvent is a single commit notification dispatched off a NATS
// subscription callback. The cache's single-threaded model requires
// HandleEntryCommitted to run on the node's own event loop goroutine,
// not on whatever goroutine the nats.go client used to invoke the
// subscription callback; NatsPubSub hands events off through Events()
// so the caller can drain them serially alongside its other work.
type CommitEvent struct {
	JobID string
	Key   lineage.EntryID
}

// NatsPubSub implements cache.PubSub over NATS core pub/sub, one
// subject per (job, task) pair. It also exposes Announce, consumed by
// internal/store.BoltTable to fan a local commit out to every other
// node subscribed to the same task.
type NatsPubSub struct {
	nc     *nats.Conn
	events chan CommitEvent

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// New wires a NatsPubSub on top of an already-connected client. bufSize
// bounds the commit-event dispatch channel; a full channel drops the
// event with a warning rather than blocking the NATS client's internal
// dispatch goroutine.
func New(nc *nats.Conn, bufSize int) *NatsPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &NatsPubSub{
		nc:     nc,
		events: make(chan CommitEvent, bufSize),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Events returns the channel of commit notifications. The owner of the
// node's event loop must range over it and call
// LineageCache.HandleEntryCommitted(ctx, ev.Key) for each one.
func (p *NatsPubSub) Events() <-chan CommitEvent { return p.events }

func commitSubject(jobID string, key lineage.EntryID) string {
	return fmt.Sprintf("lineage.v1.commit.%s.%s", jobID, key)
}

func subKey(jobID string, key lineage.EntryID) string {
	return jobID + "|" + key.String()
}

// RequestNotifications registers interest in taskID's commit. Matches
// spec.md §6: at most one live NATS subscription per (job, task) is
// kept regardless of how many local waiters care about it, since the
// cache itself de-dupes before calling this.
func (p *NatsPubSub) RequestNotifications(_ context.Context, jobID string, key lineage.EntryID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := subKey(jobID, key)
	if _, already := p.subs[k]; already {
		return nil
	}

	subject := commitSubject(jobID, key)
	sub, err := natsctx.Subscribe(p.nc, subject, func(_ context.Context, _ *nats.Msg) {
		select {
		case p.events <- CommitEvent{JobID: jobID, Key: key}:
		default:
			slog.Warn("commit event dropped, dispatch channel full", "subject", subject)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	p.subs[k] = sub
	return nil
}

// CancelNotifications withdraws interest. Any notification already in
// flight on the wire is tolerated by the cache (spec.md §4.4.7
// idempotence), so an unsubscribe race here is harmless.
func (p *NatsPubSub) CancelNotifications(_ context.Context, jobID string, key lineage.EntryID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := subKey(jobID, key)
	sub, ok := p.subs[k]
	if !ok {
		return nil
	}
	delete(p.subs, k)
	return sub.Unsubscribe()
}

// Announce publishes a commit notification for key under jobID. Called
// by internal/store.BoltTable immediately after a write durably
// commits, so that every node subscribed via RequestNotifications
// learns of it.
func (p *NatsPubSub) Announce(ctx context.Context, jobID string, key lineage.EntryID) error {
	return natsctx.Publish(ctx, p.nc, commitSubject(jobID, key), []byte(key.String()))
}

// Close unsubscribes everything outstanding. Intended for use during
// node shutdown, alongside internal/ops.ShutdownCoordinator.
func (p *NatsPubSub) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe on close failed", "key", k, "error", err)
		}
		delete(p.subs, k)
	}
}
