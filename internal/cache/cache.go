package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/lineage/internal/lineage"
)

// LineageCache is the per-node orchestrator described in SPEC_FULL.md
// §1: it holds the authoritative Lineage, decides when an entry is
// eligible for durable write-back, and reacts to commit notifications
// from the GCS. It is single-threaded cooperative — see SPEC_FULL.md §1
// and spec.md §5: every exported method and every callback it registers
// (onAck, commit notifications) must run serially on the node's event
// loop. There is no internal locking.
type LineageCache struct {
	clientID string
	jobID    string
	table    Table
	pubsub   PubSub
	codec    Codec

	lineage         *lineage.Lineage
	readyPending    map[lineage.EntryID]struct{}
	subscribed      map[lineage.EntryID]struct{}
	waitersByParent map[lineage.EntryID]map[lineage.EntryID]struct{}

	tracer trace.Tracer

	tasksIngested   metric.Int64Counter
	tasksFlushed    metric.Int64Counter
	commitsHandled  metric.Int64Counter
	subscriptions   metric.Int64Counter
	readyPendingGauge metric.Int64Gauge
}

// New constructs a LineageCache for the given node. clientID identifies
// this node in subscription requests; if empty, a random one is
// generated, matching the rest of the corpus's use of google/uuid for
// instance identity.
func New(clientID, jobID string, table Table, pubsub PubSub, codec Codec, meter metric.Meter) *LineageCache {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	tasksIngested, _ := meter.Int64Counter("lineage_cache_tasks_ingested_total")
	tasksFlushed, _ := meter.Int64Counter("lineage_cache_tasks_flushed_total")
	commitsHandled, _ := meter.Int64Counter("lineage_cache_commits_handled_total")
	subscriptions, _ := meter.Int64Counter("lineage_cache_subscriptions_total")
	readyPendingGauge, _ := meter.Int64Gauge("lineage_cache_ready_pending")

	return &LineageCache{
		clientID:          clientID,
		jobID:             jobID,
		table:             table,
		pubsub:            pubsub,
		codec:             codec,
		lineage:           lineage.New(),
		readyPending:      make(map[lineage.EntryID]struct{}),
		subscribed:        make(map[lineage.EntryID]struct{}),
		waitersByParent:   make(map[lineage.EntryID]map[lineage.EntryID]struct{}),
		tracer:            otel.Tracer("lineage-cache"),
		tasksIngested:     tasksIngested,
		tasksFlushed:      tasksFlushed,
		commitsHandled:    commitsHandled,
		subscriptions:     subscriptions,
		readyPendingGauge: readyPendingGauge,
	}
}

// check aborts the process on an invariant violation, same contract as
// internal/lineage.check: these indicate corrupted local state.
func check(cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	slog.Error("lineage cache invariant violation", "error", msg)
	panic("cache: " + msg)
}

// AddWaitingTask ingests a locally scheduled task plus the uncommitted
// lineage fragment a remote forwarder handed to it (spec.md §4.4.1).
func (c *LineageCache) AddWaitingTask(ctx context.Context, task lineage.Payload, uncommittedLineage *lineage.Lineage) {
	ctx, span := c.tracer.Start(ctx, "cache.add_waiting_task",
		trace.WithAttributes(attribute.String("task_id", task.EntryID().String())))
	defer span.End()

	if uncommittedLineage != nil {
		lineage.Merge(task.EntryID(), uncommittedLineage, c.lineage, func(status lineage.GcsStatus) bool {
			check(status == lineage.StatusNone || status == lineage.StatusUncommittedRemote,
				"remote forward carried entry with status %s, want UNCOMMITTED_REMOTE", status)
			return false
		})
	}

	entry := lineage.NewEntry(task.EntryID(), task, lineage.StatusUncommittedWaiting)
	check(c.lineage.Set(entry), "duplicate local submission of task %s", task.EntryID())

	c.tasksIngested.Add(ctx, 1)
}

// AddReadyTask marks task as ready for GCS write-back once it begins
// executing locally, and attempts to flush it immediately (spec.md
// §4.4.2).
func (c *LineageCache) AddReadyTask(ctx context.Context, task lineage.Payload) {
	ctx, span := c.tracer.Start(ctx, "cache.add_ready_task",
		trace.WithAttributes(attribute.String("task_id", task.EntryID().String())))
	defer span.End()

	entry := lineage.NewEntry(task.EntryID(), task, lineage.StatusUncommittedReady)
	check(c.lineage.Set(entry), "task %s was not in a state ready can be set over", task.EntryID())

	if !c.flushTask(ctx, task.EntryID()) {
		c.readyPending[task.EntryID()] = struct{}{}
		c.readyPendingGauge.Record(ctx, int64(len(c.readyPending)))
	}
}

// RemoveWaitingTask demotes a WAITING task back to REMOTE when the local
// scheduler gives it up (spec.md §4.4.3). This is one of the only two
// authorized downward transitions (the other is removal via commit/GC).
func (c *LineageCache) RemoveWaitingTask(ctx context.Context, taskID lineage.EntryID) {
	_, span := c.tracer.Start(ctx, "cache.remove_waiting_task",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	entry, ok := c.lineage.Pop(taskID)
	check(ok, "remove_waiting_task on unknown task %s", taskID)
	check(entry.Status() == lineage.StatusUncommittedWaiting,
		"remove_waiting_task on task %s with status %s, want UNCOMMITTED_WAITING", taskID, entry.Status())

	entry.ResetStatus(lineage.StatusUncommittedRemote)
	check(c.lineage.Set(entry), "re-insert after demotion of task %s unexpectedly rejected", taskID)
}

// UncommittedLineage returns a new Lineage containing taskID and every
// transitive ancestor whose status is not COMMITTED (spec.md §4.4.4).
// The result is self-contained: the recipient can rely on the GCS for
// anything omitted.
func (c *LineageCache) UncommittedLineage(taskID lineage.EntryID) *lineage.Lineage {
	out := lineage.New()
	lineage.Merge(taskID, c.lineage, out, lineage.StopAtCommitted)
	return out
}

// flushTask is the heart of the write-ordering protocol (spec.md
// §4.4.5). Precondition: the entry exists with status UNCOMMITTED_READY.
func (c *LineageCache) flushTask(ctx context.Context, taskID lineage.EntryID) bool {
	entry, ok := c.lineage.Get(taskID)
	check(ok, "flush_task on unknown task %s", taskID)
	check(entry.Status() == lineage.StatusUncommittedReady,
		"flush_task on task %s with status %s, want UNCOMMITTED_READY", taskID, entry.Status())

	blocked := false
	for _, parentID := range entry.ParentIDs() {
		parent, exists := c.lineage.Get(parentID)
		if !exists || parent.Status() == lineage.StatusCommitted {
			continue
		}

		check(parent.Status() != lineage.StatusUncommittedWaiting,
			"task %s is ready but its parent %s is still UNCOMMITTED_WAITING", taskID, parentID)

		if parent.Status() == lineage.StatusUncommittedRemote {
			if _, already := c.subscribed[parentID]; !already {
				c.subscribed[parentID] = struct{}{}
				if err := c.pubsub.RequestNotifications(ctx, c.jobID, parentID, c.clientID); err != nil {
					slog.Error("request commit notifications failed", "parent", parentID, "error", err)
				}
				c.subscriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "request")))
			}
		}

		c.addWaiter(parentID, taskID)
		blocked = true
	}

	if blocked {
		return false
	}

	return c.issueWrite(ctx, entry)
}

// driverIdentified is implemented by payloads that can name the
// driver/job that owns them, consumed only at write time.
type driverIdentified interface {
	GetDriverID() string
}

func (c *LineageCache) issueWrite(ctx context.Context, entry *lineage.Entry) bool {
	data, err := c.codec.Encode(entry.Payload())
	if err != nil {
		slog.Error("encode task payload failed", "task", entry.ID(), "error", err)
		return false
	}

	driverID := ""
	if di, ok := entry.Payload().(driverIdentified); ok {
		driverID = di.GetDriverID()
	}

	taskID := entry.ID()
	if err := c.table.Add(ctx, driverID, taskID, data, func(key lineage.EntryID, _ []byte) {
		c.HandleEntryCommitted(context.Background(), key)
	}); err != nil {
		slog.Error("issue durable write failed", "task", taskID, "error", err)
		return false
	}

	check(entry.SetStatus(lineage.StatusCommitting),
		"bump task %s to COMMITTING after issuing write failed", taskID)

	c.tasksFlushed.Add(ctx, 1)
	return true
}

func (c *LineageCache) addWaiter(parentID, childID lineage.EntryID) {
	waiters, ok := c.waitersByParent[parentID]
	if !ok {
		waiters = make(map[lineage.EntryID]struct{})
		c.waitersByParent[parentID] = waiters
	}
	waiters[childID] = struct{}{}
}

// Flush iterates ready_pending and retries flushTask for each,
// removing the ones that were issued (spec.md §4.4.6).
func (c *LineageCache) Flush(ctx context.Context) {
	for taskID := range c.readyPending {
		if c.flushTask(ctx, taskID) {
			delete(c.readyPending, taskID)
		}
	}
	c.readyPendingGauge.Record(ctx, int64(len(c.readyPending)))
}

// HandleEntryCommitted reacts to a commit acknowledgement or pub/sub
// notification for taskID (spec.md §4.4.7). It is idempotent: a second
// call for an already-committed (and possibly garbage-collected) task is
// a silent no-op.
func (c *LineageCache) HandleEntryCommitted(ctx context.Context, taskID lineage.EntryID) {
	ctx, span := c.tracer.Start(ctx, "cache.handle_entry_committed",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	entry, ok := c.lineage.Pop(taskID)
	if !ok {
		// Already garbage-collected by an earlier notification for the
		// same task; tolerated per spec.md §7 (missing entry / pub-sub).
		return
	}

	for _, parentID := range entry.ParentIDs() {
		c.popAncestors(parentID)
	}

	if !entry.SetStatus(lineage.StatusCommitted) {
		check(entry.Status() == lineage.StatusCommitted,
			"task %s failed COMMITTED bump but is not already COMMITTED (status %s)", taskID, entry.Status())
	}
	check(c.lineage.Set(entry), "re-insert of committed task %s unexpectedly rejected", taskID)

	if _, subscribed := c.subscribed[taskID]; subscribed {
		if err := c.pubsub.CancelNotifications(ctx, c.jobID, taskID, c.clientID); err != nil {
			slog.Error("cancel commit notifications failed", "task", taskID, "error", err)
		}
		delete(c.subscribed, taskID)
		c.subscriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "cancel")))
	}

	if waiters, ok := c.waitersByParent[taskID]; ok {
		delete(c.waitersByParent, taskID)
		for childID := range waiters {
			if c.flushTask(ctx, childID) {
				delete(c.readyPending, childID)
			}
		}
	}

	c.commitsHandled.Add(ctx, 1)
	c.readyPendingGauge.Record(ctx, int64(len(c.readyPending)))
}

// popAncestors recursively removes id and its transitive ancestors from
// the local lineage, provided each has status UNCOMMITTED_REMOTE or
// COMMITTED (spec.md §4.5). Absent entries stop the recursion silently;
// any other status is fatal, since such an ancestor is still this node's
// responsibility and must not be discarded.
func (c *LineageCache) popAncestors(id lineage.EntryID) {
	entry, ok := c.lineage.Pop(id)
	if !ok {
		return
	}
	check(entry.Status() == lineage.StatusUncommittedRemote || entry.Status() == lineage.StatusCommitted,
		"garbage-collecting ancestor %s with status %s, want UNCOMMITTED_REMOTE or COMMITTED", id, entry.Status())

	for _, parentID := range entry.ParentIDs() {
		c.popAncestors(parentID)
	}
}

// Lineage exposes the authoritative Lineage for read-only diagnostics
// (see internal/ops.Inspect). Callers must not mutate entries through
// the returned reference.
func (c *LineageCache) Lineage() *lineage.Lineage { return c.lineage }

// ClientID returns the subscriber identity this cache uses for pub/sub
// registration.
func (c *LineageCache) ClientID() string { return c.clientID }
