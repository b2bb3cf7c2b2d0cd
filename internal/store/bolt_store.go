// Package store persists committed task payloads durably and drives the
// commit-acknowledgement side of the GCS write protocol internal/cache
// depends on (the cache.Table contract).
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/lineage/internal/lineage"
	"github.com/swarmguard/lineage/internal/resilience"
)

// writeRetries is the number of attempts Add makes at a bbolt update,
// meant to absorb ErrTimeout (another writer held the file lock past
// boltOpts.Timeout). Every error is retried the same way, not only
// ErrTimeout; the last one is returned once the attempts run out.
const writeRetries = 3

var (
	bucketTasks     = []byte("tasks")
	bucketCommitLog = []byte("commit_log")
)

// Announcer fans a local commit out to other nodes, e.g. internal/gcs.NatsPubSub.
// A BoltTable with a nil Announcer simply never tells anyone else about
// its commits, which is fine for a single-node deployment.
type Announcer interface {
	Announce(ctx context.Context, jobID string, key lineage.EntryID) error
}

// AckEvent is one durable-commit acknowledgement, queued for delivery
// on the node's own event loop (see BoltTable.Acks).
type AckEvent struct {
	Key   lineage.EntryID
	Value []byte
	OnAck func(key lineage.EntryID, value []byte)
}

// BoltTable is the embedded-KV backed implementation of cache.Table.
// BoltDB is chosen for the same reason it is elsewhere in this stack:
// pure Go, no C dependencies, single-file durability with fsync.
type BoltTable struct {
	db       *bbolt.DB
	jobID    string
	announce Announcer
	acks     chan AckEvent

	writeLatency metric.Float64Histogram
	writesTotal  metric.Int64Counter
	acksDropped  metric.Int64Counter
}

// Option configures a BoltTable at construction time.
type Option func(*BoltTable)

// WithAnnouncer attaches a fan-out announcer, called after every
// successful write.
func WithAnnouncer(a Announcer) Option {
	return func(t *BoltTable) { t.announce = a }
}

// NewBoltTable opens (creating if absent) a BoltDB file under dbPath.
// jobID scopes the subjects an attached Announcer publishes to.
func NewBoltTable(dbPath, jobID string, meter metric.Meter, opts ...Option) (*BoltTable, error) {
	boltOpts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(dbPath, 0600, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketCommitLog} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("lineage_store_write_ms")
	writesTotal, _ := meter.Int64Counter("lineage_store_writes_total")
	acksDropped, _ := meter.Int64Counter("lineage_store_acks_dropped_total")

	t := &BoltTable{
		db:           db,
		jobID:        jobID,
		acks:         make(chan AckEvent, 256),
		writeLatency: writeLatency,
		writesTotal:  writesTotal,
		acksDropped:  acksDropped,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Acks is the channel of durable-commit notifications. The node's event
// loop must range over it and invoke ev.OnAck(ev.Key, ev.Value) for
// each one, serially, the same way it drains internal/gcs.NatsPubSub's
// Events() channel.
func (t *BoltTable) Acks() <-chan AckEvent { return t.acks }

// Add durably writes value under key and, once committed, queues the
// acknowledgement and (if configured) announces the commit to other
// nodes. It implements cache.Table.
func (t *BoltTable) Add(ctx context.Context, driverID string, key lineage.EntryID, value []byte, onAck func(key lineage.EntryID, value []byte)) error {
	start := time.Now()
	defer func() {
		t.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "add")))
	}()

	_, err := resilience.Retry(ctx, writeRetries, 20*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, t.db.Update(func(tx *bbolt.Tx) error {
			tasks := tx.Bucket(bucketTasks)
			if err := tasks.Put(taskKey(key), value); err != nil {
				return fmt.Errorf("put task: %w", err)
			}

			logKey := fmt.Sprintf("%s:%s:%d", driverID, key, time.Now().UnixNano())
			commitLog := tx.Bucket(bucketCommitLog)
			return commitLog.Put([]byte(logKey), taskKey(key))
		})
	})
	if err != nil {
		return fmt.Errorf("write task %s: %w", key, err)
	}

	t.writesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("driver_id", driverID)))

	if t.announce != nil {
		if err := t.announce.Announce(ctx, t.jobID, key); err != nil {
			slog.Error("announce commit failed", "task", key, "error", err)
		}
	}

	select {
	case t.acks <- AckEvent{Key: key, Value: value, OnAck: onAck}:
	default:
		t.acksDropped.Add(ctx, 1)
		slog.Warn("ack dropped, dispatch channel full", "task", key)
	}

	return nil
}

// Get reads back a previously committed payload.
func (t *BoltTable) Get(key lineage.EntryID) ([]byte, bool, error) {
	var value []byte
	err := t.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskKey(key))
		if data == nil {
			return nil
		}
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// CompactCommitLog drops commit-log entries older than before, keeping
// the durable task bucket intact. Invoked periodically by
// internal/ops.Scheduler; the log otherwise grows without bound.
func (t *BoltTable) CompactCommitLog(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UnixNano()
	removed := 0

	err := t.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCommitLog)
		cursor := bucket.Cursor()

		var stale [][]byte
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			ts, ok := logEntryTimestamp(k)
			if ok && ts < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close releases the underlying database file.
func (t *BoltTable) Close() error {
	return t.db.Close()
}

func taskKey(id lineage.EntryID) []byte {
	return []byte(id.String())
}

// logEntryTimestamp extracts the UnixNano suffix from a "driver:key:ts" log key.
func logEntryTimestamp(k []byte) (int64, bool) {
	s := string(k)
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			idx = i
			break
		}
	}
	if idx == -1 || idx == len(s)-1 {
		return 0, false
	}
	var ts int64
	for _, c := range s[idx+1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		ts = ts*10 + int64(c-'0')
	}
	return ts, true
}
