// Package ops hosts the node-process support machinery that sits
// around LineageCache: the periodic safety-net sweep, graceful
// shutdown, and read-only DAG diagnostics.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/lineage/internal/cache"
	"github.com/swarmguard/lineage/internal/store"
)

// Flusher is the subset of LineageCache the scheduler drives.
type Flusher interface {
	Flush(ctx context.Context)
}

// Compactor is the subset of BoltTable the scheduler drives for GC.
type Compactor interface {
	CompactCommitLog(ctx context.Context, before time.Time) (int, error)
}

var _ Flusher = (*cache.LineageCache)(nil)
var _ Compactor = (*store.BoltTable)(nil)

// Scheduler runs two cron jobs: a Flush sweep that retries anything
// stuck in ready_pending (guards against a lost flushTask wakeup, see
// spec.md §4.4.6), and a commit-log compaction pass over the durable
// store.
type Scheduler struct {
	cron *cron.Cron

	flusher   Flusher
	compactor Compactor
	retention time.Duration

	sweepRuns    metric.Int64Counter
	compactRuns  metric.Int64Counter
	compactCount metric.Int64Counter
	tracer       trace.Tracer
}

// NewScheduler builds a Scheduler. flushExpr/compactExpr are standard
// cron expressions (seconds-precision, matching the teacher's
// cron.WithSeconds() configuration); retention bounds how far back
// compaction keeps commit-log entries.
func NewScheduler(flusher Flusher, compactor Compactor, retention time.Duration, meter metric.Meter) *Scheduler {
	sweepRuns, _ := meter.Int64Counter("lineage_scheduler_sweep_runs_total")
	compactRuns, _ := meter.Int64Counter("lineage_scheduler_compact_runs_total")
	compactCount, _ := meter.Int64Counter("lineage_scheduler_compacted_entries_total")

	return &Scheduler{
		cron:         cron.New(cron.WithSeconds()),
		flusher:      flusher,
		compactor:    compactor,
		retention:    retention,
		sweepRuns:    sweepRuns,
		compactRuns:  compactRuns,
		compactCount: compactCount,
		tracer:       otel.Tracer("lineage-scheduler"),
	}
}

// Schedule registers the sweep and compaction jobs and starts the cron
// runner. Call once during node startup.
func (s *Scheduler) Schedule(flushExpr, compactExpr string) error {
	if _, err := s.cron.AddFunc(flushExpr, s.runSweep); err != nil {
		return fmt.Errorf("schedule flush sweep %q: %w", flushExpr, err)
	}
	if _, err := s.cron.AddFunc(compactExpr, s.runCompaction); err != nil {
		return fmt.Errorf("schedule compaction %q: %w", compactExpr, err)
	}
	s.cron.Start()
	slog.Info("scheduler started", "flush_cron", flushExpr, "compact_cron", compactExpr)
	return nil
}

// Stop drains in-flight cron jobs, waiting up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) runSweep() {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.flush_sweep")
	defer span.End()

	s.flusher.Flush(ctx)
	s.sweepRuns.Add(ctx, 1)
}

func (s *Scheduler) runCompaction() {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.compact")
	defer span.End()

	removed, err := s.compactor.CompactCommitLog(ctx, time.Now().Add(-s.retention))
	if err != nil {
		slog.Error("commit log compaction failed", "error", err)
		return
	}
	s.compactRuns.Add(ctx, 1)
	s.compactCount.Add(ctx, int64(removed))
	if removed > 0 {
		slog.Info("compacted commit log", "removed", removed)
	}
}
