package ops

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ShutdownCoordinator tracks in-flight asynchronous operations the node
// hands off its own event loop for — outbound and inbound
// forward_task_request calls — so SIGINT/SIGTERM can drain them instead
// of dropping them mid-flight. Durable writes awaiting their ack are not
// tracked.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	wg       sync.WaitGroup

	drained metric.Int64Counter
	forced  metric.Int64Counter
	tracer  trace.Tracer
}

// NewShutdownCoordinator builds a ShutdownCoordinator.
func NewShutdownCoordinator(meter metric.Meter) *ShutdownCoordinator {
	drained, _ := meter.Int64Counter("lineage_shutdown_drained_total")
	forced, _ := meter.Int64Counter("lineage_shutdown_forced_cancel_total")

	return &ShutdownCoordinator{
		inFlight: make(map[string]context.CancelFunc),
		drained:  drained,
		forced:   forced,
		tracer:   otel.Tracer("lineage-shutdown"),
	}
}

// Track registers id as in flight and returns a context derived from
// parent that Shutdown cancels if the grace period elapses, plus a done
// func the caller must invoke exactly once when the operation finishes
// (success or failure).
func (s *ShutdownCoordinator) Track(parent context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.inFlight[id] = cancel
	s.mu.Unlock()
	s.wg.Add(1)

	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.inFlight, id)
			s.mu.Unlock()
			cancel()
			s.wg.Done()
		})
	}
	return ctx, done
}

// Shutdown waits up to grace for every tracked operation to finish on
// its own; anything still running after that has its context cancelled
// and Shutdown waits for it to unwind.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context, grace time.Duration) {
	_, span := s.tracer.Start(ctx, "shutdown.drain")
	defer span.End()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.drained.Add(ctx, 1)
		return
	case <-time.After(grace):
	}

	s.mu.Lock()
	forced := len(s.inFlight)
	for _, cancel := range s.inFlight {
		cancel()
	}
	s.mu.Unlock()
	s.forced.Add(ctx, int64(forced))

	<-done
}

// Active reports how many operations are currently tracked, for the
// /healthz diagnostics.
func (s *ShutdownCoordinator) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
