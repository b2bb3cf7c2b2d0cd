// Package transport implements the forward_task_request wire call
// (spec.md §6): a node hands a task and its uncommitted-lineage closure
// to a peer over HTTP, connection pooling and trace propagation carried
// over from the teacher's task executor.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/lineage/internal/codec"
	"github.com/swarmguard/lineage/internal/lineage"
	"github.com/swarmguard/lineage/internal/resilience"
)

// WireEntry is one serialized lineage entry crossing the wire. Status
// is deliberately absent: Ingest forces every entry a receiver hands to
// AddWaitingTask to UNCOMMITTED_REMOTE regardless
// of what status the sender happened to hold it at locally.
type WireEntry struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Data []byte `json:"data"`
}

// ForwardRequest is the body POSTed to a peer's /v1/forward endpoint.
type ForwardRequest struct {
	TaskID  string      `json:"task_id"`
	Entries []WireEntry `json:"entries"`
}

// Forwarder issues forward_task_request calls to peer nodes. Each peer
// address gets its own circuit breaker, so one unreachable peer can't
// spend every retry budget the node has against peers that are fine.
type Forwarder struct {
	client *http.Client
	codec  *codec.Registry
	tracer trace.Tracer

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	limitersMu sync.Mutex
	limiters   map[string]*resilience.HybridRateLimiter
}

// NewForwarder builds a Forwarder. A nil client gets the same pooled
// defaults the teacher's HTTP executor used.
func NewForwarder(client *http.Client, reg *codec.Registry) *Forwarder {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Forwarder{
		client:   client,
		codec:    reg,
		tracer:   otel.Tracer("lineage-transport"),
		breakers: make(map[string]*resilience.CircuitBreaker),
		limiters: make(map[string]*resilience.HybridRateLimiter),
	}
}

// breakerFor returns the circuit breaker guarding calls to peerAddr,
// creating one on first use. Parameters mirror the teacher's defaults:
// a 30s/6-bucket rolling window, open above 50% failures once at least
// 5 requests have landed, half-open probing resumes after 10s.
func (f *Forwarder) breakerFor(peerAddr string) *resilience.CircuitBreaker {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()
	cb, ok := f.breakers[peerAddr]
	if !ok {
		cb = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2)
		f.breakers[peerAddr] = cb
	}
	return cb
}

// limiterFor returns the per-peer outbound smoother, creating one on
// first use: bursts of up to 10 forwards go through immediately, beyond
// that they queue at 20/s rather than piling onto a peer that is merely
// slow (as opposed to the circuit breaker, which reacts to failures).
func (f *Forwarder) limiterFor(peerAddr string) *resilience.HybridRateLimiter {
	f.limitersMu.Lock()
	defer f.limitersMu.Unlock()
	rl, ok := f.limiters[peerAddr]
	if !ok {
		rl = resilience.NewHybridRateLimiter(10, 20, 64, 50*time.Millisecond)
		f.limiters[peerAddr] = rl
	}
	return rl
}

// Close stops every per-peer rate limiter's background worker. Call
// once during node shutdown.
func (f *Forwarder) Close() {
	f.limitersMu.Lock()
	defer f.limitersMu.Unlock()
	for _, rl := range f.limiters {
		rl.Stop()
	}
}

// Forward serializes taskID and every entry in uncommitted (which
// includes taskID itself, per LineageCache.UncommittedLineage) and
// POSTs it to peerAddr's /v1/forward endpoint.
func (f *Forwarder) Forward(ctx context.Context, peerAddr string, taskID lineage.EntryID, uncommitted *lineage.Lineage) error {
	ctx, span := f.tracer.Start(ctx, "transport.forward",
		trace.WithAttributes(
			attribute.String("task_id", taskID.String()),
			attribute.String("peer", peerAddr),
		))
	defer span.End()

	cb := f.breakerFor(peerAddr)
	if !cb.Allow() {
		return fmt.Errorf("forward to %s: circuit open", peerAddr)
	}

	if err := f.limiterFor(peerAddr).AllowOrWait(ctx); err != nil {
		return fmt.Errorf("forward to %s: rate limited: %w", peerAddr, err)
	}

	req := ForwardRequest{TaskID: taskID.String()}
	for _, entry := range uncommitted.Entries() {
		kind, data, err := f.codec.EncodeTagged(entry.Payload())
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", entry.ID(), err)
		}
		req.Entries = append(req.Entries, WireEntry{ID: entry.ID().String(), Kind: kind, Data: data})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal forward request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peerAddr+"/v1/forward", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := f.client.Do(httpReq)
	if err != nil {
		cb.RecordResult(false)
		return fmt.Errorf("forward to %s: %w", peerAddr, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		cb.RecordResult(false)
		return fmt.Errorf("read forward response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Int("entries", len(req.Entries)))

	if resp.StatusCode >= 400 {
		cb.RecordResult(false)
		return fmt.Errorf("forward to %s failed: %d: %s", peerAddr, resp.StatusCode, string(respBody))
	}
	cb.RecordResult(true)
	return nil
}

// Ingest decodes a ForwardRequest into a target task id plus a Lineage
// with every entry forced to UNCOMMITTED_REMOTE, ready to hand to
// LineageCache.AddWaitingTask. Used by the /v1/forward HTTP handler.
func Ingest(reg *codec.Registry, req ForwardRequest) (lineage.EntryID, lineage.Payload, *lineage.Lineage, error) {
	taskID, err := lineage.ParseEntryID(req.TaskID)
	if err != nil {
		return lineage.EntryID{}, nil, nil, fmt.Errorf("parse task id %q: %w", req.TaskID, err)
	}

	remote := lineage.New()
	var target lineage.Payload
	for _, we := range req.Entries {
		payload, err := reg.Decode(we.Kind, we.Data)
		if err != nil {
			return lineage.EntryID{}, nil, nil, fmt.Errorf("decode entry %s: %w", we.ID, err)
		}
		remote.Set(lineage.NewEntry(payload.EntryID(), payload, lineage.StatusUncommittedRemote))
		if payload.EntryID() == taskID {
			target = payload
		}
	}

	if target == nil {
		return lineage.EntryID{}, nil, nil, fmt.Errorf("forward request for %s carried no entry for the target task", taskID)
	}

	return taskID, target, remote, nil
}
