package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/lineage/internal/cache"
	"github.com/swarmguard/lineage/internal/codec"
	"github.com/swarmguard/lineage/internal/lineage"
)

type fakeTable struct {
	acks map[lineage.EntryID]func(lineage.EntryID, []byte)
}

func newFakeTable() *fakeTable {
	return &fakeTable{acks: make(map[lineage.EntryID]func(lineage.EntryID, []byte))}
}

func (f *fakeTable) Add(_ context.Context, _ string, key lineage.EntryID, _ []byte, onAck func(lineage.EntryID, []byte)) error {
	f.acks[key] = onAck
	return nil
}

type fakePubSub struct{}

func (fakePubSub) RequestNotifications(context.Context, string, lineage.EntryID, string) error { return nil }
func (fakePubSub) CancelNotifications(context.Context, string, lineage.EntryID, string) error   { return nil }

func tid(b byte) lineage.EntryID { return lineage.EntryIDFromBytes([]byte{b}) }

// TestForwardIngestPreservesAncestors drives the same wire path
// handleForward uses in production: Forward encodes a node's
// uncommitted lineage, an HTTP handler decodes the body with
// transport.Ingest, and the receiving node's AddWaitingTask merges the
// result. It must come out with every ancestor intact, not just the
// forwarded task itself.
func TestForwardIngestPreservesAncestors(t *testing.T) {
	ctx := context.Background()
	reg := codec.NewRegistry()

	// Node X: A (committed, so excluded) -> B (uncommitted) -> C (the
	// task actually being forwarded).
	tableX := newFakeTable()
	nodeX := cache.New("node-x", "job-1", tableX, fakePubSub{}, reg, noopmetric.MeterProvider{}.Meter("test"))

	a := &lineage.TaskPayload{TaskID: tid('A')}
	b := &lineage.TaskPayload{TaskID: tid('B'), Dependencies: []lineage.EntryID{tid('A')}}
	c := &lineage.TaskPayload{TaskID: tid('C'), Dependencies: []lineage.EntryID{tid('B')}}

	nodeX.AddWaitingTask(ctx, a, nil)
	nodeX.AddReadyTask(ctx, a)
	tableX.acks[tid('A')](tid('A'), nil) // A: COMMITTED

	nodeX.AddWaitingTask(ctx, b, nil)
	nodeX.AddReadyTask(ctx, b) // A already committed -> B issues write -> COMMITTING

	nodeX.AddWaitingTask(ctx, c, nil)

	uncommitted := nodeX.UncommittedLineage(tid('C'))
	_, hasA := uncommitted.Get(tid('A'))
	require.False(t, hasA, "committed ancestor must be excluded from the forwarded closure")
	_, hasB := uncommitted.Get(tid('B'))
	require.True(t, hasB, "uncommitted ancestor B must be part of the forwarded closure")

	fwd := NewForwarder(nil, reg)

	// Capture the request body a real /v1/forward handler would receive.
	var captured ForwardRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, fwd.Forward(ctx, srv.URL, tid('C'), uncommitted))

	taskID, target, remote, err := Ingest(reg, captured)
	require.NoError(t, err)
	assert.Equal(t, tid('C'), taskID)
	assert.Equal(t, tid('C'), target.EntryID())

	_, hasB = remote.Get(tid('B'))
	assert.True(t, hasB, "ingest must keep the ancestor B, not just the forwarded task C")

	// This is the exact call cmd/lineaged's handleForward makes: no
	// popping the target out of remote first, AddWaitingTask's own
	// Merge call walks from taskID and needs the full closure present.
	tableY := newFakeTable()
	nodeY := cache.New("node-y", "job-1", tableY, fakePubSub{}, reg, noopmetric.MeterProvider{}.Meter("test"))
	nodeY.AddWaitingTask(ctx, target, remote)

	bAtY, ok := nodeY.Lineage().Get(tid('B'))
	require.True(t, ok, "ancestor B must be present at the receiver after a real forward round-trip")
	assert.Equal(t, lineage.StatusUncommittedRemote, bAtY.Status())

	cAtY, ok := nodeY.Lineage().Get(tid('C'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusUncommittedWaiting, cAtY.Status())
}
