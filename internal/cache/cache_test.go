package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/lineage/internal/lineage"
)

// fakeTable is an in-memory, synchronous stand-in for the GCS Table
// interface. Acks are not fired automatically; tests trigger them to
// control interleaving explicitly, as the real GCS would on its own
// schedule.
type fakeTable struct {
	order  []lineage.EntryID
	acks   map[lineage.EntryID]func(lineage.EntryID, []byte)
	values map[lineage.EntryID][]byte
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		acks:   make(map[lineage.EntryID]func(lineage.EntryID, []byte)),
		values: make(map[lineage.EntryID][]byte),
	}
}

func (f *fakeTable) Add(_ context.Context, _ string, key lineage.EntryID, value []byte, onAck func(lineage.EntryID, []byte)) error {
	f.order = append(f.order, key)
	f.values[key] = value
	f.acks[key] = onAck
	return nil
}

func (f *fakeTable) ack(key lineage.EntryID) {
	cb := f.acks[key]
	if cb == nil {
		panic("ack on task that was never written: " + key.String())
	}
	cb(key, f.values[key])
}

func (f *fakeTable) written(key lineage.EntryID) bool {
	_, ok := f.values[key]
	return ok
}

// fakePubSub is an in-memory stand-in for the GCS PubSub interface.
type fakePubSub struct {
	requested map[lineage.EntryID]int
	cancelled map[lineage.EntryID]int
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{requested: make(map[lineage.EntryID]int), cancelled: make(map[lineage.EntryID]int)}
}

func (f *fakePubSub) RequestNotifications(_ context.Context, _ string, key lineage.EntryID, _ string) error {
	f.requested[key]++
	return nil
}

func (f *fakePubSub) CancelNotifications(_ context.Context, _ string, key lineage.EntryID, _ string) error {
	f.cancelled[key]++
	return nil
}

type fakeCodec struct{}

func (fakeCodec) Encode(p lineage.Payload) ([]byte, error) {
	return []byte(p.EntryID().String()), nil
}

func newTestCache(table Table, pubsub PubSub) *LineageCache {
	return New("node-x", "job-1", table, pubsub, fakeCodec{}, noopmetric.MeterProvider{}.Meter("test"))
}

func tid(b byte) lineage.EntryID { return lineage.EntryIDFromBytes([]byte{b}) }

func payload(self byte, deps ...byte) *lineage.TaskPayload {
	var d []lineage.EntryID
	for _, dep := range deps {
		d = append(d, tid(dep))
	}
	return &lineage.TaskPayload{TaskID: tid(self), DriverID: "driver", Dependencies: d}
}

// Scenario 1 (spec.md §8): linear chain, all local.
func TestScenarioLinearChainAllLocal(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	pubsub := newFakePubSub()
	c := newTestCache(table, pubsub)

	a := payload('A')
	b := payload('B', 'A')

	c.AddWaitingTask(ctx, a, nil)
	c.AddReadyTask(ctx, a)
	require.True(t, table.written(tid('A')), "A has no parents, must flush immediately")

	c.AddWaitingTask(ctx, b, nil)
	c.AddReadyTask(ctx, b)
	require.False(t, table.written(tid('B')), "B must block on uncommitted parent A")

	table.ack(tid('A'))
	require.True(t, table.written(tid('B')), "A's commit must cascade-flush B")

	table.ack(tid('B'))
	_, aPresent := c.Lineage().Get(tid('A'))
	assert.False(t, aPresent, "A must be garbage-collected as an ancestor once B commits")
	bEntry, bPresent := c.Lineage().Get(tid('B'))
	require.True(t, bPresent)
	assert.Equal(t, lineage.StatusCommitted, bEntry.Status())
}

// Scenario 2 (spec.md §8): remote ancestor.
func TestScenarioRemoteAncestor(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	pubsub := newFakePubSub()
	c := newTestCache(table, pubsub)

	// The forwarded fragment carries the task itself plus its
	// uncommitted ancestor, both as UNCOMMITTED_REMOTE, the way
	// transport.Ingest builds it.
	b := payload('B', 'A')
	remote := lineage.New()
	remote.Set(lineage.NewEntry(tid('A'), payload('A'), lineage.StatusUncommittedRemote))
	remote.Set(lineage.NewEntry(tid('B'), b, lineage.StatusUncommittedRemote))

	c.AddWaitingTask(ctx, b, remote)

	aEntry, ok := c.Lineage().Get(tid('A'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusUncommittedRemote, aEntry.Status())

	c.AddReadyTask(ctx, b)
	assert.Equal(t, 1, pubsub.requested[tid('A')], "flush must subscribe to the remote ancestor exactly once")
	assert.False(t, table.written(tid('B')))

	c.HandleEntryCommitted(ctx, tid('A'))
	assert.Equal(t, 1, pubsub.cancelled[tid('A')])
	require.True(t, table.written(tid('B')), "A's remote commit notification must cascade-flush B")

	table.ack(tid('B'))
	_, aPresent := c.Lineage().Get(tid('A'))
	assert.False(t, aPresent, "A must be garbage-collected once B commits")
}

// Scenario 3 (spec.md §8): diamond dependency.
func TestScenarioDiamond(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	pubsub := newFakePubSub()
	c := newTestCache(table, pubsub)

	a := payload('A')
	b := payload('B', 'A')
	cc := payload('C', 'A')
	d := payload('D', 'B', 'C')

	for _, p := range []*lineage.TaskPayload{a, b, cc, d} {
		c.AddWaitingTask(ctx, p, nil)
	}
	c.AddReadyTask(ctx, a)
	c.AddReadyTask(ctx, b)
	c.AddReadyTask(ctx, cc)
	c.AddReadyTask(ctx, d)

	assert.Equal(t, []lineage.EntryID{tid('A')}, table.order, "only A is flushable before its own ack")

	table.ack(tid('A'))
	assert.ElementsMatch(t, []lineage.EntryID{tid('A'), tid('B'), tid('C')}, table.order,
		"both B and C become flushable once A commits")
	assert.False(t, table.written(tid('D')), "D must not flush until both B and C commit")

	table.ack(tid('B'))
	assert.False(t, table.written(tid('D')), "D still blocked on C")

	table.ack(tid('C'))
	require.True(t, table.written(tid('D')), "D must flush only after both B and C commit")
}

// Scenario 4 (spec.md §8, §9): controlled demotion then re-submission.
func TestScenarioDemotionThenResubmit(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	pubsub := newFakePubSub()
	c := newTestCache(table, pubsub)

	taskT := payload('T')
	c.AddWaitingTask(ctx, taskT, nil)
	c.RemoveWaitingTask(ctx, tid('T'))

	entry, ok := c.Lineage().Get(tid('T'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusUncommittedRemote, entry.Status())

	// SPEC_FULL.md §4 resolves the open question: re-submission after a
	// demotion is a monotonic bump (REMOTE -> WAITING), not fatal.
	assert.NotPanics(t, func() { c.AddWaitingTask(ctx, taskT, nil) })
	entry, ok = c.Lineage().Get(tid('T'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusUncommittedWaiting, entry.Status())
}

// Scenario 5 (spec.md §8): duplicate commit notification is tolerated.
func TestScenarioDuplicateCommitNotification(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	pubsub := newFakePubSub()
	c := newTestCache(table, pubsub)

	a := payload('A')
	c.AddWaitingTask(ctx, a, nil)
	c.AddReadyTask(ctx, a)
	require.True(t, table.written(tid('A')))

	table.ack(tid('A'))
	assert.NotPanics(t, func() { c.HandleEntryCommitted(ctx, tid('A')) },
		"a second notification for the same task must not abort the process")

	entry, ok := c.Lineage().Get(tid('A'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusCommitted, entry.Status())
}

// remoteCopy rebuilds l with every entry's status forced to
// UNCOMMITTED_REMOTE, as the wire format does on ingest (the serialized
// forward_task_request carries no GCS status, see transport.Ingest).
func remoteCopy(l *lineage.Lineage) *lineage.Lineage {
	out := lineage.New()
	for _, e := range l.Entries() {
		out.Set(lineage.NewEntry(e.ID(), e.Payload(), lineage.StatusUncommittedRemote))
	}
	return out
}

// Scenario 6 (spec.md §8): forward round-trip.
func TestScenarioForwardRoundTrip(t *testing.T) {
	ctx := context.Background()
	tableX := newFakeTable()
	pubsubX := newFakePubSub()
	nodeX := newTestCache(tableX, pubsubX)

	a := payload('A')
	b := payload('B', 'A')
	cc := payload('C', 'B')

	nodeX.AddWaitingTask(ctx, a, nil)
	nodeX.AddReadyTask(ctx, a)
	tableX.ack(tid('A')) // A: COMMITTED

	nodeX.AddWaitingTask(ctx, b, nil)
	nodeX.AddReadyTask(ctx, b) // A already committed -> B flushes -> COMMITTING

	nodeX.AddWaitingTask(ctx, cc, nil)
	nodeX.AddReadyTask(ctx, cc) // blocked on B -> READY, pending

	uncommitted := nodeX.UncommittedLineage(tid('C'))
	_, hasA := uncommitted.Get(tid('A'))
	assert.False(t, hasA, "committed ancestor A must be excluded")
	bEntry, ok := uncommitted.Get(tid('B'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusCommitting, bEntry.Status())
	cEntry, ok := uncommitted.Get(tid('C'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusUncommittedReady, cEntry.Status())

	tableY := newFakeTable()
	pubsubY := newFakePubSub()
	nodeY := newTestCache(tableY, pubsubY)

	nodeY.AddWaitingTask(ctx, cc, remoteCopy(uncommitted))

	bAtY, ok := nodeY.Lineage().Get(tid('B'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusUncommittedRemote, bAtY.Status())
	cAtY, ok := nodeY.Lineage().Get(tid('C'))
	require.True(t, ok)
	assert.Equal(t, lineage.StatusUncommittedWaiting, cAtY.Status(), "the forwarded task itself is WAITING at the receiver, not REMOTE")
}
