package ops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/lineage/internal/lineage"
)

func id(b byte) lineage.EntryID {
	return lineage.EntryIDFromBytes([]byte{b})
}

func entry(b byte, status lineage.GcsStatus, deps ...byte) *lineage.Entry {
	depIDs := make([]lineage.EntryID, len(deps))
	for i, d := range deps {
		depIDs[i] = id(d)
	}
	return lineage.NewEntry(id(b), &lineage.TaskPayload{TaskID: id(b), Dependencies: depIDs}, status)
}

func TestInspectLinearChainTopoOrder(t *testing.T) {
	l := lineage.New()
	require.True(t, l.Set(entry('A', lineage.StatusCommitted)))
	require.True(t, l.Set(entry('B', lineage.StatusUncommittedReady, 'A')))
	require.True(t, l.Set(entry('C', lineage.StatusUncommittedWaiting, 'B')))

	ins := NewInspector(noopmetric.MeterProvider{}.Meter("test"))
	report := ins.Inspect(context.Background(), l)

	assert.False(t, report.CycleDetected)
	assert.Equal(t, 3, report.TotalEntries)
	require.Equal(t, []string{id('A').String(), id('B').String(), id('C').String()}, report.TopoOrder)
	assert.Equal(t, 1, report.StatusCounts["COMMITTED"])
	assert.Equal(t, 1, report.StatusCounts["UNCOMMITTED_READY"])
	assert.Equal(t, 1, report.StatusCounts["UNCOMMITTED_WAITING"])
}

func TestInspectDiamondTopoOrder(t *testing.T) {
	l := lineage.New()
	require.True(t, l.Set(entry('A', lineage.StatusCommitted)))
	require.True(t, l.Set(entry('B', lineage.StatusUncommittedWaiting, 'A')))
	require.True(t, l.Set(entry('C', lineage.StatusUncommittedWaiting, 'A')))
	require.True(t, l.Set(entry('D', lineage.StatusUncommittedWaiting, 'B', 'C')))

	ins := NewInspector(noopmetric.MeterProvider{}.Meter("test"))
	report := ins.Inspect(context.Background(), l)

	assert.False(t, report.CycleDetected)
	require.Len(t, report.TopoOrder, 4)
	assert.Equal(t, id('A').String(), report.TopoOrder[0])
	assert.Equal(t, id('D').String(), report.TopoOrder[3])
}

func TestInspectMissingParentIsNotACycle(t *testing.T) {
	l := lineage.New()
	// B depends on A, but A was already garbage collected out of this
	// snapshot; Inspect must not treat the dangling reference as a cycle.
	require.True(t, l.Set(entry('B', lineage.StatusUncommittedWaiting, 'A')))

	ins := NewInspector(noopmetric.MeterProvider{}.Meter("test"))
	report := ins.Inspect(context.Background(), l)

	assert.False(t, report.CycleDetected)
	assert.Equal(t, []string{id('B').String()}, report.TopoOrder)
}

func TestInspectDetectsCycle(t *testing.T) {
	l := lineage.New()
	// Entry.ParentIDs is read straight off the payload, so a
	// hand-built Lineage can hold a cycle even though the cache's own
	// write path (Invariant D) never produces one.
	require.True(t, l.Set(entry('A', lineage.StatusUncommittedWaiting, 'B')))
	require.True(t, l.Set(entry('B', lineage.StatusUncommittedWaiting, 'A')))

	ins := NewInspector(noopmetric.MeterProvider{}.Meter("test"))
	report := ins.Inspect(context.Background(), l)

	assert.True(t, report.CycleDetected)
	assert.ElementsMatch(t, []string{id('A').String(), id('B').String()}, report.CycleMembers)
	assert.Empty(t, report.TopoOrder)
}
