package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(b byte) EntryID {
	return EntryIDFromBytes([]byte{b})
}

func TestEntrySetStatusMonotonic(t *testing.T) {
	e := NewEntry(id(1), &TaskPayload{TaskID: id(1)}, StatusUncommittedWaiting)

	require.True(t, e.SetStatus(StatusUncommittedReady))
	assert.Equal(t, StatusUncommittedReady, e.Status())

	require.False(t, e.SetStatus(StatusUncommittedWaiting), "must not move backwards")
	assert.Equal(t, StatusUncommittedReady, e.Status())

	require.False(t, e.SetStatus(StatusUncommittedReady), "must not accept equal status")
}

func TestEntryResetStatusRequiresDemotion(t *testing.T) {
	e := NewEntry(id(1), &TaskPayload{TaskID: id(1)}, StatusUncommittedWaiting)
	e.ResetStatus(StatusUncommittedRemote)
	assert.Equal(t, StatusUncommittedRemote, e.Status())

	defer func() {
		r := recover()
		assert.NotNil(t, r, "ResetStatus to a non-lower status must panic")
	}()
	e.ResetStatus(StatusUncommittedWaiting)
}

func TestLineageSetMaxMerge(t *testing.T) {
	l := New()
	a1 := NewEntry(id(1), &TaskPayload{TaskID: id(1)}, StatusUncommittedWaiting)
	require.True(t, l.Set(a1))

	lower := NewEntry(id(1), &TaskPayload{TaskID: id(1)}, StatusUncommittedRemote)
	require.False(t, l.Set(lower), "must reject a lower-status overwrite")
	got, ok := l.Get(id(1))
	require.True(t, ok)
	assert.Equal(t, StatusUncommittedWaiting, got.Status(), "prior entry must be restored on rejection")

	higher := NewEntry(id(1), &TaskPayload{TaskID: id(1)}, StatusUncommittedReady)
	require.True(t, l.Set(higher))
	got, _ = l.Get(id(1))
	assert.Equal(t, StatusUncommittedReady, got.Status())
}

func TestLineagePopAndEntries(t *testing.T) {
	l := New()
	l.Set(NewEntry(id(1), &TaskPayload{TaskID: id(1)}, StatusUncommittedReady))
	l.Set(NewEntry(id(2), &TaskPayload{TaskID: id(2)}, StatusUncommittedWaiting))
	assert.Equal(t, 2, l.Len())

	popped, ok := l.Pop(id(1))
	require.True(t, ok)
	assert.Equal(t, id(1), popped.ID())
	assert.Equal(t, 1, l.Len())

	_, ok = l.Pop(id(1))
	assert.False(t, ok)

	assert.Len(t, l.Entries(), 1)
}

func TestMergeStopAtAbsent(t *testing.T) {
	// Chain: C -> B -> A, all UNCOMMITTED_REMOTE in the source lineage.
	from := New()
	from.Set(NewEntry(id(1), &TaskPayload{TaskID: id(1)}, StatusUncommittedRemote))
	from.Set(NewEntry(id(2), &TaskPayload{TaskID: id(2), Dependencies: []EntryID{id(1)}}, StatusUncommittedRemote))
	from.Set(NewEntry(id(3), &TaskPayload{TaskID: id(3), Dependencies: []EntryID{id(2)}}, StatusUncommittedRemote))

	into := New()
	Merge(id(3), from, into, StopAtAbsent)

	assert.Equal(t, 3, into.Len())
	for _, want := range []EntryID{id(1), id(2), id(3)} {
		got, ok := into.Get(want)
		require.True(t, ok)
		assert.Equal(t, StatusUncommittedRemote, got.Status())
	}
}

func TestMergeStopAtCommittedExcludesCommittedAncestors(t *testing.T) {
	// C -> B -> A, A COMMITTED, B COMMITTING, C READY.
	from := New()
	from.Set(NewEntry(id(1), &TaskPayload{TaskID: id(1)}, StatusCommitted))
	from.Set(NewEntry(id(2), &TaskPayload{TaskID: id(2), Dependencies: []EntryID{id(1)}}, StatusCommitting))
	from.Set(NewEntry(id(3), &TaskPayload{TaskID: id(3), Dependencies: []EntryID{id(2)}}, StatusUncommittedReady))

	into := New()
	Merge(id(3), from, into, StopAtCommitted)

	assert.Equal(t, 2, into.Len())
	_, ok := into.Get(id(1))
	assert.False(t, ok, "committed ancestor must be excluded")
	got, ok := into.Get(id(2))
	require.True(t, ok)
	assert.Equal(t, StatusCommitting, got.Status())
	got, ok = into.Get(id(3))
	require.True(t, ok)
	assert.Equal(t, StatusUncommittedReady, got.Status())
}

func TestMergeDoesNotRevisitOnceEqualOrBetterPresent(t *testing.T) {
	// Diamond: D depends on B and C, both depend on A. A must only be
	// visited once in the DFS despite two paths reaching it.
	from := New()
	from.Set(NewEntry(id('A'), &TaskPayload{TaskID: id('A')}, StatusUncommittedRemote))
	from.Set(NewEntry(id('B'), &TaskPayload{TaskID: id('B'), Dependencies: []EntryID{id('A')}}, StatusUncommittedRemote))
	from.Set(NewEntry(id('C'), &TaskPayload{TaskID: id('C'), Dependencies: []EntryID{id('A')}}, StatusUncommittedRemote))
	from.Set(NewEntry(id('D'), &TaskPayload{TaskID: id('D'), Dependencies: []EntryID{id('B'), id('C')}}, StatusUncommittedRemote))

	into := New()
	Merge(id('D'), from, into, StopAtAbsent)

	assert.Equal(t, 4, into.Len())
}
