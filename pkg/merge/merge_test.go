package merge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborgrid-justin/collabcore/pkg/merge"
	"github.com/harborgrid-justin/collabcore/pkg/ot"
	"github.com/harborgrid-justin/collabcore/pkg/vclock"
)

func op(id, peer string, kind ot.Kind, pos int, content string, length int, ts int64, clock vclock.Clock) ot.Operation {
	o := ot.Operation{ID: id, PeerID: peer, Kind: kind, Position: pos, Timestamp: ts, Clock: clock, Length: length}
	if content != "" {
		o.Content = []rune(content)
	}
	return o
}

// TestLastWriteWins covers scenario S5: two concurrent inserts at the same
// offset; the later timestamp wins outright and the other is dropped.
func TestLastWriteWins(t *testing.T) {
	a := op("a", "A", ot.Insert, 0, "X", 0, 100, vclock.Clock{"A": 1})
	b := op("b", "B", ot.Insert, 0, "Y", 0, 200, vclock.Clock{"B": 1})

	engine := merge.NewEngine(merge.LastWriteWins, nil)
	conflict, isConflict := engine.ResolvePair(a, b)
	require.True(t, isConflict)
	require.NotNil(t, conflict.Resolution)

	assert.Equal(t, "b", conflict.Resolution.Selected.ID)
}

func TestFirstWriteWins(t *testing.T) {
	a := op("a", "A", ot.Insert, 0, "X", 0, 100, vclock.Clock{"A": 1})
	b := op("b", "B", ot.Insert, 0, "Y", 0, 200, vclock.Clock{"B": 1})

	engine := merge.NewEngine(merge.FirstWriteWins, nil)
	conflict, isConflict := engine.ResolvePair(a, b)
	require.True(t, isConflict)
	require.NotNil(t, conflict.Resolution)

	assert.Equal(t, "a", conflict.Resolution.Selected.ID)
}

func TestMergeStrategySynthesizesInsert(t *testing.T) {
	a := op("a", "A", ot.Insert, 0, "foo", 0, 100, vclock.Clock{"A": 1})
	b := op("b", "B", ot.Insert, 0, "bar", 0, 200, vclock.Clock{"B": 1})

	engine := merge.NewEngine(merge.Merge, nil)
	conflict, isConflict := engine.ResolvePair(a, b)
	require.True(t, isConflict)
	require.NotNil(t, conflict.Resolution)
	require.NotNil(t, conflict.Resolution.Synthesized)

	assert.Equal(t, "foobar", string(conflict.Resolution.Synthesized.Content))
	assert.Equal(t, true, conflict.Resolution.Synthesized.Metadata["merged"])
}

func TestMergeStrategyFallsBackForNonInsertPair(t *testing.T) {
	a := op("a", "A", ot.Insert, 0, "X", 0, 100, vclock.Clock{"A": 1})
	b := op("b", "B", ot.Delete, 0, "", 1, 200, vclock.Clock{"B": 1})

	engine := merge.NewEngine(merge.Merge, nil)
	conflict, isConflict := engine.ResolvePair(a, b)
	require.True(t, isConflict)
	require.NotNil(t, conflict.Resolution)
	assert.Equal(t, merge.LastWriteWins, conflict.Resolution.Strategy)
}

func TestManualStrategyLeavesUnresolvedWithoutResolver(t *testing.T) {
	a := op("a", "A", ot.Insert, 0, "X", 0, 100, vclock.Clock{"A": 1})
	b := op("b", "B", ot.Insert, 0, "Y", 0, 200, vclock.Clock{"B": 1})

	engine := merge.NewEngine(merge.Manual, nil)
	conflict, isConflict := engine.ResolvePair(a, b)
	require.True(t, isConflict)
	assert.Nil(t, conflict.Resolution)
}

func TestNonOverlappingOpsAreNotConflicts(t *testing.T) {
	a := op("a", "A", ot.Insert, 0, "X", 0, 100, vclock.Clock{"A": 1})
	b := op("b", "B", ot.Insert, 50, "Y", 0, 200, vclock.Clock{"B": 1})

	engine := merge.NewEngine(merge.LastWriteWins, nil)
	_, isConflict := engine.ResolvePair(a, b)
	assert.False(t, isConflict)
}

func TestSamePeerOpsAreNotConflicts(t *testing.T) {
	a := op("a", "A", ot.Insert, 0, "X", 0, 100, vclock.Clock{"A": 1})
	b := op("b", "A", ot.Insert, 0, "Y", 0, 200, vclock.Clock{"A": 2})

	engine := merge.NewEngine(merge.LastWriteWins, nil)
	_, isConflict := engine.ResolvePair(a, b)
	assert.False(t, isConflict)
}

func TestThreeWayMergeMergesNonConflictingAndResolvesConflicting(t *testing.T) {
	base := []ot.Operation{
		op("base1", "A", ot.Insert, 0, "hello", 0, 1, vclock.Clock{"A": 1}),
	}
	local := append(base,
		op("l1", "A", ot.Insert, 5, " there", 0, 10, vclock.Clock{"A": 2}),
		op("conflictA", "A", ot.Insert, 0, "X", 0, 20, vclock.Clock{"A": 3}),
	)
	remote := append(base,
		op("r1", "B", ot.Insert, 11, "!", 0, 15, vclock.Clock{"B": 1}),
		op("conflictB", "B", ot.Insert, 0, "Y", 0, 25, vclock.Clock{"B": 1}),
	)

	engine := merge.NewEngine(merge.LastWriteWins, nil)
	result := engine.ThreeWayMerge(base, local, remote)

	require.True(t, result.Resolved)
	require.Len(t, result.Conflicts, 1)

	var ids []string
	for _, o := range result.Operations {
		ids = append(ids, o.ID)
	}
	assert.Contains(t, ids, "l1")
	assert.Contains(t, ids, "r1")
	assert.Contains(t, ids, "conflictB") // later timestamp wins
	assert.NotContains(t, ids, "conflictA")
}
