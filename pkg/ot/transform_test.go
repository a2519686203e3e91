package ot_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborgrid-justin/collabcore/pkg/ot"
)

func insertOp(id, peer string, pos int, content string) ot.Operation {
	return ot.Operation{ID: id, Kind: ot.Insert, PeerID: peer, Position: pos, Content: []rune(content), Timestamp: 1}
}

func deleteOp(id, peer string, pos, length int) ot.Operation {
	return ot.Operation{ID: id, Kind: ot.Delete, PeerID: peer, Position: pos, Length: length, Timestamp: 1}
}

// simulate mimics two peers converging: each applies its own op locally and
// then the transformed remote op, and the two results must agree.
func simulate(t *testing.T, base string, a, b ot.Operation) (string, string) {
	t.Helper()
	aPrime, bPrime := ot.Transform(a, b)

	peerA := ot.Apply([]rune(base), a)
	peerA = ot.Apply(peerA, bPrime)

	peerB := ot.Apply([]rune(base), b)
	peerB = ot.Apply(peerB, aPrime)

	return string(peerA), string(peerB)
}

// TestDisjointInserts covers the disjoint-insert scenario: both peers insert
// at the same offset and converge via the peer-id tie-break.
func TestDisjointInserts(t *testing.T) {
	a := insertOp("op-a", "A", 5, " world")
	b := insertOp("op-b", "B", 5, "!")

	resultA, resultB := simulate(t, "hello", a, b)

	require.Equal(t, resultA, resultB, "peers must converge")
	assert.Equal(t, "hello world!", resultA)
}

// TestOverlappingDeleteVsInsert covers delete-swallows-insert: an insert
// landing inside a concurrent delete range never becomes visible.
func TestOverlappingDeleteVsInsert(t *testing.T) {
	a := deleteOp("op-a", "A", 2, 3) // removes "cde"
	b := insertOp("op-b", "B", 3, "X")

	resultA, resultB := simulate(t, "abcdef", a, b)

	require.Equal(t, resultA, resultB, "peers must converge")
	assert.Equal(t, "abf", resultA)
}

// TestConcurrentOverlappingDeletes covers two deletes whose ranges overlap:
// lengths shrink by the overlap and the later-starting delete collapses to
// the earlier's post-delete position.
func TestConcurrentOverlappingDeletes(t *testing.T) {
	a := deleteOp("op-a", "A", 1, 3) // removes "123"
	b := deleteOp("op-b", "B", 3, 3) // removes "345"

	resultA, resultB := simulate(t, "012345", a, b)

	require.Equal(t, resultA, resultB, "peers must converge")
	assert.Equal(t, "0", resultA)
}

func TestSamePeerPassesThrough(t *testing.T) {
	a := insertOp("op-a", "A", 0, "x")
	b := insertOp("op-b", "A", 0, "y")

	aPrime, bPrime := ot.Transform(a, b)
	assert.Equal(t, a, aPrime)
	assert.Equal(t, b, bPrime)
}

func TestUntransformableKindsPassThrough(t *testing.T) {
	a := ot.Operation{ID: "m1", PeerID: "A", Kind: ot.Move, Timestamp: 1}
	b := insertOp("op-b", "B", 0, "x")

	aPrime, bPrime := ot.Transform(a, b)
	assert.Equal(t, a, aPrime)
	assert.Equal(t, b, bPrime)
}

// inBounds reports whether op's position (and, for a delete, its whole range)
// lies within base, the precondition under which Transform guarantees TP1.
func inBounds(base string, op ot.Operation) bool {
	n := len([]rune(base))
	if op.Kind == ot.Delete {
		return op.Position+op.Length <= n
	}
	return op.Position <= n
}

// TestTP1Property checks TP1 commutativity over a spread of concurrent
// insert/delete pairs and starting strings; each pair runs on every starting
// string that both of its operations fit.
func TestTP1Property(t *testing.T) {
	bases := []string{"x", "abcdefgh", "0123456789"}
	pairs := []struct {
		name string
		a, b ot.Operation
	}{
		{"insert-insert disjoint", insertOp("a1", "A", 1, "PP"), insertOp("b1", "B", 3, "Q")},
		{"insert-insert tie", insertOp("a2", "A", 2, "P"), insertOp("b2", "B", 2, "Q")},
		{"insert-delete before", insertOp("a3", "A", 0, "P"), deleteOp("b3", "B", 2, 2)},
		{"insert-delete after", insertOp("a4", "A", 8, "P"), deleteOp("b4", "B", 1, 2)},
		{"insert-delete inside", insertOp("a5", "A", 2, "P"), deleteOp("b5", "B", 0, 5)},
		{"delete-delete disjoint", deleteOp("a6", "A", 0, 2), deleteOp("b6", "B", 4, 2)},
		{"delete-delete overlap", deleteOp("a7", "A", 1, 4), deleteOp("b7", "B", 3, 4)},
	}

	for _, base := range bases {
		for _, p := range pairs {
			if !inBounds(base, p.a) || !inBounds(base, p.b) {
				continue
			}
			t.Run(p.name, func(t *testing.T) {
				resultA, resultB := simulate(t, base, p.a, p.b)
				assert.Equal(t, resultA, resultB, "base=%q pair=%s", base, p.name)
			})
		}
	}
}
