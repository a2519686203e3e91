package crdtdoc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborgrid-justin/collabcore/pkg/crdtdoc"
)

func TestInsertAndToString(t *testing.T) {
	doc := crdtdoc.New("A")

	_, err := doc.Insert("hello", 0, "A")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.ToString())

	_, err = doc.Insert(" world", 5, "A")
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.ToString())
}

func TestDeleteTombstones(t *testing.T) {
	doc := crdtdoc.New("A")
	_, err := doc.Insert("hello world", 0, "A")
	require.NoError(t, err)

	_, err = doc.Delete(5, 6, "A")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.ToString())
}

func TestApplyRemoteOperationConverges(t *testing.T) {
	base := crdtdoc.New("A")
	_, err := base.Insert("hello", 0, "A")
	require.NoError(t, err)

	peerB := crdtdoc.New("B")
	require.NoError(t, peerB.Merge(base))

	opB, err := peerB.Insert("!", 5, "B")
	require.NoError(t, err)

	require.NoError(t, base.ApplyRemoteOperation(opB))

	assert.Equal(t, base.ToString(), peerB.ToString())
	assert.Equal(t, "hello!", base.ToString())
}

// TestIdempotentRemoteDelivery verifies applying the same remote op twice
// yields the same state as applying it once.
func TestIdempotentRemoteDelivery(t *testing.T) {
	doc := crdtdoc.New("A")
	other := crdtdoc.New("B")
	op, err := other.Insert("x", 0, "B")
	require.NoError(t, err)

	require.NoError(t, doc.ApplyRemoteOperation(op))
	first := doc.ToString()

	require.NoError(t, doc.ApplyRemoteOperation(op))
	second := doc.ToString()

	assert.Equal(t, first, second)
}

// TestStrongEventualConsistency applies the same multiset of two
// concurrent, independently-authored operations to two documents in
// opposite delivery orders and checks they converge to the same content.
func TestStrongEventualConsistency(t *testing.T) {
	authorA := crdtdoc.New("A")
	opA, err := authorA.Insert("abc", 0, "A")
	require.NoError(t, err)

	authorB := crdtdoc.New("B")
	opB, err := authorB.Insert("X", 0, "B")
	require.NoError(t, err)

	peer1 := crdtdoc.New("P1")
	require.NoError(t, peer1.ApplyRemoteOperation(opA))
	require.NoError(t, peer1.ApplyRemoteOperation(opB))

	peer2 := crdtdoc.New("P2")
	require.NoError(t, peer2.ApplyRemoteOperation(opB))
	require.NoError(t, peer2.ApplyRemoteOperation(opA))

	assert.Equal(t, peer1.ToString(), peer2.ToString())
}

func TestGetStateChecksum(t *testing.T) {
	doc := crdtdoc.New("A")
	_, err := doc.Insert("abc", 0, "A")
	require.NoError(t, err)

	state := doc.GetState()
	assert.Equal(t, "abc", state.Content)
	assert.NotZero(t, state.Checksum)
}

func TestGCSweepsAckedTombstones(t *testing.T) {
	doc := crdtdoc.New("A")
	_, err := doc.Insert("abc", 0, "A")
	require.NoError(t, err)

	delOp, err := doc.Delete(0, 1, "A")
	require.NoError(t, err)

	swept := doc.GC(delOp.Clock)
	assert.Equal(t, 1, swept)
	assert.Equal(t, "bc", doc.ToString())
}

func TestEmptyPeerRejected(t *testing.T) {
	doc := crdtdoc.New("")
	_, err := doc.Insert("x", 0, "")
	assert.ErrorIs(t, err, crdtdoc.ErrEmptyPeerID)
}
