package syncsvc_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborgrid-justin/collabcore/internal/config"
	"github.com/harborgrid-justin/collabcore/internal/syncsvc"
	"github.com/harborgrid-justin/collabcore/pkg/merge"
	"github.com/harborgrid-justin/collabcore/pkg/ot"
	"github.com/harborgrid-justin/collabcore/pkg/vclock"
	"github.com/harborgrid-justin/collabcore/pkg/wire"
)

func testOp(id, peer string, pos int, content string) ot.Operation {
	return ot.Operation{
		ID:       id,
		Kind:     ot.Insert,
		Position: pos,
		Content:  []rune(content),
		PeerID:   peer,
		Clock:    vclock.New().Increment(peer),
	}
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []wire.Message
	failNext int
}

func (f *fakeSender) send(msg wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return assertErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Message{}, f.sent...)
}

var assertErr = &sendError{"send failed"}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }

func testSyncConfig() config.Sync {
	return config.Sync{
		SyncInterval:  0,
		BatchSize:     2,
		RetryAttempts: 2,
		RetryDelay:    5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestFlushBatchesUpToBatchSize(t *testing.T) {
	sender := &fakeSender{}
	svc := syncsvc.New("local", testSyncConfig(), sender.send, nil, nil)

	svc.AddOperation(testOp("op1", "local", 0, "a"))
	svc.AddOperation(testOp("op2", "local", 1, "b"))
	svc.AddOperation(testOp("op3", "local", 2, "c"))

	require.NoError(t, svc.Flush(context.Background()))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.OpSync, msgs[0].Type)

	var payload struct {
		Operations     []ot.Operation `json:"operations"`
		SequenceNumber uint64         `json:"sequenceNumber"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Len(t, payload.Operations, 2)
	assert.Equal(t, uint64(1), payload.SequenceNumber)

	// All three operations remain pending until acked.
	assert.Len(t, svc.Pending(), 3)
}

func TestFlushIsNoOpWhileBatchInFlight(t *testing.T) {
	sender := &fakeSender{}
	svc := syncsvc.New("local", testSyncConfig(), sender.send, nil, nil)

	svc.AddOperation(testOp("op1", "local", 0, "a"))
	require.NoError(t, svc.Flush(context.Background()))
	require.NoError(t, svc.Flush(context.Background()))

	assert.Len(t, sender.messages(), 1)
}

func TestHandleAckRemovesAcknowledgedOperations(t *testing.T) {
	sender := &fakeSender{}
	svc := syncsvc.New("local", testSyncConfig(), sender.send, nil, nil)

	svc.AddOperation(testOp("op1", "local", 0, "a"))
	svc.AddOperation(testOp("op2", "local", 1, "b"))
	require.NoError(t, svc.Flush(context.Background()))

	svc.HandleAck([]string{"op1", "op2"})
	assert.Empty(t, svc.Pending())

	// The in-flight batch is cleared too, so a new Flush can proceed
	// immediately for anything added afterward.
	svc.AddOperation(testOp("op3", "local", 0, "c"))
	require.NoError(t, svc.Flush(context.Background()))
	assert.Len(t, sender.messages(), 2)
}

func TestUnacknowledgedBatchRetriesThenFails(t *testing.T) {
	cfg := testSyncConfig()
	cfg.RetryAttempts = 2
	cfg.RetryDelay = 2 * time.Millisecond

	sender := &fakeSender{}
	svc := syncsvc.New("local", cfg, sender.send, nil, nil)

	var failed []error
	var mu sync.Mutex
	svc.OnSyncFailed(func(err error) {
		mu.Lock()
		failed = append(failed, err)
		mu.Unlock()
	})

	svc.AddOperation(testOp("op1", "local", 0, "a"))
	require.NoError(t, svc.Flush(context.Background()))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	})

	// First send plus two retries: three frames total.
	assert.Len(t, sender.messages(), 3)

	mu.Lock()
	assert.ErrorIs(t, failed[0], syncsvc.ErrSyncFailed)
	mu.Unlock()

	// Never acked, so the operation is still pending.
	assert.Len(t, svc.Pending(), 1)
}

func TestAckDuringRetryWindowStopsFurtherRetries(t *testing.T) {
	cfg := testSyncConfig()
	cfg.RetryAttempts = 5
	cfg.RetryDelay = 10 * time.Millisecond

	sender := &fakeSender{}
	svc := syncsvc.New("local", cfg, sender.send, nil, nil)

	svc.AddOperation(testOp("op1", "local", 0, "a"))
	require.NoError(t, svc.Flush(context.Background()))
	svc.HandleAck([]string{"op1"})

	// Give any stray retry timer a chance to fire; it shouldn't, since
	// HandleAck clears the in-flight batch and stops its timer.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sender.messages(), 1)
}

func TestProcessSyncMessageDropsAlreadyDominatedOperations(t *testing.T) {
	svc := syncsvc.New("local", testSyncConfig(), func(wire.Message) error { return nil }, nil, nil)

	remoteOp := testOp("remote-op", "remote", 0, "x")
	payload, err := json.Marshal(struct {
		Operations     []ot.Operation `json:"operations"`
		VectorClock    vclock.Clock   `json:"vectorClock"`
		SequenceNumber uint64         `json:"sequenceNumber"`
	}{Operations: []ot.Operation{remoteOp}, VectorClock: remoteOp.Clock, SequenceNumber: 1})
	require.NoError(t, err)

	msg := wire.Message{Type: wire.OpSync, SenderID: "remote", Payload: payload}

	documentClock := vclock.New().Merge(remoteOp.Clock)
	out, err := svc.ProcessSyncMessage(msg, documentClock)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestProcessSyncMessageTransformsAgainstPendingLocalOps(t *testing.T) {
	svc := syncsvc.New("local", testSyncConfig(), func(wire.Message) error { return nil }, nil, nil)

	localOp := testOp("local-op", "local", 0, "AB")
	svc.AddOperation(localOp)

	remoteOp := testOp("remote-op", "remote", 0, "x")
	payload, err := json.Marshal(struct {
		Operations     []ot.Operation `json:"operations"`
		VectorClock    vclock.Clock   `json:"vectorClock"`
		SequenceNumber uint64         `json:"sequenceNumber"`
	}{Operations: []ot.Operation{remoteOp}, VectorClock: remoteOp.Clock, SequenceNumber: 1})
	require.NoError(t, err)

	msg := wire.Message{Type: wire.OpSync, SenderID: "remote", Payload: payload}

	out, err := svc.ProcessSyncMessage(msg, vclock.New())
	require.NoError(t, err)
	require.Len(t, out, 1)
	// local inserted 2 runes at position 0 before remote's insert at 0;
	// remote's position shifts right by len(localOp.Content).
	assert.Equal(t, localOp.Position+len(localOp.Content), out[0].Position)
}

func TestProcessSyncMessageResolvesOverlappingConflictViaMergeEngine(t *testing.T) {
	svc := syncsvc.New("local", testSyncConfig(), func(wire.Message) error { return nil }, nil, nil)
	svc.SetMergeEngine(merge.NewEngine(merge.LastWriteWins, nil))

	localOp := testOp("local-op", "local", 0, "A")
	localOp.Timestamp = 100
	svc.AddOperation(localOp)

	remoteOp := testOp("remote-op", "remote", 0, "B")
	remoteOp.Timestamp = 200

	payload, err := json.Marshal(struct {
		Operations     []ot.Operation `json:"operations"`
		VectorClock    vclock.Clock   `json:"vectorClock"`
		SequenceNumber uint64         `json:"sequenceNumber"`
	}{Operations: []ot.Operation{remoteOp}, VectorClock: remoteOp.Clock, SequenceNumber: 1})
	require.NoError(t, err)

	msg := wire.Message{Type: wire.OpSync, SenderID: "remote", Payload: payload}

	out, err := svc.ProcessSyncMessage(msg, vclock.New())
	require.NoError(t, err)
	require.Len(t, out, 1)
	// LastWriteWins picks the later timestamp: remoteOp (t=200) over
	// localOp (t=100), so the resolved operation IS remoteOp unchanged
	// rather than a position-shifted transform of it.
	assert.Equal(t, "remote-op", out[0].ID)
}

func TestProcessSyncMessageHoldsUnresolvedManualConflict(t *testing.T) {
	svc := syncsvc.New("local", testSyncConfig(), func(wire.Message) error { return nil }, nil, nil)
	svc.SetMergeEngine(merge.NewEngine(merge.Manual, nil)) // no resolver wired

	localOp := testOp("local-op", "local", 0, "A")
	svc.AddOperation(localOp)

	remoteOp := testOp("remote-op", "remote", 0, "B")
	payload, err := json.Marshal(struct {
		Operations     []ot.Operation `json:"operations"`
		VectorClock    vclock.Clock   `json:"vectorClock"`
		SequenceNumber uint64         `json:"sequenceNumber"`
	}{Operations: []ot.Operation{remoteOp}, VectorClock: remoteOp.Clock, SequenceNumber: 1})
	require.NoError(t, err)

	msg := wire.Message{Type: wire.OpSync, SenderID: "remote", Payload: payload}

	out, err := svc.ProcessSyncMessage(msg, vclock.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncsvc.ErrConflict)
	assert.ErrorIs(t, err, merge.ErrManualResolutionRequired)
	// The conflicted operation is neither returned for application nor
	// silently dropped: it's held pending a manual decision.
	assert.Empty(t, out)

	pending := svc.PendingConflicts()
	require.Len(t, pending, 1)
	assert.Equal(t, "remote-op", pending[0].A.ID)

	// Supplying the delayed resolution hands the operation back for
	// application and clears it from the pending set.
	resolved, err := svc.ResolveConflict("remote-op", remoteOp)
	require.NoError(t, err)
	assert.Equal(t, "remote-op", resolved.ID)
	assert.Empty(t, svc.PendingConflicts())

	_, err = svc.ResolveConflict("remote-op", remoteOp)
	assert.ErrorIs(t, err, syncsvc.ErrNoSuchConflict)
}

func TestBuildAckRoundTrips(t *testing.T) {
	svc := syncsvc.New("local", testSyncConfig(), func(wire.Message) error { return nil }, nil, nil)

	msg, err := svc.BuildAck([]string{"op1", "op2"})
	require.NoError(t, err)
	assert.Equal(t, wire.OpAck, msg.Type)

	var payload syncsvc.AckPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, []string{"op1", "op2"}, payload.OperationIDs)
}
