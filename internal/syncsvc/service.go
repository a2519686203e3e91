// Package syncsvc owns the per-peer pending-operation queue, sequence
// number, and authoritative vector-clock view described for the sync
// service: batched outbound flush, inbound reconciliation against the
// pending queue, and ack-driven retry with backoff.
package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborgrid-justin/collabcore/internal/config"
	"github.com/harborgrid-justin/collabcore/internal/telemetry"
	"github.com/harborgrid-justin/collabcore/pkg/merge"
	"github.com/harborgrid-justin/collabcore/pkg/ot"
	"github.com/harborgrid-justin/collabcore/pkg/vclock"
	"github.com/harborgrid-justin/collabcore/pkg/wire"
)

// Sender delivers an encoded Sync frame to the peer. Satisfied by
// (*internal/transport.ConnectionManager).Send.
type Sender func(wire.Message) error

type syncPayload struct {
	Operations     []ot.Operation `json:"operations"`
	VectorClock    vclock.Clock   `json:"vectorClock"`
	SequenceNumber uint64         `json:"sequenceNumber"`
}

// AckPayload is the Ack frame's payload: the set of operation ids the peer
// has durably applied.
type AckPayload struct {
	OperationIDs []string `json:"operationIds"`
}

type inFlightBatch struct {
	ids     map[string]bool
	attempt int
	timer   *time.Timer
}

// heldConflict is an incoming operation ProcessSyncMessage could not
// resolve against a concurrent local one — held under the Manual strategy
// until the host calls ResolveConflict. conflict.A is the held operation.
type heldConflict struct {
	conflict merge.Conflict
}

// Service batches local operations for outbound delivery and reconciles
// inbound Sync messages against the still-pending local queue.
type Service struct {
	localPeer string
	cfg       config.Sync
	send      Sender
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics

	mu              sync.Mutex
	pending         []ot.Operation
	clock           vclock.Clock
	seq             uint64
	inFlight        *inFlightBatch
	failHandlers    map[int]func(error)
	nextHandler     int
	engine          *merge.Engine
	pendingConflict map[string]heldConflict
}

// SetMergeEngine wires a conflict-resolution engine into the reconciliation
// path. When set, ProcessSyncMessage runs every incoming operation against
// the still-pending local queue through engine.ResolvePair before handing
// the (possibly resolved) operation on for application — this is the
// "overlapping ranges" streaming conflict path described alongside the
// three-way merge. Nil (the default) skips conflict resolution entirely and
// only transforms, which is sufficient whenever edits never overlap.
func (s *Service) SetMergeEngine(e *merge.Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

// New builds a Service for localPeer. send is the outbound transport;
// logger/metrics may be nil.
func New(localPeer string, cfg config.Sync, send Sender, logger *telemetry.Logger, metrics *telemetry.Metrics) *Service {
	if logger == nil {
		logger = telemetry.NewNop()
	}
	return &Service{
		localPeer:       localPeer,
		cfg:             cfg,
		send:            send,
		logger:          logger,
		metrics:         metrics,
		clock:           vclock.New(),
		failHandlers:    make(map[int]func(error)),
		pendingConflict: make(map[string]heldConflict),
	}
}

// Run ticks Flush every cfg.SyncInterval until ctx is canceled. Hosts that
// want explicit control over when batches go out can skip Run and call
// Flush directly instead.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.WithError(err).Warn("syncsvc: periodic flush failed")
			}
		}
	}
}

// OnSyncFailed registers h to be called whenever a batch exhausts its
// retry budget. It returns an unsubscribe function.
func (s *Service) OnSyncFailed(h func(error)) func() {
	s.mu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.failHandlers[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.failHandlers, id)
		s.mu.Unlock()
	}
}

func (s *Service) emitSyncFailed(err error) {
	s.mu.Lock()
	handlers := make([]func(error), 0, len(s.failHandlers))
	for _, h := range s.failHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// AddOperation enqueues op for the next flush and merges its clock into the
// service's authoritative view.
func (s *Service) AddOperation(op ot.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, op)
	s.clock = s.clock.Merge(op.Clock)
}

// Clock returns a copy of the service's authoritative vector-clock view.
func (s *Service) Clock() vclock.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Clone()
}

// Pending returns a copy of the queue, for tests and diagnostics.
func (s *Service) Pending() []ot.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ot.Operation{}, s.pending...)
}

// Flush drains up to cfg.BatchSize operations from the front of the pending
// queue into one Sync message, stamped with the current clock snapshot and
// a fresh sequence number. Operations stay in the pending queue — only an
// Ack removes them — so the operations of a dropped Sync frame are sent
// again by a later retry, in a new frame with its own message id,
// timestamp and sequence number.
// Flush is a no-op while a batch already awaits acknowledgement.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight != nil {
		s.mu.Unlock()
		return nil
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}

	n := s.cfg.BatchSize
	if n <= 0 || n > len(s.pending) {
		n = len(s.pending)
	}
	batchOps := append([]ot.Operation{}, s.pending[:n]...)
	s.seq++
	seq := s.seq
	clockSnapshot := s.clock.Clone()

	ids := make(map[string]bool, n)
	for _, op := range batchOps {
		ids[op.ID] = true
	}
	s.inFlight = &inFlightBatch{ids: ids}
	s.mu.Unlock()

	return s.sendBatch(ctx, batchOps, clockSnapshot, seq)
}

func (s *Service) sendBatch(ctx context.Context, ops []ot.Operation, clock vclock.Clock, seq uint64) error {
	payload, err := json.Marshal(syncPayload{Operations: ops, VectorClock: clock, SequenceNumber: seq})
	if err != nil {
		return fmt.Errorf("syncsvc: marshal sync payload: %w", err)
	}

	msg := wire.Message{
		Type:      wire.OpSync,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  s.localPeer,
		MessageID: uuid.NewString(),
		Payload:   payload,
	}

	if err := s.send(msg); err != nil {
		s.logger.WithError(err).Warn("syncsvc: flush send failed, scheduling retry")
		s.scheduleRetry(ctx, ops, clock)
		return nil
	}

	s.scheduleRetry(ctx, ops, clock)
	return nil
}

// scheduleRetry arms the ack-timeout timer for the current in-flight batch.
// It fires retryDelay after send regardless of whether send itself
// succeeded, since success only means the frame reached the transport, not
// that the peer acknowledged it.
func (s *Service) scheduleRetry(ctx context.Context, ops []ot.Operation, clock vclock.Clock) {
	s.mu.Lock()
	batch := s.inFlight
	if batch == nil {
		s.mu.Unlock()
		return
	}
	delay := retryDelay(s.cfg.RetryDelay, batch.attempt)
	batch.timer = time.AfterFunc(delay, func() { s.onRetryTimeout(ctx, ops, clock) })
	s.mu.Unlock()
}

func (s *Service) onRetryTimeout(ctx context.Context, ops []ot.Operation, clock vclock.Clock) {
	s.mu.Lock()
	batch := s.inFlight
	if batch == nil {
		s.mu.Unlock()
		return
	}

	remaining := make([]ot.Operation, 0, len(ops))
	for _, op := range ops {
		if batch.ids[op.ID] {
			remaining = append(remaining, op)
		}
	}
	if len(remaining) == 0 {
		s.inFlight = nil
		s.mu.Unlock()
		return
	}

	batch.attempt++
	if batch.attempt > s.cfg.RetryAttempts {
		s.inFlight = nil
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.Errors.Inc()
		}
		s.logger.WithError(ErrSyncFailed).Warn("syncsvc: batch exhausted retries")
		s.emitSyncFailed(ErrSyncFailed)
		return
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SyncRetries.Inc()
	}
	s.seq++
	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()
	_ = s.sendBatch(ctx, remaining, clock, seq)
}

// HandleAck removes the acknowledged operation ids from the pending queue.
// If every id in the current in-flight batch has now been acknowledged, the
// batch's retry timer is stopped.
func (s *Service) HandleAck(ackedIDs []string) {
	acked := make(map[string]bool, len(ackedIDs))
	for _, id := range ackedIDs {
		acked[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.pending[:0:0]
	for _, op := range s.pending {
		if !acked[op.ID] {
			remaining = append(remaining, op)
		}
	}
	s.pending = remaining

	if s.inFlight == nil {
		return
	}
	for id := range acked {
		delete(s.inFlight.ids, id)
	}
	if len(s.inFlight.ids) == 0 {
		if s.inFlight.timer != nil {
			s.inFlight.timer.Stop()
		}
		s.inFlight = nil
	}
}

// ProcessSyncMessage reconciles an inbound Sync frame's operations against
// the document's current clock (already-seen ops are dropped) and the
// still-pending local queue (an OT step), returning the operations the
// caller should hand to CRDTDocument.ApplyRemoteOperation, and merging
// their clocks into the service's view.
func (s *Service) ProcessSyncMessage(msg wire.Message, documentClock vclock.Clock) ([]ot.Operation, error) {
	var payload syncPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("syncsvc: decode sync payload: %w", err)
	}

	s.mu.Lock()
	localPending := append([]ot.Operation{}, s.pending...)
	engine := s.engine
	s.mu.Unlock()

	var out []ot.Operation
	var conflictErrs []error
	for _, remote := range payload.Operations {
		if documentClock.Dominates(remote.Clock) {
			continue
		}

		transformed := remote
		held := false
		for _, local := range localPending {
			if transformed.SamePeer(local) {
				continue
			}

			if engine != nil {
				if conflict, isConflict := engine.ResolvePair(transformed, local); isConflict {
					if s.metrics != nil {
						s.metrics.ConflictsDetected.Inc()
					}
					resolved, ok := conflict.ResolvedOperation()
					if !ok {
						// Manual strategy with no resolver decision yet: hold
						// the operation rather than apply it unresolved or
						// drop it silently.
						s.mu.Lock()
						s.pendingConflict[transformed.ID] = heldConflict{conflict: conflict}
						s.mu.Unlock()
						conflictErrs = append(conflictErrs, fmt.Errorf(
							"syncsvc: operation %s held pending manual resolution: %w: %w",
							transformed.ID, ErrConflict, merge.ErrManualResolutionRequired))
						held = true
						break
					}
					transformed = resolved
					if s.metrics != nil {
						s.metrics.ConflictsResolved.Inc()
					}
					break
				}
			}

			transformed, _ = ot.Transform(transformed, local)
		}

		if held {
			continue
		}

		out = append(out, transformed)

		s.mu.Lock()
		s.clock = s.clock.Merge(transformed.Clock)
		s.mu.Unlock()
	}

	if len(conflictErrs) > 0 {
		return out, errors.Join(conflictErrs...)
	}
	return out, nil
}

// PendingConflicts returns a snapshot of operations currently held awaiting
// a manual conflict resolution.
func (s *Service) PendingConflicts() []merge.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]merge.Conflict, 0, len(s.pendingConflict))
	for _, held := range s.pendingConflict {
		out = append(out, held.conflict)
	}
	return out
}

// ResolveConflict supplies the delayed resolution for an operation held by
// ProcessSyncMessage under the Manual strategy, merges its clock into the
// service's view, and returns the operation for the caller to apply via
// CRDTDocument.ApplyRemoteOperation. It returns ErrNoSuchConflict if opID
// names no held conflict.
func (s *Service) ResolveConflict(opID string, resolution ot.Operation) (ot.Operation, error) {
	s.mu.Lock()
	_, ok := s.pendingConflict[opID]
	if !ok {
		s.mu.Unlock()
		return ot.Operation{}, fmt.Errorf("syncsvc: resolve operation %s: %w", opID, ErrNoSuchConflict)
	}
	delete(s.pendingConflict, opID)
	s.clock = s.clock.Merge(resolution.Clock)
	s.mu.Unlock()
	return resolution, nil
}

// BuildAck constructs the Ack frame acknowledging the given operation ids.
func (s *Service) BuildAck(ids []string) (wire.Message, error) {
	payload, err := json.Marshal(AckPayload{OperationIDs: ids})
	if err != nil {
		return wire.Message{}, fmt.Errorf("syncsvc: marshal ack payload: %w", err)
	}
	return wire.Message{
		Type:      wire.OpAck,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  s.localPeer,
		MessageID: uuid.NewString(),
		Payload:   payload,
	}, nil
}

// retryDelay implements the ack-retry backoff: base * 2^attempt, attempt
// starting at 0 for the first retry.
func retryDelay(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}
