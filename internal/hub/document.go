// Package hub owns the in-memory per-document registry: one CRDTDocument,
// one SyncService, and the set of connected peers that locally enqueued
// operations are broadcast to. Remote operations arriving in a Sync frame
// are applied and acknowledged to their sender but not relayed to other
// peers. This is pure in-memory routing, not persistence.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/harborgrid-justin/collabcore/internal/config"
	"github.com/harborgrid-justin/collabcore/internal/syncsvc"
	"github.com/harborgrid-justin/collabcore/internal/telemetry"
	"github.com/harborgrid-justin/collabcore/internal/transport"
	"github.com/harborgrid-justin/collabcore/pkg/crdtdoc"
	"github.com/harborgrid-justin/collabcore/pkg/merge"
	"github.com/harborgrid-justin/collabcore/pkg/ot"
	"github.com/harborgrid-justin/collabcore/pkg/wire"
)

// Document binds a CRDTDocument to the SyncService that batches its
// outbound operations and to the set of peer connections it broadcasts to.
type Document struct {
	ID        string
	localPeer string
	doc       *crdtdoc.CRDTDocument
	sync      *syncsvc.Service
	autoGC    bool
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics

	mu    sync.RWMutex
	conns map[string]*transport.ConnectionManager
}

func newDocument(id, localPeer string, cfg config.Document, syncCfg config.Sync, logger *telemetry.Logger, metrics *telemetry.Metrics) *Document {
	if logger == nil {
		logger = telemetry.NewNop()
	}
	doc := crdtdoc.New(localPeer)
	if cfg.MaxHistorySize > 0 {
		doc.SetMaxHistorySize(cfg.MaxHistorySize)
	}

	d := &Document{
		ID:        id,
		localPeer: localPeer,
		doc:       doc,
		autoGC:    cfg.AutoGC,
		logger:    logger,
		metrics:   metrics,
		conns:     make(map[string]*transport.ConnectionManager),
	}
	d.sync = syncsvc.New(localPeer, syncCfg, d.broadcast, logger, metrics)
	d.sync.SetMergeEngine(merge.NewEngine(merge.LastWriteWins, nil))
	return d
}

// broadcast is the SyncService's Sender: it fans the batched Sync frame out
// to every connected peer. A failure on one connection does not stop
// delivery to the others; the first error encountered is returned so the
// caller's retry logic still sees a failure when at least one send failed.
func (d *Document) broadcast(msg wire.Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var firstErr error
	for peerID, cm := range d.conns {
		if err := cm.Send(msg); err != nil {
			d.logger.WithError(err).Warn("hub: broadcast send failed", zap.String("peer_id", peerID))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Join registers cm under peerID and immediately sends it a Checkpoint
// frame carrying the document's current snapshot, so a late joiner seeds
// from state instead of replaying the full operation history.
func (d *Document) Join(peerID string, cm *transport.ConnectionManager) error {
	d.mu.Lock()
	d.conns[peerID] = cm
	count := len(d.conns)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ActiveDocuments.Set(float64(count))
	}

	state := d.doc.GetState()
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("hub: marshal checkpoint: %w", err)
	}

	return cm.Send(wire.Message{
		Type:     wire.OpCheckpoint,
		SenderID: d.localPeer,
		Payload:  payload,
	})
}

// Leave removes peerID's connection from the fan-out set.
func (d *Document) Leave(peerID string) {
	d.mu.Lock()
	delete(d.conns, peerID)
	count := len(d.conns)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ActiveDocuments.Set(float64(count))
	}
}

// ApplyLocal enqueues an operation generated by the local peer for outbound
// delivery to every connected peer. It does not apply op to the document;
// the caller has already done so through CRDT().Insert or CRDT().Delete.
func (d *Document) ApplyLocal(op ot.Operation) {
	d.sync.AddOperation(op)
}

// HandleSync reconciles an inbound Sync frame against the document's
// current clock and pending local queue, applies every surviving operation,
// and acknowledges the ones it accepted back to the sender.
func (d *Document) HandleSync(senderPeer string, msg wire.Message) error {
	out, err := d.sync.ProcessSyncMessage(msg, d.doc.Clock())
	if err != nil {
		// Conflicts held pending manual resolution are non-fatal: the
		// operations they didn't prevent from reconciling are still in
		// out and get applied below; the held ones are queued in the
		// sync service and surface via (*syncsvc.Service).PendingConflicts.
		d.logger.WithError(err).Warn("hub: sync message held one or more conflicts")
	}

	applied := make([]string, 0, len(out))
	for _, op := range out {
		if err := d.doc.ApplyRemoteOperation(op); err != nil {
			d.logger.WithError(err).Warn("hub: apply remote operation failed")
			continue
		}
		applied = append(applied, op.ID)
	}

	if len(applied) == 0 {
		return nil
	}

	d.mu.RLock()
	cm, ok := d.conns[senderPeer]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	ack, err := d.sync.BuildAck(applied)
	if err != nil {
		return err
	}
	return cm.Send(ack)
}

// HandleAck removes the acknowledged operation ids from the outbound
// pending queue.
func (d *Document) HandleAck(msg wire.Message) error {
	var payload syncsvc.AckPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("hub: decode ack payload: %w", err)
	}
	d.sync.HandleAck(payload.OperationIDs)
	return nil
}

// State returns the document's current checkpoint snapshot.
func (d *Document) State() crdtdoc.DocumentState {
	return d.doc.GetState()
}

// CRDT exposes the underlying document for direct local edits
// (Insert/Delete) issued by the host on behalf of its local peer.
func (d *Document) CRDT() *crdtdoc.CRDTDocument {
	return d.doc
}

// Sync exposes the underlying sync service, mainly so a host can call Run
// or register OnSyncFailed.
func (d *Document) Sync() *syncsvc.Service {
	return d.sync
}

// PeerCount reports how many connections are currently registered.
func (d *Document) PeerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// RunGC sweeps tombstones the sync service's merged clock already
// dominates. That clock merges the clocks of local operations as they are
// enqueued and of inbound operations it accepts; it is not a per-peer acknowledged
// clock, so a swept node may not yet have been acknowledged by every peer.
// It is a no-op unless AutoGC is enabled in config.Document.
func (d *Document) RunGC() int {
	if !d.autoGC {
		return 0
	}
	swept := d.doc.GC(d.sync.Clock())
	if swept > 0 && d.metrics != nil {
		d.metrics.GCSweeps.Inc()
	}
	return swept
}
