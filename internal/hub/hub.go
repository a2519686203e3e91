package hub

import (
	"sync"

	"github.com/harborgrid-justin/collabcore/internal/config"
	"github.com/harborgrid-justin/collabcore/internal/telemetry"
)

// Hub is the process-wide registry of open documents, keyed by document id.
// There is no separate "session" concept beyond a document plus its
// connected peers.
type Hub struct {
	localPeer string
	docCfg    config.Document
	syncCfg   config.Sync
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics

	mu        sync.RWMutex
	documents map[string]*Document
}

// New builds an empty Hub. localPeer identifies this process's own peer id
// across every document it hosts.
func New(localPeer string, docCfg config.Document, syncCfg config.Sync, logger *telemetry.Logger, metrics *telemetry.Metrics) *Hub {
	if logger == nil {
		logger = telemetry.NewNop()
	}
	return &Hub{
		localPeer: localPeer,
		docCfg:    docCfg,
		syncCfg:   syncCfg,
		logger:    logger,
		metrics:   metrics,
		documents: make(map[string]*Document),
	}
}

// GetOrCreate returns the Document for id, creating it if this is the
// first time id has been seen.
func (h *Hub) GetOrCreate(id string) *Document {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.documents[id]; ok {
		return d
	}
	d := newDocument(id, h.localPeer, h.docCfg, h.syncCfg, h.logger, h.metrics)
	h.documents[id] = d
	return d
}

// Get returns the Document for id, if one has been created.
func (h *Hub) Get(id string) (*Document, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.documents[id]
	return d, ok
}

// Remove drops a document from the registry entirely. It does not close
// any of the document's connections — callers that still hold their own
// reference to a removed *Document may keep using it.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.documents, id)
}

// DocumentIDs lists every document currently registered.
func (h *Hub) DocumentIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.documents))
	for id := range h.documents {
		ids = append(ids, id)
	}
	return ids
}

// Count reports how many documents are currently registered.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.documents)
}
