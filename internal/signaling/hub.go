package signaling

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harborgrid-justin/collabcore/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub relays Envelopes between named peers. Each peer holds exactly one
// connection; an Envelope's To field picks the outbound connection, never a
// broadcast — signaling traffic is always peer-to-peer even though it is
// relayed through one process.
type Hub struct {
	logger *telemetry.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub builds an empty relay. logger may be nil.
func NewHub(logger *telemetry.Logger) *Hub {
	if logger == nil {
		logger = telemetry.NewNop()
	}
	return &Hub{logger: logger, clients: make(map[string]*client)}
}

type client struct {
	peerID string
	conn   *websocket.Conn
	send   chan Envelope
}

// ServeHTTP upgrades the request to a WebSocket and registers the peer
// identified by the "peer_id" query parameter, mirroring the upgrade/
// register/readPump/writePump shape of the pack's WebSocket notes-sync
// server, adapted to route-by-peer instead of broadcast.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("signaling: websocket upgrade failed")
		return
	}

	c := &client{peerID: peerID, conn: conn, send: make(chan Envelope, 32)}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.peerID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.peerID] == c {
		delete(h.clients, c.peerID)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("signaling: read error")
			}
			return
		}
		h.route(env)
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			h.logger.WithError(err).Warn("signaling: write error")
			return
		}
	}
}

func (h *Hub) route(env Envelope) {
	h.mu.RLock()
	target, ok := h.clients[env.To]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case target.send <- env:
	default:
		h.logger.Warn("signaling: dropped envelope, target send buffer full")
	}
}
