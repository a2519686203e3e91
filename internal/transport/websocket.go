package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsSocket adapts a *websocket.Conn to Socket, running its own read pump
// that feeds onMessage/onClose — the same shape as webrtcSocket, so
// ConnectionManager is indifferent to which transport actually carries the
// bytes.
type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Send(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

func runWSReadPump(conn *websocket.Conn, onMessage func([]byte), onClose func(CloseEvent)) {
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				code := websocket.CloseAbnormalClosure
				reason := err.Error()
				if ce, ok := err.(*websocket.CloseError); ok {
					code = ce.Code
					reason = ce.Text
				}
				onClose(CloseEvent{Code: code, Reason: reason})
				return
			}
			onMessage(data)
		}
	}()
}

var wsUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// NewWebSocketDialer builds a Dialer that dials url fresh on every call —
// suitable for a client that reconnects after a drop. Each dial blocks
// until the handshake completes or ctx is done.
func NewWebSocketDialer(url string, header http.Header) Dialer {
	return func(ctx context.Context, onMessage func([]byte), onClose func(CloseEvent)) (Socket, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		runWSReadPump(conn, onMessage, onClose)
		return &wsSocket{conn: conn}, nil
	}
}

// NewAcceptedSocketDialer wraps a connection the host has already accepted
// (e.g. via an http.Handler's websocket upgrade) as a one-shot Dialer: the
// first call returns the live socket immediately, and every call after
// that fails, since a server-accepted connection is not something the
// manager can redial on its own — the host's config should set
// Reconnect: false for accept-side managers.
func NewAcceptedSocketDialer(conn *websocket.Conn) Dialer {
	used := false
	return func(ctx context.Context, onMessage func([]byte), onClose func(CloseEvent)) (Socket, error) {
		if used {
			return nil, ErrConnectionFailed
		}
		used = true
		runWSReadPump(conn, onMessage, onClose)
		return &wsSocket{conn: conn}, nil
	}
}

// UpgradeHTTP upgrades an inbound HTTP request to a WebSocket connection
// using the shared permissive-origin upgrader — both the signaling and
// data-plane endpoints accept cross-origin upgrades.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return wsUpgrader.Upgrade(w, r, nil)
}
