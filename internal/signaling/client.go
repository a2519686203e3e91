package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/harborgrid-justin/collabcore/internal/telemetry"
)

// Client dials a Hub and implements transport.Signaler by demultiplexing
// incoming Envelopes into per-peer channels. It satisfies
// internal/transport.Signaler structurally: neither package imports the
// other.
type Client struct {
	localPeerID string
	conn        *websocket.Conn
	logger      *telemetry.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	answers map[string]chan webrtc.SessionDescription
	offers  map[string]chan webrtc.SessionDescription
	ice     map[string]chan webrtc.ICECandidateInit
}

// Dial opens a signaling WebSocket to addr (e.g. "ws://host:port/signal")
// and registers as localPeerID.
func Dial(ctx context.Context, addr, localPeerID string, logger *telemetry.Logger) (*Client, error) {
	if logger == nil {
		logger = telemetry.NewNop()
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("signaling: parse address: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", localPeerID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial: %w", err)
	}

	c := &Client{
		localPeerID: localPeerID,
		conn:        conn,
		logger:      logger,
		answers:     make(map[string]chan webrtc.SessionDescription),
		offers:      make(map[string]chan webrtc.SessionDescription),
		ice:         make(map[string]chan webrtc.ICECandidateInit),
	}
	go c.readPump()
	return c, nil
}

// Close terminates the signaling connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) SendOffer(ctx context.Context, peerID string, offer webrtc.SessionDescription) error {
	return c.send(Envelope{Kind: KindOffer, From: c.localPeerID, To: peerID, SDP: &offer})
}

func (c *Client) SendAnswer(ctx context.Context, peerID string, answer webrtc.SessionDescription) error {
	return c.send(Envelope{Kind: KindAnswer, From: c.localPeerID, To: peerID, SDP: &answer})
}

func (c *Client) SendICECandidate(ctx context.Context, peerID string, candidate webrtc.ICECandidateInit) error {
	return c.send(Envelope{Kind: KindICECandidate, From: c.localPeerID, To: peerID, Candidate: &candidate})
}

// Answers returns the channel answers from peerID are delivered on,
// creating it on first use.
func (c *Client) Answers(peerID string) <-chan webrtc.SessionDescription {
	return c.answerChan(peerID)
}

// Offers returns the channel offers from peerID are delivered on, for the
// responder side of the handshake (HandleOffer-equivalent callers).
func (c *Client) Offers(peerID string) <-chan webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.offers[peerID]
	if !ok {
		ch = make(chan webrtc.SessionDescription, 1)
		c.offers[peerID] = ch
	}
	return ch
}

// RemoteICECandidates returns the channel ICE candidates from peerID are
// delivered on, creating it on first use.
func (c *Client) RemoteICECandidates(peerID string) <-chan webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.ice[peerID]
	if !ok {
		ch = make(chan webrtc.ICECandidateInit, 16)
		c.ice[peerID] = ch
	}
	return ch
}

func (c *Client) answerChan(peerID string) chan webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.answers[peerID]
	if !ok {
		ch = make(chan webrtc.SessionDescription, 1)
		c.answers[peerID] = ch
	}
	return ch
}

func (c *Client) send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

func (c *Client) readPump() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.logger.WithError(err).Warn("signaling: client read loop ended")
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Kind {
	case KindAnswer:
		if env.SDP == nil {
			return
		}
		ch := c.answerChan(env.From)
		select {
		case ch <- *env.SDP:
		default:
		}
	case KindOffer:
		if env.SDP == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.offers[env.From]
		if !ok {
			ch = make(chan webrtc.SessionDescription, 1)
			c.offers[env.From] = ch
		}
		c.mu.Unlock()
		select {
		case ch <- *env.SDP:
		default:
		}
	case KindICECandidate:
		if env.Candidate == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.ice[env.From]
		if !ok {
			ch = make(chan webrtc.ICECandidateInit, 16)
			c.ice[env.From] = ch
		}
		c.mu.Unlock()
		select {
		case ch <- *env.Candidate:
		default:
		}
	}
}
