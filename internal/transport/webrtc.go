package transport

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Signaler exchanges the SDP offer/answer and ICE candidates a WebRTC peer
// connection needs before its data channel opens. Implementations carry
// those messages over whatever out-of-band channel the host provides;
// internal/signaling ships a WebSocket-backed one.
type Signaler interface {
	SendOffer(ctx context.Context, peerID string, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, peerID string, answer webrtc.SessionDescription) error
	SendICECandidate(ctx context.Context, peerID string, candidate webrtc.ICECandidateInit) error
	Answers(peerID string) <-chan webrtc.SessionDescription
	RemoteICECandidates(peerID string) <-chan webrtc.ICECandidateInit
}

// DefaultICEServers is a minimal public STUN configuration suitable for
// establishing connectivity before a TURN relay is configured.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{
		URLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
	}}
}

// NewWebRTCDialer builds a Dialer that opens one WebRTC data channel to
// peerID, offering first and waiting for the peer's answer over signaler.
func NewWebRTCDialer(signaler Signaler, peerID string, iceServers []webrtc.ICEServer) Dialer {
	return func(ctx context.Context, onMessage func([]byte), onClose func(CloseEvent)) (Socket, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("transport: create peer connection: %w", err)
		}

		dc, err := pc.CreateDataChannel("collabcore", nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("transport: create data channel: %w", err)
		}

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("transport: create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			pc.Close()
			return nil, fmt.Errorf("transport: set local description: %w", err)
		}
		if err := signaler.SendOffer(ctx, peerID, offer); err != nil {
			pc.Close()
			return nil, fmt.Errorf("transport: send offer: %w", err)
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			_ = signaler.SendICECandidate(ctx, peerID, c.ToJSON())
		})

		select {
		case answer, ok := <-signaler.Answers(peerID):
			if !ok {
				pc.Close()
				return nil, fmt.Errorf("transport: signaling channel closed before answer")
			}
			if err := pc.SetRemoteDescription(answer); err != nil {
				pc.Close()
				return nil, fmt.Errorf("transport: set remote description: %w", err)
			}
		case <-ctx.Done():
			pc.Close()
			return nil, ctx.Err()
		}

		go func() {
			for {
				select {
				case cand, ok := <-signaler.RemoteICECandidates(peerID):
					if !ok {
						return
					}
					_ = pc.AddICECandidate(cand)
				case <-ctx.Done():
					return
				}
			}
		}()

		sock := &webrtcSocket{dc: dc, pc: pc}

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			onMessage(msg.Data)
		})
		dc.OnClose(func() {
			onClose(CloseEvent{Code: 1000, Reason: "data channel closed"})
		})
		dc.OnError(func(dcErr error) {
			onClose(CloseEvent{Code: 1006, Reason: dcErr.Error()})
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
				onClose(CloseEvent{Code: 1006, Reason: state.String()})
			}
		})

		return sock, nil
	}
}

// webrtcSocket adapts a pion data channel to the Socket interface.
type webrtcSocket struct {
	dc *webrtc.DataChannel
	pc *webrtc.PeerConnection
}

func (s *webrtcSocket) Send(data []byte) error {
	return s.dc.Send(data)
}

func (s *webrtcSocket) Close() error {
	s.dc.Close()
	return s.pc.Close()
}
