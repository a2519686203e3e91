package signaling

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return &Client{
		localPeerID: "local",
		answers:     make(map[string]chan webrtc.SessionDescription),
		offers:      make(map[string]chan webrtc.SessionDescription),
		ice:         make(map[string]chan webrtc.ICECandidateInit),
	}
}

func TestDispatchRoutesAnswerToPeerChannel(t *testing.T) {
	c := newTestClient()
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}

	c.dispatch(Envelope{Kind: KindAnswer, From: "remote", SDP: &sdp})

	select {
	case got := <-c.Answers("remote"):
		assert.Equal(t, sdp.SDP, got.SDP)
	default:
		t.Fatal("expected an answer on the remote peer's channel")
	}
}

func TestDispatchRoutesICECandidateToPeerChannel(t *testing.T) {
	c := newTestClient()
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 UDP 1 0.0.0.0 1 typ host"}

	c.dispatch(Envelope{Kind: KindICECandidate, From: "remote", Candidate: &cand})

	select {
	case got := <-c.RemoteICECandidates("remote"):
		assert.Equal(t, cand.Candidate, got.Candidate)
	default:
		t.Fatal("expected an ICE candidate on the remote peer's channel")
	}
}

func TestDispatchIgnoresEnvelopesMissingPayload(t *testing.T) {
	c := newTestClient()
	require.NotPanics(t, func() {
		c.dispatch(Envelope{Kind: KindAnswer, From: "remote"})
		c.dispatch(Envelope{Kind: KindICECandidate, From: "remote"})
	})
}
