// Package signaling exchanges the SDP offers/answers and ICE candidates two
// peers need to open a WebRTC data channel. It is pure out-of-band plumbing
// — it never touches document state — grounded on the Client/hub/upgrader
// pattern of a WebSocket notes-sync backend in the source pack, adapted from
// broadcast-to-all-clients into route-to-one-named-peer.
package signaling

import "github.com/pion/webrtc/v3"

// Kind is the envelope's message discriminator.
type Kind string

const (
	KindJoin         Kind = "join"
	KindLeave        Kind = "leave"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// Envelope is the JSON frame exchanged on the signaling WebSocket. From/To
// are peer ids; the hub reads To to pick the outbound connection and never
// interprets SDP/Candidate itself.
type Envelope struct {
	Kind      Kind                      `json:"kind"`
	From      string                    `json:"from"`
	To        string                    `json:"to"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}
