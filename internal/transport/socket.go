package transport

import "context"

// Socket is a single open duplex channel to a peer. ConnectionManager never
// assumes anything about the transport beneath it (WebRTC data channel,
// WebSocket, in-process pipe for tests) beyond this contract.
type Socket interface {
	Send(data []byte) error
	Close() error
}

// CloseEvent describes how a Socket ended. Code follows WebSocket close-code
// convention (1000 = normal closure); transports that have no native close
// code (e.g. a WebRTC data channel) report 1000 for an intentional close and
// 1006 (abnormal closure) for anything else, mirroring the convention the
// wider example pack's WebSocket clients already use.
type CloseEvent struct {
	Code   int
	Reason string
}

// Dialer opens a new Socket. onMessage and onClose are registered by the
// manager before any data can arrive and must be invoked from the dialer's
// own read loop; they are never called concurrently with each other for the
// same socket, matching the single-executor model the core assumes.
type Dialer func(ctx context.Context, onMessage func([]byte), onClose func(CloseEvent)) (Socket, error)
