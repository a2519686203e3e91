package transport

import "errors"

var (
	// ErrConnectionFailed is surfaced once reconnection attempts are
	// exhausted; the socket is Failed until the host calls Connect again.
	ErrConnectionFailed = errors.New("transport: connection failed after exhausting reconnect attempts")
	// ErrTimeout is returned when an initial connect does not complete
	// within the configured timeout.
	ErrTimeout = errors.New("transport: connect timed out")
	// ErrInvalidState is returned by Send when the manager is not Connected.
	ErrInvalidState = errors.New("transport: invalid state for operation")
)
