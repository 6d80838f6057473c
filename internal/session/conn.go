// Package session runs one connected client: it decodes inbound frames,
// routes requests to the daemon's services, and pumps events and
// responses back out through a bounded single-writer outbox. The local
// WebSocket listener and the relay tunnel both attach here; the session
// never knows which transport carried the frames.
package session

import "errors"

// Close codes a session hands to its transport.
const (
	// CloseProtocolError covers non-JSON, oversize, and schema-invalid
	// frames (WebSocket 1003).
	CloseProtocolError = 1003

	// CloseInternalError covers daemon-side failures, including an outbox
	// overflow that would drop a critical event (WebSocket 1011).
	CloseInternalError = 1011

	// CloseNormal is a clean daemon-initiated shutdown.
	CloseNormal = 1000
)

// Conn is the framed transport under a session. Implementations deliver
// whole text frames; ReadMessage blocks until a frame, an error, or the
// peer going away. WriteMessage and Ping are only called from the
// session's writer goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error

	// Ping sends a transport keepalive. Transports with their own liveness
	// machinery may make this a no-op.
	Ping() error

	// Close terminates the connection with a close code and reason.
	// Subsequent calls are no-ops.
	Close(code int, reason string) error
}

// errOutboxOverflow reports that a critical event could not be queued.
var errOutboxOverflow = errors.New("outbox overflow on critical event")
