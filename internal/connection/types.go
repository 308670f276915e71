package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Frame wraps raw inbound bytes with the local receive timestamp.
type Frame struct {
	Data       []byte    // Raw message bytes from the WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Config configures a WebSocket connection.
type Config struct {
	URL              string        // WebSocket URL (e.g., wss://broker.example.com/ws/v1/stream)
	HandshakeTimeout time.Duration // Dial handshake deadline
	PingTimeout      time.Duration // Max time without ping/pong before the connection is stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Inbound frame channel buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}
