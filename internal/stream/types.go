package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/broker-stream/internal/auth"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Protocol operations.
const (
	OpAuth        = "auth"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Message is the wire envelope for both control and data messages.
// Control messages carry an op; data messages carry a channel and no op.
type Message struct {
	Op        string          `json:"op,omitempty"`
	Channel   string          `json:"ch,omitempty"`
	Key       string          `json:"key,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Signature string          `json:"sig,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsControl reports whether the message is a protocol control message.
func (m Message) IsControl() bool { return m.Op != "" }

// Handler processes one data message for a subscribed channel. A non-nil
// error is logged and does not affect other handlers or the session.
type Handler func(msg Message) error

// Errors
var (
	ErrClosed       = errors.New("session closed")
	ErrAuthTimeout  = errors.New("authentication timeout")
	ErrMaxReconnect = errors.New("max reconnect attempts exceeded")
)

// AuthError is an explicit authentication rejection from the server.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// Config configures a Session.
type Config struct {
	URL         string           // WebSocket URL
	Credentials auth.Credentials // API key pair for the auth handshake

	AuthTimeout          time.Duration // Wait ceiling for the auth acknowledgement
	ReconnectBaseDelay   time.Duration // Backoff base: delay = base * 2^(attempt-1)
	ReconnectMaxDelay    time.Duration // Upper bound on a single backoff delay
	MaxReconnectAttempts int           // Attempt ceiling before giving up

	DispatchBuffer int           // Bounded queue between read loop and handler execution
	FrameBuffer    int           // Inbound frame buffer on the transport
	PingTimeout    time.Duration // Forwarded to the transport
	WriteTimeout   time.Duration // Forwarded to the transport

	// OnStateChange, if set, observes every state transition. Called from
	// session goroutines; must not block.
	OnStateChange func(State)

	// OnResponse, if set, observes acknowledgements for application
	// operations sent via Request (anything other than auth, subscribe,
	// unsubscribe).
	OnResponse func(msg Message)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:          10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 5,
		DispatchBuffer:       1000,
		FrameBuffer:          1000,
		PingTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.AuthTimeout == 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.DispatchBuffer == 0 {
		c.DispatchBuffer = def.DispatchBuffer
	}
	if c.FrameBuffer == 0 {
		c.FrameBuffer = def.FrameBuffer
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
}
