package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Lifecycle events.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
	EventError        = "error"
)

// eventReply is the event name of a frame answering a Request.
const eventReply = "reply"

// Disconnect reasons.
const (
	ReasonServerDisconnect = "server disconnect" // Server closed the session on purpose
	ReasonClientDisconnect = "client disconnect" // Close was called locally
	ReasonTransportClose   = "transport close"   // Socket dropped without a clean close
	ReasonTransportError   = "transport error"   // Read failed
	ReasonPingTimeout      = "ping timeout"      // No ping/pong within PingTimeout
)

// CloseUnauthorized is the close code a server uses to end a session whose
// credential stopped being valid.
const CloseUnauthorized = 4401

// IsGraceful reports whether a disconnect reason means either side asked to
// end the session, as opposed to the link failing.
func IsGraceful(reason string) bool {
	return reason == ReasonServerDisconnect || reason == ReasonClientDisconnect
}

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrTimeout         = errors.New("operation timeout")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrUnauthorized    = errors.New("unauthorized")
)

// RemoteError is an error reported by the server, either as an error event
// or as the answer to a Request.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// IsAuth returns true if the server rejected the credential.
func (e *RemoteError) IsAuth() bool {
	switch e.Code {
	case "unauthorized", "forbidden", "invalid_token", "token_expired":
		return true
	}
	return false
}

// IsTransient returns true if the condition should clear on reconnect.
func (e *RemoteError) IsTransient() bool {
	switch e.Code {
	case "unavailable", "timeout", "internal", "rate_limited", "overloaded":
		return true
	}
	return false
}

// IsAuthError reports whether err means the credential is no longer accepted.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.IsAuth()
}

// IsTransient reports whether err is worth a reconnect.
func IsTransient(err error) bool {
	if errors.Is(err, ErrStaleConnection) || errors.Is(err, ErrTimeout) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.IsTransient()
}

// Event is what handlers receive.
type Event struct {
	Name       string
	Data       json.RawMessage // Payload (domain events and replies)
	Reason     string          // Disconnect reason (disconnect only)
	Err        error           // Cause (connect_error and error only)
	ReceivedAt time.Time
}

// Handler handles one event.
type Handler func(Event)

// frame is the wire envelope.
type frame struct {
	ID      int64           `json:"id,omitempty"`       // Set on requests expecting a reply
	Event   string          `json:"event"`              // Event name
	Data    json.RawMessage `json:"data,omitempty"`     // Payload
	ReplyTo int64           `json:"reply_to,omitempty"` // Request ID answered by a reply frame
	Error   *RemoteError    `json:"error,omitempty"`
}

// OpenParams are the per-attempt connection parameters.
type OpenParams struct {
	Endpoint string // WebSocket URL (e.g., wss://relay.example.com/ws)
	Token    string // Credential, sent as a bearer token
	Identity string // Subject the session belongs to
	Platform string // Bridged platform identifier

	// Reconnect enables transport-level reconnection. The connection manager
	// runs its own backoff and always leaves this false; Client rejects true.
	Reconnect bool
}

// Config configures a Client.
type Config struct {
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	PingInterval     time.Duration // How often to ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	RequestTimeout   time.Duration // Default wait for a reply when ctx has no deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}
