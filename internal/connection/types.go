package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")

	// ErrHandshakeRejected means the backend refused the credentials. It is
	// never retried automatically.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrTransportUnavailable is a network-level failure, retried per policy.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrRetriesExhausted is the terminal error once MaxAttempts is reached.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	ErrNoSupportedTransport = errors.New("no supported transport in preference list")
	ErrInvalidIdentity      = errors.New("identity user id is required")
	ErrManagerClosed        = errors.New("manager closed")
)

// State is the lifecycle state of a shared transport instance.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange is one transition of one shared transport instance.
// Subscribers first receive the current state with From == To.
type StateChange struct {
	Instance string    // SharedTransport ID, empty before the first acquire
	From     State     // State before the transition
	To       State     // State after the transition
	At       time.Time // When the transition happened
	Err      error     // Failure that caused the transition, if any
}

// Message is an inbound frame from the backend.
type Message struct {
	Event      string          // Envelope event name, empty if the frame was not an envelope
	Data       json.RawMessage // Envelope data, or the raw frame
	ReceivedAt time.Time       // Local timestamp when ReadMessage() returned
}

// Envelope is the JSON wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventRegisterUser is emitted right after every successful handshake so the
// backend can route server-initiated messages to this connection.
const EventRegisterUser = "register_user"

// RegisterUserPayload is the data of a register_user event.
type RegisterUserPayload struct {
	UserID string `json:"userId"`
}

// Transport names accepted in TransportPreference.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// HandshakeAuth is the auth part of the handshake payload.
type HandshakeAuth struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// HandshakePayload is passed to a TransportFactory for every connection attempt.
type HandshakePayload struct {
	Auth                 HandshakeAuth `json:"auth"`
	TransportPreference  []string      `json:"transportPreference"`
	Reconnection         bool          `json:"reconnection"`
	MaxReconnectAttempts int           `json:"maxReconnectAttempts"`
	ReconnectBaseDelayMs int64         `json:"reconnectBaseDelayMs"`
	HandshakeTimeoutMs   int64         `json:"handshakeTimeoutMs"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://rt.example.com/socket)
	PingInterval time.Duration // How often to send keepalive pings
	PingTimeout  time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 25 * time.Second,
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ManagerConfig configures the shared connection manager.
type ManagerConfig struct {
	TransportPreference  []string      // Ordered transport names tried per attempt
	Reconnection         bool          // Automatic reconnect after failures
	MaxReconnectAttempts int           // Consecutive failures before Error
	ReconnectBaseDelay   time.Duration // Delay before the first retry
	ReconnectMaxDelay    time.Duration // Cap on the retry delay
	ReconnectJitter      float64       // Extra random fraction of each delay, 0 disables
	HandshakeTimeout     time.Duration // Per-attempt dial + upgrade timeout
	GracePeriod          time.Duration // Delay between last release and teardown
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TransportPreference:  []string{TransportWebSocket, TransportPolling},
		Reconnection:         true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    16 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		GracePeriod:          2 * time.Second,
	}
}

// ManagerStats is a point-in-time snapshot of the manager.
type ManagerStats struct {
	RefCount         int
	State            State
	InstanceID       string
	InstancesCreated int
	Handshakes       int64
	Retry            RetryState
}
