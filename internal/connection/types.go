package connection

import (
	"errors"
	"time"

	"github.com/lostmindai/chatlink/internal/backoff"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrQueueFull          = errors.New("outbound queue full")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the connection lifecycle state, owned exclusively by the
// Manager and mutated only through the transition table.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// stateEvent is an input to the transition table.
type stateEvent int

const (
	evConnect stateEvent = iota // connect() requested
	evOpened                    // socket handshake completed
	evOpenFailed                // dial timeout or error
	evDisconnect                // disconnect() requested
	evClosed                    // socket closed after a deliberate teardown
	evAbnormalClose             // close code outside {1000, 1001}
)

// transitions is the legal (state, event) → state table. Anything not
// listed is an illegal transition and is rejected.
var transitions = map[State]map[stateEvent]State{
	StateDisconnected: {
		evConnect: StateConnecting,
	},
	StateConnecting: {
		evOpened:     StateConnected,
		evOpenFailed: StateDisconnected,
		evDisconnect: StateDisconnected,
	},
	StateConnected: {
		evDisconnect:    StateClosing,
		evAbnormalClose: StateDisconnected,
		evClosed:        StateDisconnected,
	},
	StateClosing: {
		evClosed: StateDisconnected,
	},
}

// transition resolves one step of the table.
func transition(from State, ev stateEvent) (State, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL              string        // full per-session URL (<base>/ws/<session-id>)
	APIKey           string        // optional bearer token
	HandshakeTimeout time.Duration // dial deadline
	WriteTimeout     time.Duration // write deadline for sends
	BufferSize       int           // inbound message channel buffer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	WSURL             string        // base WebSocket URL (e.g. ws://localhost:8000)
	APIKey            string        // optional bearer token
	HandshakeTimeout  time.Duration // dial deadline per attempt
	HeartbeatInterval time.Duration // period between ping frames
	WriteTimeout      time.Duration // write deadline for sends
	QueueLimit        int           // outbound queue bound
	BufferSize        int           // inbound message channel buffer
	Reconnect         backoff.Policy
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      5 * time.Second,
		QueueLimit:        256,
		BufferSize:        256,
		Reconnect:         backoff.Reconnect(),
	}
}
