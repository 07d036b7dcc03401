package connection

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lostmindai/chatlink/internal/events"
	"github.com/lostmindai/chatlink/internal/protocol"
	"github.com/lostmindai/chatlink/internal/queue"
)

// Manager owns the single WebSocket for one session and drives the
// connection state machine. The caller must not share one session id
// across Manager instances.
type Manager struct {
	cfg       ManagerConfig
	sessionID string
	bus       *events.Bus
	logger    *slog.Logger
	outbound  *queue.Outbound

	mu             sync.Mutex
	state          State
	client         Client
	gen            int // connection generation; stale goroutines and timers check it
	attempt        int // reconnect attempt counter, reset on reaching Connected
	wantConnected  bool
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
}

// NewManager creates a Connection Manager for one session.
func NewManager(sessionID string, cfg ManagerConfig, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sessionID)
	if bus == nil {
		bus = events.NewBus(logger)
	}

	return &Manager{
		cfg:       cfg,
		sessionID: sessionID,
		bus:       bus,
		logger:    logger,
		outbound:  queue.NewOutbound(cfg.QueueLimit),
	}
}

// SessionID returns the session this manager owns.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Events returns the bus this manager publishes on.
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of frames waiting for a connection.
func (m *Manager) QueueLen() int {
	return m.outbound.Len()
}

// Connect opens the session socket. Idempotent while Connected; any
// prior socket is torn down gracefully first. A failed dial leaves the
// manager Disconnected and returns the error to the caller; automatic
// rescheduling applies only to abnormal closes of an established
// connection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.wantConnected = true
	m.attempt = 0
	m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	old := m.client
	m.client = nil
	if old != nil {
		m.gen++ // orphan the old socket's goroutines
	}
	switch m.state {
	case StateConnecting:
		m.applyLocked(evDisconnect)
	case StateClosing:
		m.applyLocked(evClosed)
	}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	return m.dial(ctx, false)
}

// Disconnect tears the session down deliberately. Safe in any state:
// it clears the outbound queue and cancels any pending reconnect, so a
// timer already armed mid-backoff never fires a new dial.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.wantConnected = false
	m.cancelReconnectLocked()
	m.outbound.Clear()

	switch m.state {
	case StateConnected:
		m.applyLocked(evDisconnect)
		m.stopHeartbeatLocked()
		cli := m.client
		m.mu.Unlock()
		// Sends close(1000); the read loop completes the
		// Closing -> Disconnected transition and emits "disconnected".
		if cli != nil {
			cli.Close()
		}
		return nil

	case StateConnecting:
		m.applyLocked(evDisconnect)
		m.gen++
		cli := m.client
		m.client = nil
		m.mu.Unlock()
		if cli != nil {
			cli.Close()
		}
		return nil

	default:
		m.mu.Unlock()
		return nil
	}
}

// Send transmits an encoded frame immediately when Connected, otherwise
// queues it for the next connection. Fire-and-forget: delivery is not
// confirmed at this layer. A full queue is reported as ErrQueueFull and
// on the bus, never silently dropped.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	cli := m.client
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected && cli != nil {
		err := cli.Send(data)
		if err == nil {
			return nil
		}
		// The read loop will observe the broken transport; keep the
		// frame for redelivery after reconnect.
		m.logger.Warn("send failed, queueing frame", "error", err)
	}

	if !m.outbound.Enqueue(data) {
		m.logger.Error("outbound queue full, rejecting frame")
		m.bus.Publish(events.Event{Kind: events.Error, SessionID: m.sessionID, Err: ErrQueueFull})
		return ErrQueueFull
	}
	return nil
}

// SendChat encodes and sends a chat_message frame for this session.
func (m *Manager) SendChat(message string, files []string, useThinking, enableSearch bool) error {
	data, err := protocol.NewChatMessage(m.sessionID, message, files, useThinking, enableSearch).Encode()
	if err != nil {
		return err
	}
	return m.Send(data)
}

// dial performs one connection attempt.
func (m *Manager) dial(ctx context.Context, reconnecting bool) error {
	m.mu.Lock()
	if !m.wantConnected {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.applyLocked(evConnect); !ok {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	cli := NewClient(ClientConfig{
		URL:              sessionURL(m.cfg.WSURL, m.sessionID),
		APIKey:           m.cfg.APIKey,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger)
	m.client = cli
	m.mu.Unlock()

	if err := cli.Connect(ctx); err != nil {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return err
		}
		m.applyLocked(evOpenFailed)
		m.client = nil
		retry := reconnecting && m.wantConnected
		m.mu.Unlock()

		m.logger.Warn("dial failed", "error", err)
		m.bus.Publish(events.Event{Kind: events.Disconnected, SessionID: m.sessionID})
		if retry {
			m.scheduleReconnect()
		}
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		// A Connect or Disconnect superseded this attempt mid-dial.
		m.mu.Unlock()
		cli.Close()
		return nil
	}
	m.applyLocked(evOpened)
	m.attempt = 0 // counter resets only on reaching Connected
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	pending := m.outbound.Drain()
	m.mu.Unlock()

	m.logger.Info("connected", "queued_frames", len(pending))
	m.bus.Publish(events.Event{Kind: events.Connected, SessionID: m.sessionID})

	// Flush queued frames in FIFO order. On a write failure the
	// remainder goes back to the front of the queue for the next
	// connection.
	for i, frame := range pending {
		if err := cli.Send(frame); err != nil {
			m.logger.Warn("flush interrupted, requeueing",
				"remaining", len(pending)-i,
				"error", err,
			)
			m.outbound.Requeue(pending[i:])
			break
		}
	}

	go m.readLoop(cli, gen)
	go m.heartbeatLoop(cli, stop)

	return nil
}

// readLoop consumes one connection's inbound frames until the
// transport fails or is torn down.
func (m *Manager) readLoop(cli Client, gen int) {
	for {
		select {
		case err := <-cli.Errors():
			m.handleTransportError(gen, err)
			return

		case data, ok := <-cli.Messages():
			if !ok {
				// Socket read loop exited; prefer its recorded error.
				var err error
				select {
				case err = <-cli.Errors():
				default:
				}
				m.handleTransportError(gen, err)
				return
			}
			m.handleFrame(data)
		}
	}
}

// handleFrame classifies one inbound frame and publishes it. Unknown
// types and malformed JSON are logged and dropped, never fatal.
func (m *Manager) handleFrame(data []byte) {
	frame, err := protocol.ParseServerFrame(data)
	if err != nil {
		m.logger.Warn("dropping inbound frame", "error", err)
		return
	}

	var kind events.Kind
	switch frame.Type {
	case protocol.TypeChatResponse:
		kind = events.Message
	case protocol.TypeStreamChunk:
		kind = events.StreamChunk
	case protocol.TypeThinking:
		kind = events.Thinking
	case protocol.TypeStatus:
		kind = events.Status
	case protocol.TypeError:
		kind = events.Error
	case protocol.TypePong:
		// Heartbeat reply; liveness is enforced by the transport.
		return
	}

	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = m.sessionID
	}
	m.bus.Publish(events.Event{Kind: kind, SessionID: sessionID, Frame: frame})
}

// handleTransportError finishes one connection's lifecycle. Deliberate
// closes (codes 1000/1001, or a local teardown) land in Disconnected;
// anything else invokes the reconnection scheduler.
func (m *Manager) handleTransportError(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	cli := m.client
	m.client = nil

	deliberate := err == nil || isDeliberateClose(err) ||
		!m.wantConnected || m.state == StateClosing
	if deliberate {
		m.applyLocked(evClosed)
		m.wantConnected = false
		m.mu.Unlock()

		if cli != nil {
			cli.Close()
		}
		if err != nil {
			m.logger.Info("connection closed", "error", err)
		}
		m.bus.Publish(events.Event{Kind: events.Disconnected, SessionID: m.sessionID})
		return
	}

	m.applyLocked(evAbnormalClose)
	m.mu.Unlock()

	if cli != nil {
		cli.Close()
	}
	m.logger.Warn("abnormal close", "error", err)
	m.bus.Publish(events.Event{Kind: events.Disconnected, SessionID: m.sessionID})
	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt. The
// wantConnected flag is re-checked when the timer fires, so a
// Disconnect issued mid-backoff wins over the pending timer.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if !m.wantConnected {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	if m.cfg.Reconnect.Exhausted(attempt) {
		m.wantConnected = false
		m.mu.Unlock()

		m.logger.Error("reconnect attempts exhausted", "attempts", attempt-1)
		m.bus.Publish(events.Event{
			Kind:      events.Error,
			SessionID: m.sessionID,
			Err:       ErrReconnectExhausted,
		})
		return
	}

	delay := m.cfg.Reconnect.JitteredDelay(attempt)
	m.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if !m.wantConnected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.dial(context.Background(), true)
	})
	m.mu.Unlock()
}

// heartbeatLoop sends a ping frame on a fixed period. Missed pongs are
// not separately enforced; closure is detected through the transport's
// own read errors. Known limitation.
func (m *Manager) heartbeatLoop(cli Client, stop <-chan struct{}) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping := protocol.EncodePing()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cli.Send(ping); err != nil {
				m.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

// applyLocked runs one step of the transition table. Illegal
// transitions are rejected and logged. Caller holds m.mu.
func (m *Manager) applyLocked(ev stateEvent) (State, bool) {
	to, ok := transition(m.state, ev)
	if !ok {
		m.logger.Warn("illegal state transition", "state", m.state.String(), "event", int(ev))
		return m.state, false
	}
	m.state = to
	return to, true
}

// cancelReconnectLocked stops a pending reconnect timer. Caller holds
// m.mu.
func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// stopHeartbeatLocked stops the heartbeat goroutine. Caller holds m.mu.
func (m *Manager) stopHeartbeatLocked() {
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
}

// isDeliberateClose reports whether the error is a close frame with a
// deliberate code (1000 normal, 1001 going away).
func isDeliberateClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
	)
}

// sessionURL builds the per-session endpoint <base>/ws/<session-id>.
func sessionURL(base, sessionID string) string {
	return strings.TrimRight(base, "/") + "/ws/" + sessionID
}
