package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lostmindai/chatlink/internal/backoff"
	"github.com/lostmindai/chatlink/internal/events"
)

// chatServer is a mock backend that records every accepted connection
// and every text frame it receives.
type chatServer struct {
	t      *testing.T
	server *httptest.Server

	mu     sync.Mutex
	frames [][]byte
	conns  []*websocket.Conn

	connCh chan *websocket.Conn
}

func newChatServer(t *testing.T) *chatServer {
	s := &chatServer{
		t:      t,
		connCh: make(chan *websocket.Conn, 8),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.connCh <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, data)
			s.mu.Unlock()
		}
	}))

	t.Cleanup(func() {
		s.server.CloseClientConnections()
		s.server.Close()
	})

	return s
}

func (s *chatServer) url() string {
	return wsURL(s.server)
}

// waitConn waits for the next accepted connection.
func (s *chatServer) waitConn(timeout time.Duration) *websocket.Conn {
	select {
	case conn := <-s.connCh:
		return conn
	case <-time.After(timeout):
		s.t.Fatal("no connection accepted in time")
		return nil
	}
}

func (s *chatServer) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *chatServer) framesSnapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// killConn closes the underlying TCP connection without a close
// handshake, which the client observes as an abnormal close.
func (s *chatServer) killConn(conn *websocket.Conn) {
	conn.UnderlyingConn().Close()
}

// closeConnNormally performs a deliberate close (code 1000).
func (s *chatServer) closeConnNormally(conn *websocket.Conn) {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.Close()
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.WSURL = url
	cfg.HeartbeatInterval = time.Hour // keep heartbeats out of frame assertions
	cfg.Reconnect = backoff.Policy{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		Factor:       2,
		MaxAttempts:  5,
	}
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_ConnectAndDisconnect(t *testing.T) {
	server := newChatServer(t)

	bus := events.NewBus(nil)
	connected := make(chan events.Event, 4)
	disconnected := make(chan events.Event, 4)
	bus.Subscribe(events.Connected, func(ev events.Event) { connected <- ev })
	bus.Subscribe(events.Disconnected, func(ev events.Event) { disconnected <- ev })

	mgr := NewManager("s1", testManagerConfig(server.url()), bus, nil)

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if mgr.State() != StateConnected {
		t.Errorf("State = %v, want Connected", mgr.State())
	}

	select {
	case ev := <-connected:
		if ev.SessionID != "s1" {
			t.Errorf("connected event session = %q, want s1", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}

	if err := mgr.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnected event")
	}

	waitFor(t, time.Second, func() bool {
		return mgr.State() == StateDisconnected
	}, "manager never reached Disconnected")

	// Exactly once for a deliberate teardown.
	select {
	case <-disconnected:
		t.Error("second disconnected event for one teardown")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	server := newChatServer(t)
	mgr := NewManager("s1", testManagerConfig(server.url()), nil, nil)
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	server.waitConn(time.Second)

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	select {
	case <-server.connCh:
		t.Error("idempotent Connect opened a second socket")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_QueuedFramesFlushFIFO(t *testing.T) {
	server := newChatServer(t)
	mgr := NewManager("s1", testManagerConfig(server.url()), nil, nil)
	defer mgr.Disconnect()

	for i := 0; i < 3; i++ {
		if err := mgr.SendChat(fmt.Sprintf("queued-%d", i), nil, false, false); err != nil {
			t.Fatalf("SendChat(%d) while disconnected: %v", i, err)
		}
	}
	if mgr.QueueLen() != 3 {
		t.Fatalf("QueueLen = %d, want 3", mgr.QueueLen())
	}

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return server.frameCount() == 3
	}, "queued frames never arrived")

	frames := server.framesSnapshot()
	for i, data := range frames {
		var frame struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("frame %d is not valid JSON: %v", i, err)
		}
		if frame.Type != "chat_message" {
			t.Errorf("frame %d type = %q, want chat_message", i, frame.Type)
		}
		if want := fmt.Sprintf("queued-%d", i); frame.Message != want {
			t.Errorf("frame %d message = %q, want %q (FIFO order)", i, frame.Message, want)
		}
	}

	// Exactly once: nothing further shows up.
	time.Sleep(200 * time.Millisecond)
	if server.frameCount() != 3 {
		t.Errorf("frame count = %d after settle, want 3", server.frameCount())
	}
	if mgr.QueueLen() != 0 {
		t.Errorf("QueueLen = %d after flush, want 0", mgr.QueueLen())
	}
}

func TestManager_DisconnectClearsQueue(t *testing.T) {
	server := newChatServer(t)
	mgr := NewManager("s1", testManagerConfig(server.url()), nil, nil)
	defer mgr.Disconnect()

	if err := mgr.SendChat("doomed", nil, false, false); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	server.waitConn(time.Second)

	time.Sleep(300 * time.Millisecond)
	if n := server.frameCount(); n != 0 {
		t.Errorf("server received %d frames queued before the disconnect, want 0", n)
	}
}

func TestManager_SendWhileConnected(t *testing.T) {
	server := newChatServer(t)
	mgr := NewManager("s1", testManagerConfig(server.url()), nil, nil)
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	server.waitConn(time.Second)

	if err := mgr.SendChat("direct", nil, true, false); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return server.frameCount() == 1
	}, "frame never arrived")

	if mgr.QueueLen() != 0 {
		t.Errorf("QueueLen = %d, want 0 for a direct send", mgr.QueueLen())
	}
}

func TestManager_QueueFullRejected(t *testing.T) {
	cfg := testManagerConfig("ws://127.0.0.1:1")
	cfg.QueueLimit = 1

	bus := events.NewBus(nil)
	errCh := make(chan events.Event, 1)
	bus.Subscribe(events.Error, func(ev events.Event) { errCh <- ev })

	mgr := NewManager("s1", cfg, bus, nil)

	if err := mgr.SendChat("first", nil, false, false); err != nil {
		t.Fatalf("first SendChat failed: %v", err)
	}
	if err := mgr.SendChat("second", nil, false, false); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second SendChat = %v, want ErrQueueFull", err)
	}

	select {
	case ev := <-errCh:
		if !errors.Is(ev.Err, ErrQueueFull) {
			t.Errorf("error event = %v, want ErrQueueFull", ev.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event for the rejected frame")
	}
}

func TestManager_InboundFrameDispatch(t *testing.T) {
	server := newChatServer(t)

	bus := events.NewBus(nil)
	received := make(chan events.Event, 16)
	for _, kind := range []events.Kind{events.Message, events.StreamChunk, events.Thinking, events.Status, events.Error} {
		bus.Subscribe(kind, func(ev events.Event) { received <- ev })
	}

	mgr := NewManager("s1", testManagerConfig(server.url()), bus, nil)
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := server.waitConn(time.Second)

	frames := []string{
		`{"type":"status","status":"processing","session_id":"s1"}`,
		`{"type":"thinking","content":"hmm","session_id":"s1"}`,
		`{"type":"stream_chunk","chunk_type":"content","content":"hi","session_id":"s1"}`,
		`{"type":"chat_response","response":{"message":{"content":"hi"}},"session_id":"s1"}`,
		`{"type":"error","message":"model overloaded","session_id":"s1"}`,
	}
	wantKinds := []events.Kind{events.Status, events.Thinking, events.StreamChunk, events.Message, events.Error}

	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("server write failed: %v", err)
		}
	}

	for i, want := range wantKinds {
		select {
		case ev := <-received:
			if ev.Kind != want {
				t.Errorf("event %d kind = %q, want %q", i, ev.Kind, want)
			}
			if ev.SessionID != "s1" {
				t.Errorf("event %d session = %q, want s1", i, ev.SessionID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d (%q) never delivered", i, want)
		}
	}
}

func TestManager_UnknownFrameDropped(t *testing.T) {
	server := newChatServer(t)

	bus := events.NewBus(nil)
	received := make(chan events.Event, 16)
	for _, kind := range []events.Kind{events.Message, events.StreamChunk, events.Thinking, events.Status, events.Error} {
		bus.Subscribe(kind, func(ev events.Event) { received <- ev })
	}

	mgr := NewManager("s1", testManagerConfig(server.url()), bus, nil)
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := server.waitConn(time.Second)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown_x"}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{malformed`))
	// A known frame afterwards proves the read loop survived.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","status":"ok","session_id":"s1"}`))

	select {
	case ev := <-received:
		if ev.Kind != events.Status {
			t.Errorf("delivered kind = %q, want only the status frame", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read loop died on an unknown frame")
	}

	select {
	case ev := <-received:
		t.Errorf("unexpected extra event %q for a dropped frame", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_AbnormalCloseReconnects(t *testing.T) {
	server := newChatServer(t)

	cfg := testManagerConfig(server.url())
	// Use the production initial delay: a reconnect after a 1006 close
	// should complete within 1.25s (1s base plus jitter headroom).
	cfg.Reconnect = backoff.Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		MaxAttempts:  5,
	}

	mgr := NewManager("s1", cfg, nil, nil)
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := server.waitConn(time.Second)

	start := time.Now()
	server.killConn(first)

	second := server.waitConn(3 * time.Second)
	if second == nil {
		return
	}
	elapsed := time.Since(start)
	if elapsed > 1250*time.Millisecond {
		t.Errorf("reconnected after %v, want within 1.25s", elapsed)
	}
	if elapsed < 900*time.Millisecond {
		t.Errorf("reconnected after %v, backoff of ~1s not honored", elapsed)
	}

	waitFor(t, 2*time.Second, func() bool {
		return mgr.State() == StateConnected
	}, "manager never returned to Connected")

	// Counter resets only on reaching Connected.
	mgr.mu.Lock()
	attempt := mgr.attempt
	mgr.mu.Unlock()
	if attempt != 0 {
		t.Errorf("attempt counter = %d after reconnect, want 0", attempt)
	}
}

func TestManager_BackoffRestartsAfterConnected(t *testing.T) {
	server := newChatServer(t)
	mgr := NewManager("s1", testManagerConfig(server.url()), nil, nil)
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := server.waitConn(time.Second)

	server.killConn(first)
	second := server.waitConn(2 * time.Second)
	waitFor(t, 2*time.Second, func() bool {
		return mgr.State() == StateConnected
	}, "first reconnect never completed")

	// A second abnormal close restarts the sequence at attempt 1: with a
	// 50ms initial delay the next connection arrives well before the
	// attempt-2 delay of 100ms would even start.
	start := time.Now()
	server.killConn(second)
	server.waitConn(2 * time.Second)
	if elapsed := time.Since(start); elapsed > 700*time.Millisecond {
		t.Errorf("second reconnect took %v, counter did not restart at attempt 1", elapsed)
	}
}

func TestManager_DeliberateCloseNoReconnect(t *testing.T) {
	server := newChatServer(t)

	bus := events.NewBus(nil)
	disconnected := make(chan events.Event, 4)
	bus.Subscribe(events.Disconnected, func(ev events.Event) { disconnected <- ev })

	mgr := NewManager("s1", testManagerConfig(server.url()), bus, nil)
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := server.waitConn(time.Second)

	server.closeConnNormally(conn)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnected event after server close")
	}

	select {
	case <-server.connCh:
		t.Error("auto-reconnect after a deliberate close code")
	case <-time.After(400 * time.Millisecond):
	}
	if mgr.State() != StateDisconnected {
		t.Errorf("State = %v, want Disconnected", mgr.State())
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	server := newChatServer(t)

	cfg := testManagerConfig(server.url())
	cfg.Reconnect.InitialDelay = 200 * time.Millisecond

	mgr := NewManager("s1", cfg, nil, nil)

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := server.waitConn(time.Second)

	server.killConn(first)
	waitFor(t, time.Second, func() bool {
		return mgr.State() == StateDisconnected
	}, "abnormal close never observed")

	// Mid-backoff: the armed timer must not fire a new dial.
	mgr.Disconnect()

	select {
	case <-server.connCh:
		t.Error("reconnect fired after Disconnect")
	case <-time.After(600 * time.Millisecond):
	}
	if mgr.State() != StateDisconnected {
		t.Errorf("State = %v, want Disconnected", mgr.State())
	}
}

func TestManager_ReconnectExhausted(t *testing.T) {
	server := newChatServer(t)

	cfg := testManagerConfig(server.url())
	cfg.Reconnect = backoff.Policy{
		InitialDelay: 30 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Factor:       2,
		MaxAttempts:  2,
	}

	bus := events.NewBus(nil)
	errCh := make(chan events.Event, 8)
	bus.Subscribe(events.Error, func(ev events.Event) { errCh <- ev })

	mgr := NewManager("s1", cfg, bus, nil)
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := server.waitConn(time.Second)

	// Take the backend down entirely so every redial fails. The
	// upgraded connection is hijacked, so httptest no longer tracks
	// it and CloseClientConnections cannot sever it; kill it directly.
	server.server.CloseClientConnections()
	server.server.Close()
	server.killConn(first)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-errCh:
			if errors.Is(ev.Err, ErrReconnectExhausted) {
				if mgr.State() != StateDisconnected {
					t.Errorf("State = %v after exhaustion, want Disconnected", mgr.State())
				}
				return
			}
		case <-deadline:
			t.Fatal("reconnect exhaustion never reported")
		}
	}
}
