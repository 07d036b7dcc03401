// Package events implements the typed publish/subscribe bus that fans
// connection and frame events out to listeners (UI, tests).
package events

import (
	"log/slog"
	"sync"

	"github.com/lostmindai/chatlink/internal/protocol"
)

// Kind identifies one event stream on the bus.
type Kind string

const (
	Connected    Kind = "connected"
	Disconnected Kind = "disconnected"
	Message      Kind = "message"
	StreamChunk  Kind = "stream-chunk"
	Thinking     Kind = "thinking"
	Status       Kind = "status"
	Error        Kind = "error"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Kind      Kind
	SessionID string

	// Frame is set for events derived from an inbound server frame.
	Frame *protocol.ServerFrame

	// Err is set for connection-level errors (for example when
	// reconnection attempts are exhausted).
	Err error
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine.
type Handler func(Event)

// Bus is a typed handler registry. Publishing with zero subscribers is
// a no-op, and a panicking handler does not prevent delivery to the
// remaining handlers of the same event.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[Kind]map[int]Handler
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[Kind]map[int]Handler),
	}
}

// Subscription identifies one registered handler.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   int
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]Handler)
	}
	b.handlers[kind][id] = h

	return Subscription{bus: b, kind: kind, id: id}
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if hs := s.bus.handlers[s.kind]; hs != nil {
		delete(hs, s.id)
	}
}

// Publish delivers the event to every handler registered for its kind.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Kind]))
	for _, h := range b.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(h, ev)
	}
}

// deliver invokes one handler, isolating panics so a bad listener
// cannot break fan-out.
func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				"kind", ev.Kind,
				"session_id", ev.SessionID,
				"panic", r,
			)
		}
	}()
	h(ev)
}
