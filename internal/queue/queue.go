// Package queue implements the bounded FIFO buffer for outbound frames
// issued while the session socket is not connected.
package queue

import "sync"

// DefaultLimit bounds the queue under prolonged disconnection. Frames
// beyond the limit are rejected rather than silently dropped.
const DefaultLimit = 256

// Outbound is a thread-safe bounded FIFO of encoded frames.
type Outbound struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
}

// NewOutbound creates a queue holding at most limit frames.
// A non-positive limit selects DefaultLimit.
func NewOutbound(limit int) *Outbound {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Outbound{limit: limit}
}

// Enqueue appends a frame. Returns false when the queue is full; the
// caller must report the rejection explicitly.
func (q *Outbound) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) >= q.limit {
		return false
	}
	q.frames = append(q.frames, frame)
	return true
}

// Drain returns all queued frames in enqueue order and empties the
// queue.
func (q *Outbound) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	frames := q.frames
	q.frames = nil
	return frames
}

// Requeue puts frames back at the front, preserving their order ahead
// of anything enqueued since the drain. Used when a flush fails partway
// so undelivered frames survive for the next connection.
func (q *Outbound) Requeue(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = append(frames[:len(frames):len(frames)], q.frames...)
}

// Clear discards all queued frames.
func (q *Outbound) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
}

// Len returns the number of queued frames.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
