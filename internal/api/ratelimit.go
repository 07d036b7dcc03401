package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitInfo is the last observed quota state for one endpoint.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimitTracker is a passive per-endpoint cache of rate limit state
// derived from X-RateLimit-* response headers. Last write wins; entries
// live for the process lifetime.
type RateLimitTracker struct {
	mu        sync.Mutex
	endpoints map[string]RateLimitInfo

	now func() time.Time // test hook
}

// NewRateLimitTracker creates an empty tracker.
func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{
		endpoints: make(map[string]RateLimitInfo),
		now:       time.Now,
	}
}

// Update records quota state from a response's headers. Responses
// without rate limit headers leave the cache untouched.
func (t *RateLimitTracker) Update(endpoint string, h http.Header) {
	limit, hasLimit := headerInt(h, "X-RateLimit-Limit")
	remaining, hasRemaining := headerInt(h, "X-RateLimit-Remaining")
	reset, hasReset := headerInt(h, "X-RateLimit-Reset")

	if !hasLimit && !hasRemaining && !hasReset {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	info := t.endpoints[endpoint]
	if hasLimit {
		info.Limit = limit
	}
	if hasRemaining {
		info.Remaining = remaining
	}
	if hasReset {
		info.ResetAt = time.Unix(int64(reset), 0)
	}
	t.endpoints[endpoint] = info
}

// Info returns the cached state for an endpoint.
func (t *RateLimitTracker) Info(endpoint string) (RateLimitInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.endpoints[endpoint]
	return info, ok
}

// ShouldThrottle returns true when the remaining quota is at or below
// 20% of the limit.
func (t *RateLimitTracker) ShouldThrottle(endpoint string) bool {
	info, ok := t.Info(endpoint)
	if !ok || info.Limit == 0 {
		return false
	}
	return info.Remaining*5 <= info.Limit
}

// ThrottleDelay returns the time until the window resets plus a one
// second buffer when the quota is exhausted, zero otherwise.
func (t *RateLimitTracker) ThrottleDelay(endpoint string) time.Duration {
	info, ok := t.Info(endpoint)
	if !ok || info.Remaining > 0 || info.ResetAt.IsZero() {
		return 0
	}

	d := info.ResetAt.Sub(t.now())
	if d < 0 {
		return 0
	}
	return d + time.Second
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
