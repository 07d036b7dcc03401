// Package backoff computes bounded exponential delays for the
// reconnection scheduler and the retrying request client.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes one backoff curve.
type Policy struct {
	InitialDelay time.Duration // delay for attempt 1
	MaxDelay     time.Duration // ceiling for the computed delay
	Factor       float64       // multiplier between attempts
	MaxAttempts  int           // attempts before Exhausted, 0 = unlimited
	Jitter       float64       // uniform ± fraction of the delay, 0 disables
}

// Reconnect returns the connection-level policy: 1s, 2s, 4s, 8s, 16s,
// capped at 30s, five attempts, no jitter. One reconnect stream exists
// per session, so synchronized retries are not a concern.
func Reconnect() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		MaxAttempts:  5,
	}
}

// Retry returns the request-level policy: same curve, three attempts,
// ±25% jitter.
func Retry() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		MaxAttempts:  3,
		Jitter:       0.25,
	}
}

// Delay returns the pre-jitter delay for the given attempt (1-based):
// min(initial · factor^(attempt-1), max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// JitteredDelay returns Delay perturbed by a uniform ±Jitter fraction.
func (p Policy) JitteredDelay(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter <= 0 {
		return d
	}
	span := float64(d) * p.Jitter
	out := time.Duration(float64(d) + (rand.Float64()*2-1)*span)
	if out < 0 {
		out = 0
	}
	return out
}

// Exhausted reports whether the given attempt exceeds the ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
