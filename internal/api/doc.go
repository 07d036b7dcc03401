// Package api implements the retrying REST client for the chat
// backend.
//
// Requests that fail with a network error, 429, or 5xx are retried
// with jittered exponential backoff; a 429's Retry-After directive
// overrides the computed delay. Every completed response feeds the
// per-endpoint RateLimitTracker from the X-RateLimit-* headers.
package api
