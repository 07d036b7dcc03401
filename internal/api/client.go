package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/lostmindai/chatlink/internal/backoff"
)

// Client provides access to the chat backend REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	retry  backoff.Policy
	limits *RateLimitTracker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
		retry:  backoff.Retry(),
		limits: NewRateLimitTracker(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RateLimits returns the tracker fed by this client's responses.
// Advisory: callers may consult it proactively, but correctness relies
// on the reactive retry path.
func (c *Client) RateLimits() *RateLimitTracker {
	return c.limits
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetryPolicy sets the retry backoff policy.
func WithRetryPolicy(p backoff.Policy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimitTracker shares a tracker across clients.
func WithRateLimitTracker(t *RateLimitTracker) ClientOption {
	return func(c *Client) {
		c.limits = t
	}
}
