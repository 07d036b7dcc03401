package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Session is one chat session as stored by the backend.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ModelID   string    `json:"model_id"`
	Messages  []Message `json:"messages,omitempty"`
}

// Message is one message within a session transcript.
type Message struct {
	ID              string    `json:"id,omitempty"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	ThinkingContent string    `json:"thinking_content,omitempty"`
}

// SessionCreateRequest is the payload for CreateSession.
type SessionCreateRequest struct {
	Title        string  `json:"title,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	ModelName    string  `json:"model_name,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// HealthStatus is the backend's health check response.
type HealthStatus struct {
	Status  string  `json:"status"`
	Version string  `json:"version,omitempty"`
	Uptime  float64 `json:"uptime,omitempty"`
}

// CreateSession creates a new chat session.
func (c *Client) CreateSession(ctx context.Context, req SessionCreateRequest) (*Session, error) {
	var session Session
	if err := c.post(ctx, "/chat/sessions", nil, req, &session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	path := "/chat/sessions/" + url.PathEscape(sessionID)
	if err := c.get(ctx, path, nil, &session); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &session, nil
}

// ListSessions returns sessions with pagination.
func (c *Client) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	var sessions []Session
	if err := c.get(ctx, "/chat/sessions", query, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := "/chat/sessions/" + url.PathEscape(sessionID)
	if err := c.del(ctx, path); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Health performs the backend's basic health check.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.get(ctx, "/health", nil, &status); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &status, nil
}
