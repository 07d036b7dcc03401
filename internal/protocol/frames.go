package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type discriminants.
const (
	TypeChatMessage  = "chat_message"
	TypePing         = "ping"
	TypeChatResponse = "chat_response"
	TypeStreamChunk  = "stream_chunk"
	TypeThinking     = "thinking"
	TypeStatus       = "status"
	TypeError        = "error"
	TypePong         = "pong"
)

// Stream chunk kinds.
const (
	ChunkThinking = "thinking"
	ChunkContent  = "content"
	ChunkComplete = "complete"
)

// Errors
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
)

// ChatMessage is a client→server chat frame.
type ChatMessage struct {
	Type         string   `json:"type"`
	Message      string   `json:"message"`
	Files        []string `json:"files"`
	SessionID    string   `json:"session_id"`
	UseThinking  bool     `json:"use_thinking"`
	EnableSearch bool     `json:"enable_search"`
}

// NewChatMessage builds a chat_message frame for a session.
func NewChatMessage(sessionID, message string, files []string, useThinking, enableSearch bool) ChatMessage {
	if files == nil {
		files = []string{}
	}
	return ChatMessage{
		Type:         TypeChatMessage,
		Message:      message,
		Files:        files,
		SessionID:    sessionID,
		UseThinking:  useThinking,
		EnableSearch: enableSearch,
	}
}

// Encode serializes the frame to JSON.
func (m ChatMessage) Encode() ([]byte, error) {
	m.Type = TypeChatMessage
	return json.Marshal(m)
}

// EncodePing returns the client→server heartbeat frame.
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}

// ServerFrame is one inbound frame, discriminated by Type. Only the
// fields for the given type are populated.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// chat_response: full response payload as sent by the backend.
	Response json.RawMessage `json:"response,omitempty"`

	// stream_chunk: one of ChunkThinking, ChunkContent, ChunkComplete.
	ChunkType string `json:"chunk_type,omitempty"`

	// stream_chunk and thinking frames.
	Content string `json:"content,omitempty"`

	// status frames.
	Status string `json:"status,omitempty"`

	// error frames.
	Message string `json:"message,omitempty"`
}

// ParseServerFrame decodes an inbound frame. Malformed JSON and unknown
// type values are returned as errors so callers can drop the frame
// without crashing the read path.
func ParseServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeChatResponse, TypeStreamChunk, TypeThinking, TypeStatus, TypeError, TypePong:
		return &f, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
}
