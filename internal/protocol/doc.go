// Package protocol defines the JSON frames exchanged with the backend
// over the per-session WebSocket at <base>/ws/<session-id>.
//
// Client→server frames: chat_message, ping.
// Server→client frames, discriminated by "type": chat_response,
// stream_chunk, thinking, status, error, pong.
package protocol
