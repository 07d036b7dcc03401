// Package connection implements the per-session Connection Manager.
//
// The Connection Manager:
//   - Owns exactly one WebSocket per session id
//   - Drives an explicit state machine (Disconnected, Connecting,
//     Connected, Closing) through a transition table
//   - Queues outbound frames while offline and flushes them FIFO on
//     connect
//   - Reconnects after abnormal closes with bounded exponential backoff
//   - Classifies inbound frames and fans them out on the event bus
package connection
