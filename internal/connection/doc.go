// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one logical WebSocket session to the chat backend
//   - Reconnects with exponential backoff up to a configured attempt ceiling
//   - Probes liveness with application-level heartbeats and a watchdog timer
//   - Buffers outbound frames while disconnected and flushes them in order
//   - Decodes inbound frames into typed events for the Streaming Coordinator
package connection
