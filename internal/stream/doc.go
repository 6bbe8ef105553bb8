// Package stream implements the Parallel Streaming Coordinator.
//
// One StreamMessage call fans a user message out to N model sub-streams over
// the Connection Manager, correlates inbound chunks back to their sub-stream,
// tracks per-model settlement, and applies a selection strategy (fastest,
// best, consensus) once the request completes or its deadline fires. Repeat
// requests are served from the response cache without touching the wire.
package stream
