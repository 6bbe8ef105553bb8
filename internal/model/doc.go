// Package model defines shared domain types for the streaming orchestrator.
//
// Conventions:
//   - IDs: string everywhere; request ids are UUIDs, sub-stream ids are
//     "<request-id>-<model-id>"
//   - Timestamps: int64 milliseconds since epoch on the wire, time.Time locally
//   - Wire field names are camelCase to match the backend contract
package model
