// Package config loads and validates the YAML configuration for the chat
// fan-out client: server endpoint, connection tuning, streaming defaults,
// the response cache, and the model roster.
package config
