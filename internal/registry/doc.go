// Package registry resolves model identifiers to provider routing metadata.
//
// The Streaming Coordinator consumes the Registry interface; the static
// implementation here is loaded from the models section of the config file.
package registry
