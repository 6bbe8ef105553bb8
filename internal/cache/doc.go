// Package cache implements the short-lived response cache.
//
// Entries are keyed by a stable hash of (message text, sorted model-id list)
// and expire lazily after a TTL; a Janitor can additionally purge expired
// entries in the background so persistent stores stay bounded. Two stores are
// provided: an in-memory map and a PostgreSQL table via pgxpool.
package cache
