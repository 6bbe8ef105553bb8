package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with lazy TTL expiry.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates a store whose entries expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]Entry),
	}
}

// Get returns the entry for key. An expired entry is deleted and reported
// absent.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return Entry{}, false, nil
	}
	if time.Since(e.CreatedAt) > s.ttl {
		s.mu.Lock()
		// Re-check under the write lock; another Put may have refreshed it.
		if cur, ok := s.entries[key]; ok && time.Since(cur.CreatedAt) > s.ttl {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put stores an entry. Last write wins.
func (s *MemoryStore) Put(_ context.Context, key string, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Purge removes entries created before the cutoff.
func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.CreatedAt.Before(olderThan) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, including not-yet-purged
// expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
