package registry

import (
	"sync"

	"github.com/tmachado/chat-fanout/internal/model"
)

// Registry resolves a model id to its routing metadata.
type Registry interface {
	// Resolve returns the metadata for a model id.
	Resolve(id string) (model.Info, bool)

	// List returns all registered models in registration order.
	List() []model.Info
}

// staticRegistry is an in-memory Registry populated up front.
type staticRegistry struct {
	mu     sync.RWMutex
	byID   map[string]model.Info
	sorted []string // registration order
}

// NewStatic creates a Registry from a fixed model list. Duplicate ids keep
// the first registration.
func NewStatic(models []model.Info) Registry {
	r := &staticRegistry{
		byID: make(map[string]model.Info, len(models)),
	}
	for _, m := range models {
		if _, ok := r.byID[m.ID]; ok {
			continue
		}
		r.byID[m.ID] = m
		r.sorted = append(r.sorted, m.ID)
	}
	return r
}

func (r *staticRegistry) Resolve(id string) (model.Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[id]
	return info, ok
}

func (r *staticRegistry) List() []model.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Info, 0, len(r.sorted))
	for _, id := range r.sorted {
		out = append(out, r.byID[id])
	}
	return out
}
