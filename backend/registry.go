package backend

import (
	"sort"
	"sync"
)

// Factory builds an adapter from a config.
type Factory func(cfg Config) (Adapter, error)

// Registry maps backend kinds to factories. It is an explicit value the
// caller constructs and passes down, not package-global state, so tests
// can build isolated registries and Reset never leaks between them.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// Register adds a factory for kind. Registering the same kind twice is
// an error.
func (r *Registry) Register(kind Kind, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return ErrDuplicateBackend
	}
	r.factories[kind] = f
	return nil
}

// New builds an adapter for kind.
func (r *Registry) New(kind Kind, cfg Config) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownBackend
	}
	return f(cfg)
}

// Kinds lists registered kinds in stable order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Reset removes every factory. Test support.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[Kind]Factory)
}
