package providers

import (
	"sort"
	"sync"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

// Factory constructs one adapter instance.
type Factory func() Adapter

// Registry maps provider names to adapter factories. Adapters are built
// lazily and cached.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Adapter),
	}
}

// Register adds a factory under name, replacing any existing registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	delete(r.instances, name)
}

// Get resolves the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	if a, ok := r.instances[name]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, llmerrors.NewValidation("unknown provider: " + name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.instances[name]; ok {
		return a, nil
	}
	a := factory()
	r.instances[name] = a
	return a, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
