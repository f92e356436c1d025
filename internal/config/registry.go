package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/polyvox/polyvox/pkg/backend"
)

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested provider name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps provider names to model-backend constructors. The standard
// wiring registers the built-in providers at startup; tests and plugins may
// register their own. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]func(BackendEntry) (backend.Backend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]func(BackendEntry) (backend.Backend, error)),
	}
}

// RegisterBackend registers a backend factory under provider. Subsequent
// calls with the same provider overwrite the previous registration.
func (r *Registry) RegisterBackend(provider string, factory func(BackendEntry) (backend.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[provider] = factory
}

// CreateBackend instantiates a model backend using the factory registered
// under entry.Provider. Returns [ErrBackendNotRegistered] if no factory has
// been registered for that provider.
func (r *Registry) CreateBackend(entry BackendEntry) (backend.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, entry.Provider)
	}
	return factory(entry)
}

// Providers returns the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
