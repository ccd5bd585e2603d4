package prediction

import (
	"fmt"
	"strings"
	"sync"
)

// Factory builds a scorer for a backend from its endpoint.
type Factory func(endpoint string) (Scorer, error)

// Registry maps backend names ("http", ...) to scorer factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("http", func(endpoint string) (Scorer, error) {
		if strings.TrimSpace(endpoint) == "" {
			return nil, fmt.Errorf("http scorer needs an endpoint")
		}
		return NewHTTPScorer(endpoint), nil
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(name, endpoint string) (Scorer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown prediction backend: %s", name)
	}
	return f(endpoint)
}
