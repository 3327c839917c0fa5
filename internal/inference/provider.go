package inference

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rulecraft/rulecraft/internal/models"
)

// Provider generates raw text for a structured request. Implementations may
// call a live model endpoint or replay scripted responses; the orchestration
// core only sees this interface.
type Provider interface {
	// Name identifies the provider for logging and registry lookup.
	Name() string

	// Generate returns the model's raw response text. The caller treats the
	// call as atomic: either usable text comes back or the call failed.
	Generate(ctx context.Context, req *models.GenerationRequest) (string, error)
}

// Factory constructs a provider from its configuration.
type Factory func(config *Config) (Provider, error)

// Registry maps provider names to factories. It is an explicit object owned
// by the application entry point; there is no process-wide registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("ollama", func(config *Config) (Provider, error) {
		return NewOllamaProvider(config), nil
	})
	r.Register("scripted", func(config *Config) (Provider, error) {
		return NewScriptedProvider(nil), nil
	})
	return r
}

// Register adds or replaces a factory under the given name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New constructs the named provider.
func (r *Registry) New(name string, config *Config) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, r.Names())
	}
	return factory(config)
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
