package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/songsense/songsense/pkg/provider/recognition"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ProviderFactory builds a recognition provider from the loaded config.
// Factories must tolerate missing credentials by returning a provider whose
// Available method reports false, never by failing.
type ProviderFactory func(cfg *Config) (recognition.Provider, error)

// Registry maps recognition-provider names to their constructors. The
// composition root registers "local", "audd", and "acrcloud"; tests
// register fakes. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// Register registers a provider factory under name. Subsequent calls with
// the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds the provider registered under name.
func (r *Registry) Create(name string, cfg *Config) (recognition.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateAll builds the providers for names in order, preserving the tier
// priority of the list.
func (r *Registry) CreateAll(names []string, cfg *Config) ([]recognition.Provider, error) {
	providers := make([]recognition.Provider, 0, len(names))
	for _, name := range names {
		p, err := r.Create(name, cfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// Names returns the registered provider names, sorted.
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
