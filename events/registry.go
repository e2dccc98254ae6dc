package events

import (
	"context"
	"fmt"
	"sort"
	"sync"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Builder creates a provider from the events configuration.
type Builder func(ctx context.Context, cfg configpkg.EventsConfig, logger loggingpkg.ServiceLogger) (Provider, error)

// Registry maps provider names to builders. It is built once at startup
// and handed to whoever constructs the Bus.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps.Name = name
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// Capabilities returns the advertised capabilities of name.
func (r *Registry) Capabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.capabilities[name]
	return caps, ok
}

// Build creates the provider selected by cfg.Provider.
func (r *Registry) Build(ctx context.Context, cfg configpkg.EventsConfig, logger loggingpkg.ServiceLogger) (Provider, error) {
	r.mu.RLock()
	builder, ok := r.builders[cfg.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, errspkg.Newf(errspkg.KindConfiguration, "events.build",
			"unknown event provider %q (registered: %v)", cfg.Provider, r.Names())
	}
	provider, err := builder(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build event provider %s: %w", cfg.Provider, err)
	}
	return provider, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}
