package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Registry maps transport provider names to their builders and capabilities.
// It is constructed once at startup and passed to the server and clients.
type Registry struct {
	mu           sync.RWMutex
	servers      map[string]ServerBuilder
	clients      map[string]ClientBuilder
	capabilities map[string]Capabilities
}

func NewRegistry() *Registry {
	return &Registry{
		servers:      make(map[string]ServerBuilder),
		clients:      make(map[string]ClientBuilder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds the builders of provider name. client may be nil for
// server-only transports.
func (r *Registry) Register(name string, server ServerBuilder, client ClientBuilder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps.Name = name
	caps.Client = client != nil
	r.servers[name] = server
	if client != nil {
		r.clients[name] = client
	} else {
		delete(r.clients, name)
	}
	r.capabilities[name] = caps
}

// Capabilities returns the capabilities of a registered provider. Unknown
// providers yield a zero value carrying only the name.
func (r *Registry) Capabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// BuildServer creates the transport instance described by cfg.
func (r *Registry) BuildServer(ctx context.Context, cfg configpkg.TransportConfig, logger loggingpkg.ServiceLogger) (Provider, error) {
	r.mu.RLock()
	builder, ok := r.servers[cfg.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, errspkg.Newf(errspkg.KindConfiguration, "transport.build",
			"unknown transport provider %q (registered: %v)", cfg.Provider, r.Names())
	}
	provider, err := builder(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build transport %s: %w", cfg.Name, err)
	}
	return provider, nil
}

// BuildClient creates a client of the cfg.Transport provider for cfg.Service.
func (r *Registry) BuildClient(ctx context.Context, cfg configpkg.ClientConfig, logger loggingpkg.ServiceLogger) (Client, error) {
	r.mu.RLock()
	builder, ok := r.clients[cfg.Transport]
	r.mu.RUnlock()

	if !ok {
		return nil, errspkg.Newf(errspkg.KindConfiguration, "transport.client",
			"no client for transport provider %q", cfg.Transport)
	}
	return builder(ctx, cfg, logger)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a provider is registered with name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[name]
	return ok
}
