package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Builder opens a store from its configuration.
type Builder func(ctx context.Context, cfg configpkg.DatabaseConfig, logger loggingpkg.ServiceLogger) (Store, error)

// Registry maps provider names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Open builds the store selected by cfg.Provider.
func (r *Registry) Open(ctx context.Context, cfg configpkg.DatabaseConfig, logger loggingpkg.ServiceLogger) (Store, error) {
	r.mu.RLock()
	builder, ok := r.builders[cfg.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, errspkg.Newf(errspkg.KindConfiguration, "database.open",
			"database provider %s does not exist (registered: %v)", cfg.Provider, r.Names())
	}
	store, err := builder(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open database provider %s: %w", cfg.Provider, err)
	}
	return store, nil
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

// Pool opens configured databases on first use and keeps them open until
// Close.
type Pool struct {
	registry *Registry
	configs  map[string]configpkg.DatabaseConfig
	logger   loggingpkg.ServiceLogger

	mu     sync.Mutex
	stores map[string]Store
}

func NewPool(registry *Registry, configs map[string]configpkg.DatabaseConfig, logger loggingpkg.ServiceLogger) *Pool {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Pool{
		registry: registry,
		configs:  configs,
		logger:   logger,
		stores:   make(map[string]Store),
	}
}

// Get returns the store of the database configured as name.
func (p *Pool) Get(ctx context.Context, name string) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if store, ok := p.stores[name]; ok {
		return store, nil
	}
	cfg, ok := p.configs[name]
	if !ok {
		return nil, errspkg.Newf(errspkg.KindConfiguration, "database.pool", "database %s is not configured", name)
	}
	if p.registry == nil {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "database.pool", errspkg.ErrProviderRequired)
	}
	store, err := p.registry.Open(ctx, cfg, p.logger.With(loggingpkg.LogFields{"database": name}))
	if err != nil {
		return nil, err
	}
	p.stores[name] = store
	return store, nil
}

// Close closes every opened store and joins their errors.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, store := range p.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database %s: %w", name, err))
		}
		delete(p.stores, name)
	}
	return errors.Join(errs...)
}
