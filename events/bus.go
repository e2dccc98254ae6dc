package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/drblury/chassis/internal/runtime/codec"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Bus owns the topics of one provider.
type Bus struct {
	provider Provider
	logger   loggingpkg.ServiceLogger

	started atomic.Bool

	mu     sync.Mutex
	topics map[string]*Topic

	schemaMu      sync.RWMutex
	defaultSchema codec.Schema
	schemas       map[schemaKey]codec.Schema
}

type schemaKey struct {
	topic string
	event string
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithDefaultSchema replaces the JSON schema used for unregistered events.
func WithDefaultSchema(schema codec.Schema) BusOption {
	return func(b *Bus) {
		if schema != nil {
			b.defaultSchema = schema
		}
	}
}

// WithSchema registers the schema of one (topic, event) pair.
func WithSchema(topic, event string, schema codec.Schema) BusOption {
	return func(b *Bus) {
		b.schemas[schemaKey{topic, event}] = schema
	}
}

// NewBus creates a bus on provider. The provider is not started.
func NewBus(provider Provider, logger loggingpkg.ServiceLogger, opts ...BusOption) (*Bus, error) {
	if provider == nil {
		return nil, errspkg.ErrProviderRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	b := &Bus{
		provider:      provider,
		logger:        logger.With(loggingpkg.LogFields{"component": "events", "provider": provider.Name()}),
		topics:        make(map[string]*Topic),
		defaultSchema: codec.JSONSchema(),
		schemas:       make(map[schemaKey]codec.Schema),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Provider returns the backend of the bus.
func (b *Bus) Provider() Provider { return b.provider }

// Start starts the provider. Starting twice is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	if b.started.Load() {
		return nil
	}
	if err := b.provider.Start(ctx); err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "events.start", err)
	}
	b.started.Store(true)
	b.logger.Info("event bus started", nil)
	return nil
}

// End stops the provider. Topics stay registered but reject further calls
// until the bus is started again.
func (b *Bus) End(ctx context.Context) error {
	if !b.started.Swap(false) {
		return nil
	}
	err := b.provider.End(ctx)
	b.logger.Info("event bus stopped", nil)
	return err
}

// Started reports whether the bus accepts emits and subscriptions.
func (b *Bus) Started() bool { return b.started.Load() }

// Topic returns the topic called name, creating it on first use.
func (b *Bus) Topic(name string) (*Topic, error) {
	if name == "" {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "events.topic", errspkg.ErrTopicRequired)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t := newTopic(name, b)
	b.topics[name] = t
	return t, nil
}

// RegisterSchema sets the schema of one (topic, event) pair.
func (b *Bus) RegisterSchema(topic, event string, schema codec.Schema) {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if schema == nil {
		delete(b.schemas, schemaKey{topic, event})
		return
	}
	b.schemas[schemaKey{topic, event}] = schema
}

func (b *Bus) schemaFor(topic, event string) codec.Schema {
	b.schemaMu.RLock()
	defer b.schemaMu.RUnlock()
	if s, ok := b.schemas[schemaKey{topic, event}]; ok {
		return s
	}
	return b.defaultSchema
}

func (b *Bus) requireStarted(op string) error {
	if !b.started.Load() {
		return errspkg.New(errspkg.KindNoProvider, op, "event bus is not started")
	}
	return nil
}

// providerError classifies a provider failure. Typed errors pass through,
// anything else means the backend could not be reached.
func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errspkg.Error
	if errors.As(err, &typed) {
		return err
	}
	return errspkg.Wrap(errspkg.KindProviderUnavailable, op, err)
}
