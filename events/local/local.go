// Package local is the in-process event provider. Records are handed to
// listeners synchronously inside Append and are not retained.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/chassis/events"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// ProviderName is the events.provider value selecting this provider.
const ProviderName = "local"

var capabilities = events.Capabilities{Name: ProviderName, Synchronous: true}

// Register adds the local provider to r.
func Register(r *events.Registry) {
	r.Register(ProviderName, Build, capabilities)
}

// Build ignores the configuration; the local provider has no settings.
func Build(_ context.Context, _ configpkg.EventsConfig, logger loggingpkg.ServiceLogger) (events.Provider, error) {
	return New(logger), nil
}

type topicState struct {
	next int64
	subs map[string]events.Delivery
}

// Provider is safe for concurrent use.
type Provider struct {
	logger loggingpkg.ServiceLogger

	mu      sync.Mutex
	running bool
	topics  map[string]*topicState
}

func New(logger loggingpkg.ServiceLogger) *Provider {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Provider{
		logger: logger.With(loggingpkg.LogFields{"provider": ProviderName}),
		topics: make(map[string]*topicState),
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Capabilities() events.Capabilities { return capabilities }

func (p *Provider) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

func (p *Provider) End(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	for _, st := range p.topics {
		st.subs = make(map[string]events.Delivery)
	}
	return nil
}

func (p *Provider) topic(name string) *topicState {
	st, ok := p.topics[name]
	if !ok {
		st = &topicState{subs: make(map[string]events.Delivery)}
		p.topics[name] = st
	}
	return st
}

// Append assigns offsets and delivers every record on the caller's goroutine
// before returning. Records of one call arrive in offset order; deliveries of
// concurrent callers may interleave. Listeners may emit on the same topic.
func (p *Provider) Append(ctx context.Context, topic string, records []events.Record) ([]int64, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, errspkg.New(errspkg.KindProviderUnavailable, "local.append", "provider is not running")
	}
	st := p.topic(topic)
	now := time.Now()
	offsets := make([]int64, len(records))
	batch := make([]events.Record, len(records))
	for i, rec := range records {
		rec.Offset = st.next
		rec.Timestamp = now
		st.next++
		offsets[i] = rec.Offset
		batch[i] = rec
	}
	p.mu.Unlock()

	p.drain(ctx, st, batch)
	return offsets, nil
}

func (p *Provider) drain(ctx context.Context, st *topicState, batch []events.Record) {
	for _, rec := range batch {
		p.mu.Lock()
		deliver := st.subs[rec.Event]
		p.mu.Unlock()
		if deliver != nil {
			deliver(ctx, rec)
		}
	}
}

func (p *Provider) Subscribe(_ context.Context, topic, event string, deliver events.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errspkg.New(errspkg.KindProviderUnavailable, "local.subscribe", "provider is not running")
	}
	p.topic(topic).subs[event] = deliver
	return nil
}

func (p *Provider) Unsubscribe(topic, event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.topics[topic]; ok {
		delete(st.subs, event)
	}
}

// Offset returns the tail for every hint: nothing is retained, so the
// earliest retained offset and any timestamp resolve to it as well.
func (p *Provider) Offset(_ context.Context, topic string, _ int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topic(topic).next, nil
}

func (p *Provider) ResetOffset(context.Context, string, string, int64) error {
	return errspkg.New(errspkg.KindUnsupported, "local.reset_offset", "the local provider does not retain records")
}
