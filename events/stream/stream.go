// Package stream bridges the event bus onto a Watermill publisher/subscriber
// pair. Offsets are numbered by the emitting provider and travel in message
// metadata; nothing is retained, so replay is unsupported.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chassis/events"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/ids"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/internal/runtime/metadata"
)

// ProviderName is the events.provider value selecting this provider.
const ProviderName = "stream"

var capabilities = events.Capabilities{Name: ProviderName}

// Register adds the stream provider to r.
func Register(r *events.Registry) {
	r.Register(ProviderName, Build, capabilities)
}

// Build creates the Watermill backend named by events.stream.backend.
func Build(ctx context.Context, cfg configpkg.EventsConfig, logger loggingpkg.ServiceLogger) (events.Provider, error) {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	backend, err := BuildBackend(ctx, cfg.Stream, watermillLogger(logger))
	if err != nil {
		return nil, err
	}
	return New(backend, logger), nil
}

func watermillLogger(logger loggingpkg.ServiceLogger) watermill.LoggerAdapter {
	return loggingpkg.NewWatermillAdapter(logger.With(loggingpkg.LogFields{"provider": ProviderName}))
}

type topicState struct {
	// publishMu keeps offset assignment and publishing of one topic in the
	// same order.
	publishMu sync.Mutex

	next   int64
	cancel context.CancelFunc
	subs   map[string]events.Delivery
}

// Provider implements events.Provider over a Backend.
type Provider struct {
	backend Backend
	logger  loggingpkg.ServiceLogger

	mu      sync.Mutex
	running bool
	topics  map[string]*topicState
	wg      sync.WaitGroup
}

func New(backend Backend, logger loggingpkg.ServiceLogger) *Provider {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Provider{
		backend: backend,
		logger:  logger.With(loggingpkg.LogFields{"provider": ProviderName, "backend": backend.Name}),
		topics:  make(map[string]*topicState),
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Capabilities() events.Capabilities { return capabilities }

func (p *Provider) Start(context.Context) error {
	if p.backend.Publisher == nil || p.backend.Subscriber == nil {
		return errspkg.New(errspkg.KindConfiguration, "stream.start", "backend needs a publisher and a subscriber")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

// End cancels every topic subscription, waits for the readers and closes the
// backend.
func (p *Provider) End(context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	for _, st := range p.topics {
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
		st.subs = make(map[string]events.Delivery)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return p.backend.Close()
}

func (p *Provider) topic(name string) *topicState {
	st, ok := p.topics[name]
	if !ok {
		st = &topicState{subs: make(map[string]events.Delivery)}
		p.topics[name] = st
	}
	return st
}

func (p *Provider) Append(_ context.Context, topic string, records []events.Record) ([]int64, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, errspkg.New(errspkg.KindProviderUnavailable, "stream.append", "provider is not running")
	}
	st := p.topic(topic)
	p.mu.Unlock()

	st.publishMu.Lock()
	defer st.publishMu.Unlock()

	p.mu.Lock()
	now := time.Now()
	offsets := make([]int64, len(records))
	msgs := make([]*message.Message, len(records))
	for i, rec := range records {
		offsets[i] = st.next
		msg := message.NewMessage(ids.CreateULID(), rec.Data)
		msg.Metadata = metadata.ToWatermill(metadata.ForRecord(rec.Event, st.next, now))
		msgs[i] = msg
		st.next++
	}
	p.mu.Unlock()

	if err := p.backend.Publisher.Publish(topic, msgs...); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", topic, err)
	}
	return offsets, nil
}

// Subscribe attaches deliver. The first event of a topic opens a backend
// subscription read by one goroutine.
func (p *Provider) Subscribe(ctx context.Context, topic, event string, deliver events.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errspkg.New(errspkg.KindProviderUnavailable, "stream.subscribe", "provider is not running")
	}
	st := p.topic(topic)
	st.subs[event] = deliver
	if st.cancel != nil {
		return nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := p.backend.Subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		delete(st.subs, event)
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	st.cancel = cancel
	p.wg.Add(1)
	go p.read(subCtx, topic, st, msgs)
	return nil
}

func (p *Provider) read(ctx context.Context, topic string, st *topicState, msgs <-chan *message.Message) {
	defer p.wg.Done()
	logger := p.logger.With(loggingpkg.LogFields{"topic": topic})
	logger.Debug("reader started", nil)
	defer logger.Debug("reader stopped", nil)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			p.handle(ctx, st, msg, logger)
		}
	}
}

func (p *Provider) handle(ctx context.Context, st *topicState, msg *message.Message, logger loggingpkg.ServiceLogger) {
	defer msg.Ack()

	md := metadata.FromWatermill(msg.Metadata)
	offset, ok := md.Offset()
	if !ok {
		logger.Warn("dropping message without offset", loggingpkg.LogFields{"message_uuid": msg.UUID})
		return
	}

	p.mu.Lock()
	deliver := st.subs[md.Event()]
	p.mu.Unlock()
	if deliver == nil || ctx.Err() != nil {
		return
	}
	deliver(ctx, events.Record{
		Offset:    offset,
		Event:     md.Event(),
		Data:      msg.Payload,
		Timestamp: md.Timestamp(),
	})
}

// Unsubscribe detaches event. The last detach cancels the topic
// subscription without waiting for its reader.
func (p *Provider) Unsubscribe(topic, event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.topics[topic]
	if !ok {
		return
	}
	delete(st.subs, event)
	if len(st.subs) == 0 && st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
}

// Offset returns the number of records this provider emitted on topic.
func (p *Provider) Offset(_ context.Context, topic string, _ int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topic(topic).next, nil
}

func (p *Provider) ResetOffset(context.Context, string, string, int64) error {
	return errspkg.New(errspkg.KindUnsupported, "stream.reset_offset", "stream backends do not retain records")
}
