// Package kafka is a durable event provider on Apache Kafka, built on
// franz-go. Each topic uses partition 0 only so that offsets form a single
// sequence. The committed position of event E on topic T is stored as the
// offset of a simple consumer group named "<group>.<T>.<E>".
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/chassis/events"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/internal/runtime/metadata"
)

// ProviderName is the events.provider value selecting this provider.
const ProviderName = "kafka"

// DefaultGroup prefixes consumer groups when none is configured.
const DefaultGroup = "chassis"

const partition int32 = 0

var capabilities = events.Capabilities{
	Name:             ProviderName,
	Durable:          true,
	Replay:           true,
	TimestampOffsets: true,
}

// Register adds the kafka provider to r.
func Register(r *events.Registry) {
	r.Register(ProviderName, Build, capabilities)
}

// Build creates a provider from the events.kafka section.
func Build(_ context.Context, cfg configpkg.EventsConfig, logger loggingpkg.ServiceLogger) (events.Provider, error) {
	c := Config{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		Group:    cfg.Kafka.Group,
	}
	if len(c.Brokers) == 0 {
		return nil, errspkg.New(errspkg.KindConfiguration, "kafka.build", "kafka brokers required")
	}
	return New(c, logger), nil
}

type Config struct {
	Brokers  []string
	ClientID string
	Group    string
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.ClientID == "" {
		c.ClientID = "chassis"
	}
	return c
}

// GroupName returns the consumer group holding the committed position of
// event on topic.
func (c Config) GroupName(topic, event string) string {
	return fmt.Sprintf("%s.%s.%s", c.withDefaults().Group, topic, event)
}

// Provider implements events.Provider on Kafka.
type Provider struct {
	config Config
	logger loggingpkg.ServiceLogger

	mu        sync.Mutex
	client    *kgo.Client
	admin     *kadm.Client
	created   map[string]bool
	consumers map[string]*consumer
	wg        sync.WaitGroup
}

func New(cfg Config, logger loggingpkg.ServiceLogger) *Provider {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Provider{
		config:    cfg.withDefaults(),
		logger:    logger.With(loggingpkg.LogFields{"provider": ProviderName}),
		created:   make(map[string]bool),
		consumers: make(map[string]*consumer),
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Capabilities() events.Capabilities { return capabilities }

func (p *Provider) baseOpts() []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(p.config.Brokers...),
		kgo.ClientID(p.config.ClientID),
		kgo.WithLogger(newKgoLogger(p.logger)),
	}
}

// Start connects the producer and admin clients and pings the cluster.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}

	opts := append(p.baseOpts(),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client init: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return fmt.Errorf("kafka ping: %w", err)
	}
	p.client = cl
	p.admin = kadm.NewClient(cl)
	return nil
}

// End stops every consumer, waits for them and closes the clients.
func (p *Provider) End(context.Context) error {
	p.mu.Lock()
	cl := p.client
	p.client = nil
	p.admin = nil
	for topic, c := range p.consumers {
		c.cancel()
		delete(p.consumers, topic)
	}
	p.mu.Unlock()

	p.wg.Wait()
	if cl != nil {
		cl.Close()
	}
	return nil
}

func (p *Provider) clients(op string) (*kgo.Client, *kadm.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, nil, errspkg.New(errspkg.KindProviderUnavailable, op, "provider is not running")
	}
	return p.client, p.admin, nil
}

// ensureTopic creates topic with one partition the first time it is used.
func (p *Provider) ensureTopic(ctx context.Context, admin *kadm.Client, topic string) error {
	p.mu.Lock()
	done := p.created[topic]
	p.mu.Unlock()
	if done {
		return nil
	}

	resp, err := admin.CreateTopic(ctx, 1, -1, nil, topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}

	p.mu.Lock()
	p.created[topic] = true
	p.mu.Unlock()
	return nil
}

func (p *Provider) Append(ctx context.Context, topic string, records []events.Record) ([]int64, error) {
	cl, admin, err := p.clients("kafka.append")
	if err != nil {
		return nil, err
	}
	if err := p.ensureTopic(ctx, admin, topic); err != nil {
		return nil, err
	}

	recs := make([]*kgo.Record, len(records))
	for i, rec := range records {
		recs[i] = &kgo.Record{
			Topic:     topic,
			Partition: partition,
			Value:     rec.Data,
			Headers:   []kgo.RecordHeader{{Key: metadata.KeyEvent, Value: []byte(rec.Event)}},
		}
	}
	results := cl.ProduceSync(ctx, recs...)
	if err := results.FirstErr(); err != nil {
		return nil, wrapProduceErr(topic, err)
	}

	offsets := make([]int64, len(results))
	for i, r := range results {
		offsets[i] = r.Record.Offset
	}
	return offsets, nil
}

func wrapProduceErr(topic string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("kafka publish to %q: %w", topic, err)
}

// Subscribe loads or creates the committed position of event and attaches
// deliver to the topic's consumer.
func (p *Provider) Subscribe(ctx context.Context, topic, event string, deliver events.Delivery) error {
	_, admin, err := p.clients("kafka.subscribe")
	if err != nil {
		return err
	}
	if err := p.ensureTopic(ctx, admin, topic); err != nil {
		return err
	}

	position, ok, err := p.fetchCommitted(ctx, admin, topic, event)
	if err != nil {
		return err
	}
	if !ok {
		if position, err = p.Offset(ctx, topic, events.OffsetLatest); err != nil {
			return err
		}
		if err := p.commit(ctx, admin, topic, event, position); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return errspkg.New(errspkg.KindProviderUnavailable, "kafka.subscribe", "provider is not running")
	}
	c, exists := p.consumers[topic]
	if !exists {
		c = newConsumer(p, topic)
		p.consumers[topic] = c
	}
	c.attach(event, deliver, position)
	if !exists {
		p.wg.Add(1)
		go c.run()
	}
	return nil
}

// Unsubscribe detaches event. The last detach cancels the consumer without
// waiting for it.
func (p *Provider) Unsubscribe(topic, event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[topic]
	if !ok {
		return
	}
	if c.detach(event) == 0 {
		c.cancel()
		delete(p.consumers, topic)
	}
}

func (p *Provider) Offset(ctx context.Context, topic string, hint int64) (int64, error) {
	_, admin, err := p.clients("kafka.offset")
	if err != nil {
		return 0, err
	}

	end, err := admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("list end offsets of %s: %w", topic, err)
	}
	tail, ok := end.Lookup(topic, partition)
	if !ok {
		return 0, nil
	}
	if tail.Err != nil {
		return 0, fmt.Errorf("list end offsets of %s: %w", topic, tail.Err)
	}

	var lo kadm.ListedOffsets
	switch {
	case hint == events.OffsetLatest:
		return tail.Offset, nil
	case hint == events.OffsetEarliest:
		lo, err = admin.ListStartOffsets(ctx, topic)
	default:
		lo, err = admin.ListOffsetsAfterMilli(ctx, hint, topic)
	}
	if err != nil {
		return 0, fmt.Errorf("list offsets of %s: %w", topic, err)
	}
	o, ok := lo.Lookup(topic, partition)
	if !ok || o.Err != nil || o.Offset < 0 || o.Offset > tail.Offset {
		return tail.Offset, nil
	}
	return o.Offset, nil
}

// ResetOffset commits base for event and rewinds a live consumer.
func (p *Provider) ResetOffset(ctx context.Context, topic, event string, base int64) error {
	_, admin, err := p.clients("kafka.reset_offset")
	if err != nil {
		return err
	}
	if err := p.commit(ctx, admin, topic, event, base); err != nil {
		return err
	}

	p.mu.Lock()
	c := p.consumers[topic]
	p.mu.Unlock()
	if c != nil {
		c.rewind(event, base)
	}
	p.logger.Debug("committed position reset", loggingpkg.LogFields{
		"topic": topic,
		"event": event,
		"base":  base,
	})
	return nil
}

func (p *Provider) fetchCommitted(ctx context.Context, admin *kadm.Client, topic, event string) (int64, bool, error) {
	resp, err := admin.FetchOffsets(ctx, p.config.GroupName(topic, event))
	if err != nil {
		if errors.Is(err, kerr.GroupIDNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("fetch committed offset of %s/%s: %w", topic, event, err)
	}
	o, ok := resp.Lookup(topic, partition)
	if !ok || o.Err != nil || o.At < 0 {
		return 0, false, nil
	}
	return o.At, true, nil
}

func (p *Provider) commit(ctx context.Context, admin *kadm.Client, topic, event string, position int64) error {
	var offsets kadm.Offsets
	offsets.Add(kadm.Offset{Topic: topic, Partition: partition, At: position, LeaderEpoch: -1})
	resp, err := admin.CommitOffsets(ctx, p.config.GroupName(topic, event), offsets)
	if err == nil {
		err = resp.Error()
	}
	if err != nil {
		return fmt.Errorf("commit offset of %s/%s: %w", topic, event, err)
	}
	return nil
}
