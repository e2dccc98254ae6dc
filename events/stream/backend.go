package stream

import (
	"context"
	"errors"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
)

// DefaultBackend is used when events.stream.backend is empty.
const DefaultBackend = "channel"

// Backend is a Watermill publisher/subscriber pair plus whatever connection
// they share.
type Backend struct {
	Name       string
	Publisher  message.Publisher
	Subscriber message.Subscriber

	closers []func() error
}

// Close closes the publisher, the subscriber and any shared connection.
// A pair backed by the same object is closed once.
func (b Backend) Close() error {
	var errs []error
	if b.Publisher != nil {
		errs = append(errs, b.Publisher.Close())
	}
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		errs = append(errs, b.Subscriber.Close())
	}
	for _, closeFn := range b.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

// BackendBuilder creates a Backend from the events.stream section.
type BackendBuilder func(ctx context.Context, cfg configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error)

var backends = map[string]BackendBuilder{
	ChannelBackend:   buildChannel,
	KafkaBackend:     buildKafka,
	NATSBackend:      buildNATS,
	JetStreamBackend: buildJetStream,
	RabbitMQBackend:  buildRabbitMQ,
	HTTPBackend:      buildHTTP,
	AWSBackend:       buildAWS,
	FileBackend:      buildFile,
}

// BackendNames lists the supported backends, sorted.
func BackendNames() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildBackend creates the backend named by cfg.Backend.
func BuildBackend(ctx context.Context, cfg configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error) {
	name := cfg.Backend
	if name == "" {
		name = DefaultBackend
	}
	build, ok := backends[name]
	if !ok {
		return Backend{}, errspkg.Newf(errspkg.KindConfiguration, "stream.backend",
			"unknown stream backend %q (supported: %v)", name, BackendNames())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	backend, err := build(ctx, cfg, logger)
	if err != nil {
		return Backend{}, err
	}
	backend.Name = name
	return backend, nil
}

func requireSetting(backend, key, value string) error {
	if value == "" {
		return errspkg.Newf(errspkg.KindConfiguration, "stream.backend", "%s backend requires events.stream.%s", backend, key)
	}
	return nil
}
