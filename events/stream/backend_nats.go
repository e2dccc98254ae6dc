package stream

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/nats-io/nats.go"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
)

const NATSBackend = "nats"

// natsOptions are applied to both connections. Core NATS only; JetStream
// is switched off.
func natsOptions(name string) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	}
}

func buildNATS(_ context.Context, cfg configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error) {
	if err := requireSetting(NATSBackend, "nats_url", cfg.NATSURL); err != nil {
		return Backend{}, err
	}
	marshaler := &wmnats.NATSMarshaler{}

	publisher, err := wmnats.NewPublisher(
		wmnats.PublisherConfig{
			URL:         cfg.NATSURL,
			NatsOptions: natsOptions("chassis-events-publisher"),
			Marshaler:   marshaler,
			JetStream:   wmnats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return Backend{}, err
	}

	subscriber, err := wmnats.NewSubscriber(
		wmnats.SubscriberConfig{
			URL:         cfg.NATSURL,
			NatsOptions: natsOptions("chassis-events-subscriber"),
			Unmarshaler: marshaler,
			JetStream:   wmnats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return Backend{}, err
	}

	return Backend{Publisher: publisher, Subscriber: subscriber}, nil
}
