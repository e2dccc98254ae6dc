package stream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/nats-io/nats.go"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
)

// JetStreamBackend publishes through NATS JetStream with auto-provisioned
// streams. Subscriptions only receive messages published after they were
// opened, like every other stream backend.
const JetStreamBackend = "jetstream"

func buildJetStream(_ context.Context, cfg configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error) {
	if err := requireSetting(JetStreamBackend, "nats_url", cfg.NATSURL); err != nil {
		return Backend{}, err
	}
	marshaler := &wmnats.NATSMarshaler{}

	publisher, err := wmnats.NewPublisher(
		wmnats.PublisherConfig{
			URL:         cfg.NATSURL,
			NatsOptions: natsOptions("chassis-events-js-publisher"),
			Marshaler:   marshaler,
			JetStream: wmnats.JetStreamConfig{
				AutoProvision: true,
				TrackMsgId:    true,
			},
		},
		logger,
	)
	if err != nil {
		return Backend{}, err
	}

	subscriber, err := wmnats.NewSubscriber(
		wmnats.SubscriberConfig{
			URL:         cfg.NATSURL,
			NatsOptions: natsOptions("chassis-events-js-subscriber"),
			Unmarshaler: marshaler,
			JetStream: wmnats.JetStreamConfig{
				AutoProvision:    true,
				SubscribeOptions: []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()},
			},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return Backend{}, err
	}

	return Backend{Publisher: publisher, Subscriber: subscriber}, nil
}
