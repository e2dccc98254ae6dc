package stream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/ids"
)

const RabbitMQBackend = "rabbitmq"

// buildRabbitMQ uses a fanout exchange per topic with one non-durable queue
// per subscriber, which gives every process its own copy of each record.
func buildRabbitMQ(_ context.Context, cfg configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error) {
	if err := requireSetting(RabbitMQBackend, "rabbitmq_url", cfg.RabbitMQURL); err != nil {
		return Backend{}, err
	}

	amqpConfig := amqp.NewNonDurablePubSubConfig(
		cfg.RabbitMQURL,
		amqp.GenerateQueueNameTopicNameWithSuffix(ids.CreateULID()),
	)

	conn, err := amqp.NewConnection(amqp.ConnectionConfig{
		AmqpURI:   cfg.RabbitMQURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return Backend{}, err
	}

	publisher, err := amqp.NewPublisherWithConnection(amqpConfig, logger, conn)
	if err != nil {
		_ = conn.Close()
		return Backend{}, err
	}

	subscriber, err := amqp.NewSubscriberWithConnection(amqpConfig, logger, conn)
	if err != nil {
		_ = conn.Close()
		return Backend{}, err
	}

	return Backend{
		Publisher:  publisher,
		Subscriber: subscriber,
		closers:    []func() error{conn.Close},
	}, nil
}
