package stream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
)

const KafkaBackend = "kafka"

func buildKafka(_ context.Context, cfg configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return Backend{}, errspkg.New(errspkg.KindConfiguration, "stream.backend", "kafka backend requires events.stream.kafka_brokers")
	}

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return Backend{}, err
	}

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:       cfg.KafkaBrokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: cfg.KafkaConsumerGroup,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return Backend{}, err
	}

	return Backend{Publisher: publisher, Subscriber: subscriber}, nil
}
