package stream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
)

// ChannelBackend is an in-memory Go channel pub/sub, useful in tests.
//
// Publishing waits for the subscriber to acknowledge each message, which
// keeps records in offset order. Emit therefore returns after the topic's
// listeners ran, and a listener must not emit on the topic it is handling.
const ChannelBackend = "channel"

func buildChannel(_ context.Context, _ configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return Backend{Publisher: pubSub, Subscriber: pubSub}, nil
}
