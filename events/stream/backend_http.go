package stream

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
)

const HTTPBackend = "http"

// buildHTTP publishes with POST <http_publisher_url>/<topic> and receives on
// an HTTP server listening on http_server_address.
func buildHTTP(_ context.Context, cfg configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error) {
	if err := requireSetting(HTTPBackend, "http_server_address", cfg.HTTPServerAddress); err != nil {
		return Backend{}, err
	}
	if err := requireSetting(HTTPBackend, "http_publisher_url", cfg.HTTPPublisherURL); err != nil {
		return Backend{}, err
	}
	base := strings.TrimSuffix(cfg.HTTPPublisherURL, "/") + "/"

	publisher, err := http.NewPublisher(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return Backend{}, err
	}

	subscriber, err := http.NewSubscriber(
		cfg.HTTPServerAddress,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return Backend{}, err
	}

	go func() {
		if err := subscriber.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Error("HTTP subscriber server stopped", err, nil)
		}
	}()

	return Backend{Publisher: publisher, Subscriber: subscriber}, nil
}
