package client

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// BreakerSettings configures Breaker. Zero values pick the defaults.
type BreakerSettings struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold uint32
	// OpenTimeout is how long the circuit stays open before a probe call.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probe calls allowed while half-open.
	HalfOpenRequests uint32
	Logger           loggingpkg.ServiceLogger
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Threshold == 0 {
		s.Threshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	if s.Logger == nil {
		s.Logger = loggingpkg.NewNopLogger()
	}
	return s
}

// Breaker guards ep with a circuit breaker. Calls rejected by an open circuit
// fail with ProviderUnavailable, which Retry treats as a failed attempt and
// moves on to the next endpoint.
func Breaker(name string, ep endpoint.Endpoint, settings BreakerSettings) endpoint.Endpoint {
	s := settings.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.Logger.Warn("circuit breaker state changed", loggingpkg.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return func(ctx context.Context, request any) (any, error) {
		resp, err := cb.Execute(func() (interface{}, error) {
			return ep(ctx, request)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "client.breaker", err)
		}
		return resp, err
	}
}
