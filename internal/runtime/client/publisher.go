// Package client is the outbound side of a service: a Publisher turns
// instance descriptors into endpoints, a LoadBalancer picks one per call and
// Retry makes the pair look like a single endpoint.
package client

import (
	"context"

	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/transport"
)

// Factory converts an instance descriptor, typically an address, into an
// endpoint.
type Factory func(ctx context.Context, instance string) (endpoint.Endpoint, error)

// TransportFactory makes endpoints for method on the instances of tc.
func TransportFactory(tc transport.Client, method string) Factory {
	return func(ctx context.Context, instance string) (endpoint.Endpoint, error) {
		return tc.Endpoint(ctx, method, instance)
	}
}

// Publisher supplies the current endpoint pool. Balancers read it on every
// selection so a changing pool is picked up.
type Publisher interface {
	Endpoints() []endpoint.Endpoint
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func() []endpoint.Endpoint

func (f PublisherFunc) Endpoints() []endpoint.Endpoint { return f() }

// StaticPublisher serves the endpoints made once from a fixed instance list.
type StaticPublisher struct {
	endpoints []endpoint.Endpoint
}

// NewStaticPublisher calls factory for every instance. Instances the factory
// fails for are logged and dropped; an empty result is a NoEndpoints error.
func NewStaticPublisher(ctx context.Context, instances []string, factory Factory, logger loggingpkg.ServiceLogger) (*StaticPublisher, error) {
	if factory == nil {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "client.publisher", errspkg.ErrFactoryRequired)
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	p := &StaticPublisher{endpoints: make([]endpoint.Endpoint, 0, len(instances))}
	for _, instance := range instances {
		ep, err := factory(ctx, instance)
		if err == nil && ep == nil {
			err = errspkg.New(errspkg.KindInternal, "client.publisher", "factory returned no endpoint")
		}
		if err != nil {
			logger.Error("instance dropped from endpoint pool", err, loggingpkg.LogFields{"instance": instance})
			continue
		}
		p.endpoints = append(p.endpoints, ep)
	}
	if len(p.endpoints) == 0 {
		return nil, errspkg.New(errspkg.KindNoEndpoints, "client.publisher", "no endpoints")
	}
	return p, nil
}

// Endpoints returns a copy of the pool.
func (p *StaticPublisher) Endpoints() []endpoint.Endpoint {
	return append([]endpoint.Endpoint(nil), p.endpoints...)
}
