package client

import (
	"context"
	"sync"
	"time"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/transport"
)

// Publisher and load balancer names accepted in client configuration.
const (
	PublisherStatic    = "static"
	BalancerRoundRobin = "roundRobin"
	BalancerRandom     = "random"

	DefaultRetryMax = 3
)

// Client is the configured outbound stack of one remote service. Every
// method gets its own publisher, balancer and retry wrapper, built on first
// use.
type Client struct {
	name   string
	cfg    configpkg.ClientConfig
	tc     transport.Client
	logger loggingpkg.ServiceLogger

	mu        sync.Mutex
	endpoints map[string]endpoint.Endpoint
}

// NewClient assembles the stack described by cfg on top of tc.
func NewClient(name string, cfg configpkg.ClientConfig, tc transport.Client, logger loggingpkg.ServiceLogger) (*Client, error) {
	if tc == nil {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "client.new", errspkg.ErrProviderRequired)
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &Client{
		name:      name,
		cfg:       cfg,
		tc:        tc,
		logger:    logger.With(loggingpkg.LogFields{"client": name, "service": cfg.Service}),
		endpoints: make(map[string]endpoint.Endpoint),
	}, nil
}

// NewFromRegistry builds the transport client of cfg.Transport from registry
// and assembles the stack on it.
func NewFromRegistry(ctx context.Context, name string, cfg configpkg.ClientConfig, registry *transport.Registry, logger loggingpkg.ServiceLogger) (*Client, error) {
	if registry == nil {
		return nil, errspkg.New(errspkg.KindConfiguration, "client.new", "transport registry is required")
	}
	tc, err := registry.BuildClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewClient(name, cfg, tc, logger)
}

func validate(cfg configpkg.ClientConfig) error {
	switch cfg.Publisher.Name {
	case "", PublisherStatic:
	default:
		return errspkg.Newf(errspkg.KindConfiguration, "client.new", "unknown publisher %q", cfg.Publisher.Name)
	}
	switch cfg.LoadBalancer.Name {
	case "", BalancerRoundRobin, BalancerRandom:
	default:
		return errspkg.Newf(errspkg.KindConfiguration, "client.new", "unknown load balancer %q", cfg.LoadBalancer.Name)
	}
	if len(cfg.Publisher.Instances) == 0 {
		return errspkg.Wrap(errspkg.KindConfiguration, "client.new", errspkg.ErrEndpointsRequired)
	}
	return nil
}

// Endpoint returns the resilient endpoint for method. Building it fails with
// NoEndpoints when no configured instance could produce an endpoint.
func (c *Client) Endpoint(ctx context.Context, method string) (endpoint.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep, ok := c.endpoints[method]; ok {
		return ep, nil
	}

	factory := TransportFactory(c.tc, method)
	if c.cfg.Breaker {
		factory = withBreaker(c.name+"."+method, factory, c.logger)
	}
	pub, err := NewStaticPublisher(ctx, c.cfg.Publisher.Instances, factory, c.logger.With(loggingpkg.LogFields{"method": method}))
	if err != nil {
		return nil, err
	}

	var lb LoadBalancer
	if c.cfg.LoadBalancer.Name == BalancerRandom {
		lb = Random(pub, c.cfg.LoadBalancer.Seed)
	} else {
		lb = RoundRobin(pub)
	}

	maxAttempts := c.cfg.Retry.Max
	if maxAttempts == 0 {
		maxAttempts = DefaultRetryMax
	}
	ep := Retry(maxAttempts, c.cfg.Retry.Timeout, lb, WithRetryLogger(c.logger.With(loggingpkg.LogFields{"method": method})))
	c.endpoints[method] = ep
	return ep, nil
}

// Call invokes method with request through the resilience stack.
func (c *Client) Call(ctx context.Context, method string, request any) (any, error) {
	ep, err := c.Endpoint(ctx, method)
	if err != nil {
		return nil, err
	}
	return ep(ctx, request)
}

// End releases the transport client.
func (c *Client) End(ctx context.Context) error {
	return c.tc.End(ctx)
}

func withBreaker(name string, factory Factory, logger loggingpkg.ServiceLogger) Factory {
	return func(ctx context.Context, instance string) (endpoint.Endpoint, error) {
		ep, err := factory(ctx, instance)
		if err != nil {
			return nil, err
		}
		return Breaker(name+"@"+instance, ep, BreakerSettings{OpenTimeout: 10 * time.Second, Logger: logger}), nil
	}
}
