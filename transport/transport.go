// Package transport defines the contracts between the server binder, the
// client resilience stack and concrete wire transports. Each transport lives
// in its own sub-package and is added to an explicit Registry at startup.
package transport

import (
	"context"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Methods is the handler map of one service on one transport.
type Methods map[string]endpoint.Endpoint

// Provider is the server side of a transport instance.
type Provider interface {
	// Name returns the configured instance name.
	Name() string
	// Bind replaces the handler map of service. An empty map is valid and
	// keeps the service known to the transport.
	Bind(service string, methods Methods) error
	Start(ctx context.Context) error
	End(ctx context.Context) error
}

// Client creates endpoints that call a remote service method.
type Client interface {
	// Endpoint returns a callable for method on the server reachable at
	// instance. The instance format is transport specific.
	Endpoint(ctx context.Context, method, instance string) (endpoint.Endpoint, error)
	End(ctx context.Context) error
}

// ServerBuilder creates a transport instance from its configuration.
type ServerBuilder func(ctx context.Context, cfg configpkg.TransportConfig, logger loggingpkg.ServiceLogger) (Provider, error)

// ClientBuilder creates a client for cfg.Service.
type ClientBuilder func(ctx context.Context, cfg configpkg.ClientConfig, logger loggingpkg.ServiceLogger) (Client, error)
