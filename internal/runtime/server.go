package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/chassis/events"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/transport"
)

// Service is business logic exposed by a Server: an explicit map from method
// name to endpoint.
type Service interface {
	Methods() map[string]endpoint.Endpoint
}

// ServiceMethods is the simplest Service.
type ServiceMethods map[string]endpoint.Endpoint

func (m ServiceMethods) Methods() map[string]endpoint.Endpoint { return m }

// ServerDependencies holds the collaborators of a Server. Leave fields nil to
// use the defaults.
type ServerDependencies struct {
	// Transports builds the configured server.transports. Required when any
	// transport is configured.
	Transports *transport.Registry
	// Bus is started before the transports and stopped after them.
	Bus *events.Bus

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	Registerer     prometheus.Registerer // Defaults to prometheus.DefaultRegisterer.
	TracerProvider trace.TracerProvider  // Defaults to the global provider.
}

// Server binds services to the configured transports and drives their
// lifecycle.
type Server struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	bus        *events.Bus
	transports []transport.Provider
	byName     map[string]transport.Provider

	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider

	mwMu        sync.RWMutex
	middlewares []namedMiddleware

	lifecycleMu sync.RWMutex
	lifecycle   []LifecycleListener
}

// NewServer builds every configured transport. Bind services on the returned
// Server before calling Start.
func NewServer(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServerDependencies) (*Server, error) {
	if conf == nil {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "server.new", errspkg.ErrConfigRequired)
	}
	if log == nil {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "server.new", errspkg.ErrLoggerRequired)
	}

	s := &Server{
		Conf:           conf,
		Logger:         log,
		bus:            deps.Bus,
		byName:         make(map[string]transport.Provider, len(conf.Server.Transports)),
		registerer:     deps.Registerer,
		tracerProvider: deps.TracerProvider,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.tracerProvider == nil {
		s.tracerProvider = otel.GetTracerProvider()
	}

	if len(conf.Server.Transports) > 0 && deps.Transports == nil {
		return nil, errspkg.New(errspkg.KindConfiguration, "server.new", "transports are configured but no transport registry was given")
	}
	for _, tcfg := range conf.Server.Transports {
		provider, err := deps.Transports.BuildServer(ctx, tcfg, log)
		if err != nil {
			return nil, err
		}
		s.transports = append(s.transports, provider)
		s.byName[tcfg.Name] = provider
	}
	log.Debug("using transports", loggingpkg.LogFields{"transports": s.TransportNames()})

	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	for _, reg := range append(defaults, deps.Middlewares...) {
		if err := s.RegisterMiddleware(reg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Bus returns the event bus the server manages, or nil.
func (s *Server) Bus() *events.Bus { return s.bus }

// Transport returns the transport instance configured as name.
func (s *Server) Transport(name string) (transport.Provider, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// TransportNames returns the transport names in configuration order.
func (s *Server) TransportNames() []string {
	names := make([]string, len(s.transports))
	for i, t := range s.transports {
		names[i] = t.Name()
	}
	return names
}

// Bind connects svc to the transports its endpoint configuration lists.
// Invalid endpoint/transport combinations are logged and skipped; only a
// missing service configuration fails the call. Every transport receives a
// handler map for the service, empty when nothing was bound to it.
func (s *Server) Bind(ctx context.Context, name string, svc Service) error {
	if name == "" {
		return errspkg.Wrap(errspkg.KindInvalidArgument, "server.bind", errspkg.ErrServiceRequired)
	}
	if svc == nil {
		return errspkg.New(errspkg.KindInvalidArgument, "server.bind", "missing argument service")
	}
	serviceCfg, ok := s.Conf.Server.Services[name]
	if !ok {
		return errspkg.Newf(errspkg.KindConfiguration, "server.bind", "configuration for %s does not exist", name)
	}
	methods := svc.Methods()
	log := s.Logger.With(loggingpkg.LogFields{"service": name})

	endpoints := make(map[string][]string, len(s.transports))
	for _, method := range sortedKeys(serviceCfg) {
		transports := serviceCfg[method].Transport
		if len(transports) == 0 {
			log.Warn("endpoint has no transports configured", loggingpkg.LogFields{"method": method})
			continue
		}
		for _, transportName := range transports {
			if _, ok := s.byName[transportName]; !ok {
				log.Warn("transport does not exist", loggingpkg.LogFields{"method": method, "transport": transportName})
				continue
			}
			endpoints[transportName] = append(endpoints[transportName], method)
		}
	}
	for _, method := range sortedKeys(methods) {
		if _, ok := serviceCfg[method]; !ok {
			log.Warn("service method has no endpoint configuration", loggingpkg.LogFields{"method": method})
		}
	}

	chain := s.chain()
	var errs []error
	bound := make([]string, 0, len(s.transports))
	for _, provider := range s.transports {
		transportName := provider.Name()
		binding := make(transport.Methods, len(endpoints[transportName]))
		for _, method := range endpoints[transportName] {
			ep := methods[method]
			if ep == nil {
				log.Warn("endpoint does not have matching service method", loggingpkg.LogFields{"method": method, "transport": transportName})
				continue
			}
			if !s.endpointLists(name, method, transportName) {
				log.Error("endpoint is not configured for transport, skipping endpoint binding", nil, loggingpkg.LogFields{"method": method, "transport": transportName})
				continue
			}
			info := endpoint.CallInfo{Service: name, Method: method, Transport: transportName}
			binding[method] = endpoint.Dispatch(info, ep, chain, s.Logger)
			log.Debug("endpoint bound to transport", loggingpkg.LogFields{"method": method, "transport": transportName})
		}
		if len(binding) == 0 {
			log.Trace("no endpoints for transport, binding empty handler set", loggingpkg.LogFields{"transport": transportName})
		}
		if err := provider.Bind(name, binding); err != nil {
			log.Error("transport bind failed", err, loggingpkg.LogFields{"transport": transportName})
			errs = append(errs, fmt.Errorf("bind %s on %s: %w", name, transportName, err))
			continue
		}
		bound = append(bound, transportName)
	}

	if len(bound) > 0 {
		s.notify(LifecycleEvent{Kind: LifecycleBound, Service: name, Transports: bound})
	}
	return errors.Join(errs...)
}

// endpointLists re-reads the endpoint configuration, which may have been
// edited since the bind plan was computed.
func (s *Server) endpointLists(service, method, transportName string) bool {
	cfg, ok := s.Conf.Server.Services[service][method]
	return ok && cfg.Lists(transportName)
}

// Start starts the event bus, then every transport in configuration order.
// Transports started before a failure stay running until End.
func (s *Server) Start(ctx context.Context) error {
	if s.bus != nil {
		if err := s.bus.Start(ctx); err != nil {
			return fmt.Errorf("start event bus: %w", err)
		}
	}
	for _, provider := range s.transports {
		if err := provider.Start(ctx); err != nil {
			s.Logger.Error("transport failed to start", err, loggingpkg.LogFields{"transport": provider.Name()})
			return fmt.Errorf("start transport %s: %w", provider.Name(), err)
		}
		s.Logger.Info("transport started", loggingpkg.LogFields{"transport": provider.Name()})
	}
	s.notify(LifecycleEvent{Kind: LifecycleServing, Transports: s.TransportNames()})
	return nil
}

// End stops every transport, continuing past failures, then the event bus.
// The returned error joins every failure.
func (s *Server) End(ctx context.Context) error {
	var errs []error
	for _, provider := range s.transports {
		if err := provider.End(ctx); err != nil {
			s.Logger.Error("transport failed to stop", err, loggingpkg.LogFields{"transport": provider.Name()})
			errs = append(errs, fmt.Errorf("end transport %s: %w", provider.Name(), err))
			continue
		}
		s.Logger.Info("transport stopped", loggingpkg.LogFields{"transport": provider.Name()})
	}
	s.notify(LifecycleEvent{Kind: LifecycleStopped, Transports: s.TransportNames()})

	if s.bus != nil {
		if err := s.bus.End(ctx); err != nil {
			errs = append(errs, fmt.Errorf("end event bus: %w", err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
