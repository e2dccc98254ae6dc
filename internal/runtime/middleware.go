package runtime

import (
	"errors"
	"fmt"

	"github.com/drblury/chassis/internal/runtime/endpoint"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// MiddlewareBuilder constructs an endpoint middleware using the server it is
// registered on. Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Server) (endpoint.Middleware, error)

// MiddlewareRegistration captures how a middleware is added to a Server chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware endpoint.Middleware
	Builder    MiddlewareBuilder
}

type namedMiddleware struct {
	name       string
	middleware endpoint.Middleware
}

// DefaultMiddlewares returns the chain NewServer installs. Requests traverse
// the middlewares in the order listed.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		MetricsMiddleware(),
	}
}

// RecovererMiddleware converts panics into Internal errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: endpoint.Recoverer(),
	}
}

// CorrelationIDMiddleware ensures every call carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: endpoint.CorrelationID(),
	}
}

// TracerMiddleware wraps each call in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Server) (endpoint.Middleware, error) {
			return endpoint.Tracer(s.tracerProvider.Tracer(endpoint.TracerName)), nil
		},
	}
}

// MetricsMiddleware counts calls and observes their latency with Prometheus.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Server) (endpoint.Middleware, error) {
			m, err := endpoint.NewMetrics(s.registerer)
			if err != nil {
				return nil, err
			}
			return m.Middleware(), nil
		},
	}
}

// RegisterMiddleware appends a middleware to the chain of the server.
// Services bound afterwards use it; existing bindings are unchanged.
func (s *Server) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw endpoint.Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return fmt.Errorf("build middleware %s: %w", middlewareName(cfg), err)
		}
		if mw == nil {
			s.Logger.Debug("middleware skipped", loggingpkg.LogFields{"middleware": middlewareName(cfg)})
			return nil
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	s.mwMu.Lock()
	s.middlewares = append(s.middlewares, namedMiddleware{name: middlewareName(cfg), middleware: mw})
	s.mwMu.Unlock()
	return nil
}

// MiddlewareNames lists the registered middlewares in chain order.
func (s *Server) MiddlewareNames() []string {
	s.mwMu.RLock()
	defer s.mwMu.RUnlock()
	names := make([]string, len(s.middlewares))
	for i, m := range s.middlewares {
		names[i] = m.name
	}
	return names
}

func (s *Server) chain() endpoint.Middleware {
	s.mwMu.RLock()
	defer s.mwMu.RUnlock()
	mws := make([]endpoint.Middleware, len(s.middlewares))
	for i, m := range s.middlewares {
		mws[i] = m.middleware
	}
	return endpoint.Chain(mws...)
}

func middlewareName(cfg MiddlewareRegistration) string {
	if cfg.Name == "" {
		return "anonymous_middleware"
	}
	return cfg.Name
}
