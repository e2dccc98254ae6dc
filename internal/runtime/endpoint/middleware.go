package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	idspkg "github.com/drblury/chassis/internal/runtime/ids"
)

// TracerName is the instrumentation scope of endpoint spans.
const TracerName = "github.com/drblury/chassis/endpoint"

// Recoverer turns a panic in the wrapped endpoint into an Internal error.
func Recoverer() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, request any) (response any, err error) {
			defer func() {
				if r := recover(); r != nil {
					var cause error
					if e, ok := r.(error); ok {
						cause = e
					} else {
						cause = fmt.Errorf("%v", r)
					}
					err = &errspkg.Error{Kind: errspkg.KindInternal, Op: "panic", Msg: "recovered", Err: cause}
					response = nil
				}
			}()
			return next(ctx, request)
		}
	}
}

// CorrelationID makes sure every call carries a correlation identifier,
// generating a ULID when the transport did not supply one.
func CorrelationID() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			if CorrelationIDFrom(ctx) == "" {
				ctx = WithCorrelationID(ctx, idspkg.CreateULID())
			}
			return next(ctx, request)
		}
	}
}

// Tracer wraps each call in a span. A nil tracer uses the global provider.
func Tracer(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			info, _ := CallInfoFrom(ctx)
			ctx, span := tracer.Start(ctx, info.String(), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("chassis.service", info.Service),
				attribute.String("chassis.method", info.Method),
				attribute.String("chassis.transport", info.Transport),
			)
			if id := CorrelationIDFrom(ctx); id != "" {
				span.SetAttributes(attribute.String("chassis.correlation_id", id))
			}

			response, err := next(ctx, request)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, errspkg.KindOf(err).String())
			}
			return response, err
		}
	}
}

// Metrics holds the collectors of the metrics middleware.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the endpoint collectors on reg, reusing collectors
// that are already registered there.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chassis",
		Subsystem: "endpoint",
		Name:      "requests_total",
		Help:      "Number of endpoint invocations by outcome.",
	}, []string{"service", "method", "transport", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chassis",
		Subsystem: "endpoint",
		Name:      "duration_seconds",
		Help:      "Endpoint invocation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "method", "transport"})

	var err error
	if requests, err = register(reg, requests); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	return &Metrics{requests: requests, duration: duration}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Middleware counts calls by outcome and observes their latency.
func (m *Metrics) Middleware() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			info, _ := CallInfoFrom(ctx)
			start := time.Now()
			response, err := next(ctx, request)

			outcome := "ok"
			if err != nil {
				outcome = errspkg.KindOf(err).String()
			}
			m.requests.WithLabelValues(info.Service, info.Method, info.Transport, outcome).Inc()
			m.duration.WithLabelValues(info.Service, info.Method, info.Transport).Observe(time.Since(start).Seconds())
			return response, err
		}
	}
}
