// Package http exposes bound services as JSON over HTTP. Every method is a
// POST /{service}/{method}; the body is the request and the reply is a
// transport.Response envelope.
package http

import (
	"context"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/transport"
)

// ProviderName is the transport provider value selecting http.
const ProviderName = "http"

// CorrelationHeader carries the correlation ID of a call.
const CorrelationHeader = "X-Correlation-ID"

const (
	maxBodyBytes      = 4 << 20
	readHeaderTimeout = 5 * time.Second
)

var capabilities = transport.Capabilities{
	Name:      ProviderName,
	Remote:    true,
	RateLimit: true,
	Metrics:   true,
}

// Register adds the http server and client to r.
func Register(r *transport.Registry, opts ...Option) {
	r.Register(ProviderName,
		func(_ context.Context, cfg configpkg.TransportConfig, logger loggingpkg.ServiceLogger) (transport.Provider, error) {
			return NewServer(cfg, logger, opts...), nil
		},
		func(_ context.Context, cfg configpkg.ClientConfig, logger loggingpkg.ServiceLogger) (transport.Client, error) {
			return NewClient(cfg, logger, opts...)
		},
		capabilities,
	)
}

type options struct {
	gatherer       prometheus.Gatherer
	tracerProvider trace.TracerProvider
	httpClient     *nethttp.Client
}

// Option customises servers and clients.
type Option func(*options)

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *options) { o.gatherer = g }
}

// WithTracerProvider sets the provider used by the otelhttp instrumentation.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithHTTPClient replaces the client used for outbound calls. Its transport
// is wrapped with otelhttp.
func WithHTTPClient(c *nethttp.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func buildOptions(opts []Option) options {
	o := options{
		gatherer:       prometheus.DefaultGatherer,
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StatusFor maps an error kind to the HTTP status of the response.
func StatusFor(kind errspkg.Kind) int {
	switch kind {
	case errspkg.KindInvalidArgument, errspkg.KindEncoding:
		return nethttp.StatusBadRequest
	case errspkg.KindNotFound:
		return nethttp.StatusNotFound
	case errspkg.KindUnimplemented, errspkg.KindUnsupported:
		return nethttp.StatusNotImplemented
	case errspkg.KindNoEndpoints, errspkg.KindProviderUnavailable, errspkg.KindNoProvider:
		return nethttp.StatusServiceUnavailable
	default:
		return nethttp.StatusInternalServerError
	}
}

// Server is the http transport instance.
type Server struct {
	name    string
	addr    string
	table   *transport.BindTable
	logger  loggingpkg.ServiceLogger
	handler nethttp.Handler

	mu       sync.Mutex
	srv      *nethttp.Server
	listener net.Listener
	served   chan struct{}
}

func NewServer(cfg configpkg.TransportConfig, logger loggingpkg.ServiceLogger, opts ...Option) *Server {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	o := buildOptions(opts)
	s := &Server{
		name:   cfg.Name,
		addr:   cfg.Addr,
		table:  transport.NewBindTable(),
		logger: logger.With(loggingpkg.LogFields{"transport": cfg.Name, "provider": ProviderName}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	}
	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(rateLimit(cfg.RateLimit))
		}
		r.Post("/{service}/{method}", s.handleCall)
	})

	s.handler = otelhttp.NewHandler(r, "chassis.http",
		otelhttp.WithTracerProvider(o.tracerProvider),
		otelhttp.WithFilter(func(r *nethttp.Request) bool { return r.URL.Path != "/metrics" }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *nethttp.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

func rateLimit(perSecond int) func(nethttp.Handler) nethttp.Handler {
	return httprate.Limit(
		perSecond,
		time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			w.Header().Set("Retry-After", "1")
			writeResponse(w, nethttp.StatusTooManyRequests, transport.Response{
				Error: &transport.WireError{
					Kind:    errspkg.KindProviderUnavailable.String(),
					Message: "rate limit exceeded",
				},
			})
		}),
	)
}

func (s *Server) Name() string { return s.name }

// Handler returns the instrumented router, for mounting or httptest.
func (s *Server) Handler() nethttp.Handler { return s.handler }

func (s *Server) Bind(service string, methods transport.Methods) error {
	if service == "" {
		return errspkg.Wrap(errspkg.KindInvalidArgument, "http.bind", errspkg.ErrServiceRequired)
	}
	s.table.Set(service, methods)
	s.logger.Debug("service bound", loggingpkg.LogFields{
		"service": service,
		"methods": s.table.Methods(service),
	})
	return nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "http.start", err)
	}
	srv := &nethttp.Server{Handler: s.handler, ReadHeaderTimeout: readHeaderTimeout}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			s.logger.Error("http server stopped", err, nil)
		}
	}()
	s.srv, s.listener, s.served = srv, ln, served
	s.logger.Info("transport serving", loggingpkg.LogFields{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound listen address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// End shuts the server down gracefully within ctx.
func (s *Server) End(ctx context.Context) error {
	s.mu.Lock()
	srv, served := s.srv, s.served
	s.srv, s.listener, s.served = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-served
	return err
}

func (s *Server) handleCall(w nethttp.ResponseWriter, r *nethttp.Request) {
	service, method := chi.URLParam(r, "service"), chi.URLParam(r, "method")

	ep, known := s.table.Lookup(service, method)
	switch {
	case !known:
		s.writeError(w, errspkg.Newf(errspkg.KindNotFound, "http.call", "server does not have service %s", service))
		return
	case ep == nil:
		s.writeError(w, errspkg.Newf(errspkg.KindUnimplemented, "http.call", "%s/%s is not bound", service, method))
		return
	}

	request, err := decodeRequest(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	if id := r.Header.Get(CorrelationHeader); id != "" {
		ctx = endpoint.WithCorrelationID(ctx, id)
	}
	resp, err := ep(ctx, request)
	if id := endpoint.CorrelationIDFrom(ctx); id != "" {
		w.Header().Set(CorrelationHeader, id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeResponse(w, nethttp.StatusOK, transport.Response{Data: resp})
}

func decodeRequest(body io.Reader) (any, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "http.decode", err)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var request any
	if err := jsoncodec.Unmarshal(data, &request); err != nil {
		return nil, errspkg.Wrap(errspkg.KindEncoding, "http.decode", err)
	}
	return request, nil
}

func (s *Server) writeError(w nethttp.ResponseWriter, err error) {
	wire := transport.EncodeError(err)
	writeResponse(w, StatusFor(errspkg.KindOf(err)), transport.Response{Error: wire})
}

func writeResponse(w nethttp.ResponseWriter, status int, resp transport.Response) {
	data, err := jsoncodec.Marshal(resp)
	if err != nil {
		status = nethttp.StatusInternalServerError
		data, _ = jsoncodec.Marshal(transport.Response{Error: transport.EncodeError(
			errspkg.Wrap(errspkg.KindEncoding, "http.encode", err),
		)})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
