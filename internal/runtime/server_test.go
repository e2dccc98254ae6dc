package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chassis/events"
	"github.com/drblury/chassis/events/local"
	"github.com/drblury/chassis/internal/runtime"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/internal/runtime/logging/logtest"
	"github.com/drblury/chassis/transport"
	"github.com/drblury/chassis/transport/pipe"
)

type harness struct {
	server *runtime.Server
	dir    *pipe.Directory
	log    *logtest.Recorder
	events []runtime.LifecycleEvent
	mu     sync.Mutex
}

func (h *harness) lifecycle() []runtime.LifecycleEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]runtime.LifecycleEvent(nil), h.events...)
}

func newHarness(t *testing.T, conf *configpkg.Config, mutate ...func(*runtime.ServerDependencies)) *harness {
	t.Helper()
	h := &harness{dir: pipe.NewDirectory(), log: logtest.New()}
	registry := transport.NewRegistry()
	pipe.Register(registry, h.dir)

	deps := runtime.ServerDependencies{
		Transports: registry,
		Registerer: prometheus.NewRegistry(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	srv, err := runtime.NewServer(context.Background(), conf, h.log, deps)
	require.NoError(t, err)
	srv.OnLifecycle(func(ev runtime.LifecycleEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	h.server = srv
	return h
}

func userConfig() *configpkg.Config {
	return &configpkg.Config{
		Server: configpkg.ServerConfig{
			Services: map[string]configpkg.ServiceConfig{
				"user": {
					"get":      {Transport: []string{"grpc"}},
					"register": {Transport: []string{}},
				},
			},
			Transports: []configpkg.TransportConfig{
				{Name: "grpc", Provider: pipe.ProviderName},
				{Name: "pipeline", Provider: pipe.ProviderName},
			},
		},
	}
}

func userService() runtime.ServiceMethods {
	return runtime.ServiceMethods{
		"get": func(_ context.Context, req any) (any, error) {
			return map[string]any{"user": req}, nil
		},
		"register": func(context.Context, any) (any, error) {
			return map[string]any{"registered": true}, nil
		},
	}
}

func pipeServer(t *testing.T, s *runtime.Server, name string) *pipe.Server {
	t.Helper()
	p, ok := s.Transport(name)
	require.True(t, ok)
	ps, ok := p.(*pipe.Server)
	require.True(t, ok)
	return ps
}

func TestBindOnlyConfiguredEndpoints(t *testing.T) {
	h := newHarness(t, userConfig())
	require.NoError(t, h.server.Bind(context.Background(), "user", userService()))

	grpc := pipeServer(t, h.server, "grpc")
	assert.Equal(t, []string{"get"}, grpc.Methods("user"))
	assert.NotEmpty(t, h.log.Find("warn", "endpoint has no transports configured"))

	other := pipeServer(t, h.server, "pipeline")
	assert.Equal(t, []string{"user"}, other.Services())
	assert.Empty(t, other.Methods("user"))

	evs := h.lifecycle()
	require.Len(t, evs, 1)
	assert.Equal(t, runtime.LifecycleBound, evs[0].Kind)
	assert.Equal(t, "user", evs[0].Service)
	assert.Equal(t, []string{"grpc", "pipeline"}, evs[0].Transports)
}

func TestBindWarnings(t *testing.T) {
	conf := userConfig()
	conf.Server.Services["user"]["get"] = configpkg.EndpointConfig{Transport: []string{"grpc", "amqp"}}
	conf.Server.Services["user"]["find"] = configpkg.EndpointConfig{Transport: []string{"grpc"}}
	h := newHarness(t, conf)

	svc := userService()
	svc["extra"] = endpoint.Nop
	require.NoError(t, h.server.Bind(context.Background(), "user", svc))

	assert.NotEmpty(t, h.log.Find("warn", "transport does not exist"))
	assert.NotEmpty(t, h.log.Find("warn", "endpoint does not have matching service method"))
	assert.NotEmpty(t, h.log.Find("warn", "service method has no endpoint configuration"))
	assert.Equal(t, []string{"get"}, pipeServer(t, h.server, "grpc").Methods("user"))
}

func TestBindErrors(t *testing.T) {
	h := newHarness(t, userConfig())
	ctx := context.Background()

	err := h.server.Bind(ctx, "billing", userService())
	assert.True(t, errors.Is(err, errspkg.ErrConfiguration))
	assert.Contains(t, err.Error(), "billing")

	assert.True(t, errors.Is(h.server.Bind(ctx, "", userService()), errspkg.ErrInvalidArgument))
	assert.True(t, errors.Is(h.server.Bind(ctx, "user", nil), errspkg.ErrInvalidArgument))
	assert.Empty(t, h.lifecycle())
}

func TestDispatchThroughTransport(t *testing.T) {
	h := newHarness(t, userConfig())
	ctx := context.Background()
	require.NoError(t, h.server.Bind(ctx, "user", userService()))
	require.NoError(t, h.server.Start(ctx))
	t.Cleanup(func() { _ = h.server.End(context.Background()) })

	client, err := pipe.NewClient(configpkg.ClientConfig{Service: "user"}, h.dir, nil)
	require.NoError(t, err)
	get, err := client.Endpoint(ctx, "get", "grpc")
	require.NoError(t, err)
	resp, err := get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": "u1"}, resp)

	_, err = client.Endpoint(ctx, "register", "grpc")
	require.NoError(t, err, "service is known even without the method")
}

func TestMiddlewareOrderAndFailures(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) endpoint.Middleware {
		return func(next endpoint.Endpoint) endpoint.Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, req)
			}
		}
	}

	h := newHarness(t, userConfig(), func(d *runtime.ServerDependencies) {
		d.Middlewares = []runtime.MiddlewareRegistration{
			{Name: "first", Middleware: record("first")},
			{Name: "second", Builder: func(*runtime.Server) (endpoint.Middleware, error) { return record("second"), nil }},
			{Name: "skipped", Builder: func(*runtime.Server) (endpoint.Middleware, error) { return nil, nil }},
		}
	})
	assert.Equal(t, []string{"recoverer", "correlation_id", "tracer", "metrics", "first", "second"}, h.server.MiddlewareNames())

	ctx := context.Background()
	svc := runtime.ServiceMethods{
		"get": func(context.Context, any) (any, error) { panic("boom") },
	}
	require.NoError(t, h.server.Bind(ctx, "user", svc))
	require.NoError(t, h.server.Start(ctx))
	t.Cleanup(func() { _ = h.server.End(context.Background()) })

	client, err := pipe.NewClient(configpkg.ClientConfig{Service: "user"}, h.dir, nil)
	require.NoError(t, err)
	get, err := client.Endpoint(ctx, "get", "grpc")
	require.NoError(t, err)
	_, err = get(ctx, nil)
	assert.Equal(t, errspkg.KindInternal, errspkg.KindOf(err))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.NotEmpty(t, h.log.Find("error", "request failed"))
}

func TestRejectedRequestsLogAtInfo(t *testing.T) {
	h := newHarness(t, userConfig(), func(d *runtime.ServerDependencies) { d.DisableDefaultMiddlewares = true })
	assert.Empty(t, h.server.MiddlewareNames())
	ctx := context.Background()

	svc := runtime.ServiceMethods{
		"get": func(context.Context, any) (any, error) {
			return nil, errspkg.New(errspkg.KindInvalidArgument, "user.get", "id is required")
		},
	}
	require.NoError(t, h.server.Bind(ctx, "user", svc))
	require.NoError(t, h.server.Start(ctx))
	t.Cleanup(func() { _ = h.server.End(context.Background()) })

	client, err := pipe.NewClient(configpkg.ClientConfig{Service: "user"}, h.dir, nil)
	require.NoError(t, err)
	get, err := client.Endpoint(ctx, "get", "grpc")
	require.NoError(t, err)
	_, err = get(ctx, nil)
	assert.True(t, errors.Is(err, errspkg.ErrInvalidArgument))
	assert.NotEmpty(t, h.log.Find("info", "request rejected"))
	assert.Empty(t, h.log.Find("error", "request failed"))
}

func TestRegisterMiddlewareErrors(t *testing.T) {
	h := newHarness(t, userConfig())
	assert.Error(t, h.server.RegisterMiddleware(runtime.MiddlewareRegistration{Name: "empty"}))

	err := h.server.RegisterMiddleware(runtime.MiddlewareRegistration{
		Name:    "broken",
		Builder: func(*runtime.Server) (endpoint.Middleware, error) { return nil, errors.New("no collector") },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestStartEndLifecycle(t *testing.T) {
	bus, err := events.NewBus(local.New(nil), logtest.New())
	require.NoError(t, err)
	h := newHarness(t, userConfig(), func(d *runtime.ServerDependencies) { d.Bus = bus })
	ctx := context.Background()

	require.NoError(t, h.server.Start(ctx))
	assert.True(t, bus.Started())
	_, ok := h.dir.Lookup("grpc")
	assert.True(t, ok)

	require.NoError(t, h.server.End(ctx))
	assert.False(t, bus.Started())
	_, ok = h.dir.Lookup("grpc")
	assert.False(t, ok)

	evs := h.lifecycle()
	require.Len(t, evs, 2)
	assert.Equal(t, runtime.LifecycleServing, evs[0].Kind)
	assert.Equal(t, []string{"grpc", "pipeline"}, evs[0].Transports)
	assert.Equal(t, runtime.LifecycleStopped, evs[1].Kind)
}

type failingTransport struct {
	name     string
	startErr error
	endErr   error
	ended    bool
}

func (f *failingTransport) Name() string                        { return f.name }
func (f *failingTransport) Bind(string, transport.Methods) error { return nil }
func (f *failingTransport) Start(context.Context) error          { return f.startErr }

func (f *failingTransport) End(context.Context) error {
	f.ended = true
	return f.endErr
}

func TestEndAttemptsEveryTransport(t *testing.T) {
	first := &failingTransport{name: "a", endErr: errors.New("a stuck")}
	second := &failingTransport{name: "b", startErr: errors.New("b refused"), endErr: errors.New("b stuck")}
	third := &failingTransport{name: "c"}
	byName := map[string]*failingTransport{"a": first, "b": second, "c": third}

	registry := transport.NewRegistry()
	registry.Register("fake", func(_ context.Context, cfg configpkg.TransportConfig, _ loggingpkg.ServiceLogger) (transport.Provider, error) {
		return byName[cfg.Name], nil
	}, nil, transport.Capabilities{})

	conf := &configpkg.Config{Server: configpkg.ServerConfig{Transports: []configpkg.TransportConfig{
		{Name: "a", Provider: "fake"}, {Name: "b", Provider: "fake"}, {Name: "c", Provider: "fake"},
	}}}
	srv, err := runtime.NewServer(context.Background(), conf, logtest.New(), runtime.ServerDependencies{
		Transports: registry,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	err = srv.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b refused")

	err = srv.End(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a stuck")
	assert.Contains(t, err.Error(), "b stuck")
	assert.True(t, first.ended)
	assert.True(t, second.ended)
	assert.True(t, third.ended)
}

func TestNewServerValidation(t *testing.T) {
	ctx := context.Background()
	_, err := runtime.NewServer(ctx, nil, logtest.New(), runtime.ServerDependencies{})
	assert.True(t, errors.Is(err, errspkg.ErrConfiguration))

	_, err = runtime.NewServer(ctx, userConfig(), nil, runtime.ServerDependencies{})
	assert.Error(t, err)

	_, err = runtime.NewServer(ctx, userConfig(), logtest.New(), runtime.ServerDependencies{})
	assert.True(t, errors.Is(err, errspkg.ErrConfiguration))

	conf := userConfig()
	conf.Server.Transports[0].Provider = "grpc"
	registry := transport.NewRegistry()
	pipe.Register(registry, pipe.NewDirectory())
	_, err = runtime.NewServer(ctx, conf, logtest.New(), runtime.ServerDependencies{Transports: registry})
	assert.True(t, errors.Is(err, errspkg.ErrConfiguration))
}
