package http_test

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
	"github.com/drblury/chassis/transport"
	httptransport "github.com/drblury/chassis/transport/http"
)

func userMethods() transport.Methods {
	return transport.Methods{
		"get": func(_ context.Context, req any) (any, error) {
			return map[string]any{"echo": req}, nil
		},
		"whoami": func(ctx context.Context, _ any) (any, error) {
			return endpoint.CorrelationIDFrom(ctx), nil
		},
		"register": func(context.Context, any) (any, error) {
			return nil, errspkg.New(errspkg.KindInvalidArgument, "user.register", "email is required")
		},
		"crash": func(context.Context, any) (any, error) {
			return nil, errors.New("plain failure")
		},
		"later": nil,
	}
}

func newTestServer(t *testing.T, cfg configpkg.TransportConfig, opts ...httptransport.Option) (*httptransport.Server, *httptest.Server) {
	t.Helper()
	srv := httptransport.NewServer(cfg, nil, opts...)
	require.NoError(t, srv.Bind("user", userMethods()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newClient(t *testing.T) *httptransport.Client {
	t.Helper()
	client, err := httptransport.NewClient(configpkg.ClientConfig{Service: "user"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.End(context.Background()) })
	return client
}

func post(t *testing.T, url, body string) (int, transport.Response) {
	t.Helper()
	res, err := nethttp.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	var envelope transport.Response
	require.NoError(t, jsoncodec.Decode(res.Body, &envelope))
	return res.StatusCode, envelope
}

func TestCallRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api"})
	client := newClient(t)
	ctx := context.Background()

	get, err := client.Endpoint(ctx, "get", ts.URL)
	require.NoError(t, err)
	resp, err := get(ctx, map[string]any{"id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": map[string]any{"id": "u1"}}, resp)
}

func TestCorrelationIDCrossesTheWire(t *testing.T) {
	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api"})
	client := newClient(t)

	whoami, err := client.Endpoint(context.Background(), "whoami", ts.URL)
	require.NoError(t, err)
	ctx := endpoint.WithCorrelationID(context.Background(), "corr-42")
	resp, err := whoami(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "corr-42", resp)
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api"})
	client := newClient(t)
	ctx := context.Background()

	cases := map[string]errspkg.Kind{
		"register": errspkg.KindInvalidArgument,
		"crash":    errspkg.KindInternal,
		"later":    errspkg.KindUnimplemented,
	}
	for method, kind := range cases {
		t.Run(method, func(t *testing.T) {
			ep, err := client.Endpoint(ctx, method, ts.URL)
			require.NoError(t, err)
			_, err = ep(ctx, nil)
			require.Error(t, err)
			assert.Equal(t, kind, errspkg.KindOf(err))
		})
	}

	ep, err := client.Endpoint(ctx, "register", ts.URL)
	require.NoError(t, err)
	_, err = ep(ctx, nil)
	assert.Equal(t, "email is required", errspkg.Message(err))
}

func TestStatusCodes(t *testing.T) {
	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api"})

	status, envelope := post(t, ts.URL+"/billing/charge", "")
	assert.Equal(t, nethttp.StatusNotFound, status)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "not_found", envelope.Error.Kind)

	status, envelope = post(t, ts.URL+"/user/later", "")
	assert.Equal(t, nethttp.StatusNotImplemented, status)
	assert.Equal(t, "unimplemented", envelope.Error.Kind)

	status, envelope = post(t, ts.URL+"/user/get", "{not json")
	assert.Equal(t, nethttp.StatusBadRequest, status)
	assert.Equal(t, "encoding", envelope.Error.Kind)

	status, envelope = post(t, ts.URL+"/user/get", "")
	assert.Equal(t, nethttp.StatusOK, status)
	assert.Nil(t, envelope.Error)
	assert.Equal(t, map[string]any{"echo": map[string]any{}}, envelope.Data)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, nethttp.StatusBadRequest, httptransport.StatusFor(errspkg.KindInvalidArgument))
	assert.Equal(t, nethttp.StatusBadRequest, httptransport.StatusFor(errspkg.KindEncoding))
	assert.Equal(t, nethttp.StatusServiceUnavailable, httptransport.StatusFor(errspkg.KindNoEndpoints))
	assert.Equal(t, nethttp.StatusServiceUnavailable, httptransport.StatusFor(errspkg.KindProviderUnavailable))
	assert.Equal(t, nethttp.StatusInternalServerError, httptransport.StatusFor(errspkg.KindInternal))
	assert.Equal(t, nethttp.StatusInternalServerError, httptransport.StatusFor(errspkg.KindConfiguration))
}

func TestRateLimit(t *testing.T) {
	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api", RateLimit: 1})

	var limited *transport.Response
	for range 3 {
		status, envelope := post(t, ts.URL+"/user/get", "{}")
		if status == nethttp.StatusTooManyRequests {
			limited = &envelope
		}
	}
	require.NotNil(t, limited)
	require.NotNil(t, limited.Error)
	assert.Equal(t, "provider_unavailable", limited.Error.Kind)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	calls := prometheus.NewCounter(prometheus.CounterOpts{Name: "chassis_test_calls_total", Help: "test"})
	reg.MustRegister(calls)
	calls.Inc()

	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api", Metrics: true}, httptransport.WithGatherer(reg))
	res, err := nethttp.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "chassis_test_calls_total 1")
}

func TestMetricsDisabled(t *testing.T) {
	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api"})
	res, err := nethttp.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, nethttp.StatusNotFound, res.StatusCode)
}

func TestServerSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api"}, httptransport.WithTracerProvider(tp))
	status, _ := post(t, ts.URL+"/user/get", "{}")
	require.Equal(t, nethttp.StatusOK, status)

	require.Eventually(t, func() bool {
		for _, span := range recorder.Ended() {
			if span.Name() == "POST /user/get" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestEndpointValidation(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	_, err := client.Endpoint(ctx, "get", "not a url")
	assert.True(t, errors.Is(err, errspkg.ErrInvalidArgument))
	_, err = client.Endpoint(ctx, "get", "ftp://host:21")
	assert.True(t, errors.Is(err, errspkg.ErrInvalidArgument))
	_, err = client.Endpoint(ctx, "", "http://127.0.0.1:1")
	assert.True(t, errors.Is(err, errspkg.ErrInvalidArgument))

	_, err = httptransport.NewClient(configpkg.ClientConfig{}, nil)
	assert.True(t, errors.Is(err, errspkg.ErrConfiguration))
}

func TestUnreachableInstance(t *testing.T) {
	ts := httptest.NewServer(nethttp.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	client := newClient(t)
	ep, err := client.Endpoint(context.Background(), "get", addr)
	require.NoError(t, err)
	_, err = ep(context.Background(), nil)
	assert.Equal(t, errspkg.KindProviderUnavailable, errspkg.KindOf(err))
}

func TestClientEnd(t *testing.T) {
	_, ts := newTestServer(t, configpkg.TransportConfig{Name: "api"})
	client := newClient(t)
	ep, err := client.Endpoint(context.Background(), "get", ts.URL)
	require.NoError(t, err)

	require.NoError(t, client.End(context.Background()))
	_, err = ep(context.Background(), nil)
	assert.Equal(t, errspkg.KindProviderUnavailable, errspkg.KindOf(err))
}

func TestStartServesOnListener(t *testing.T) {
	srv := httptransport.NewServer(configpkg.TransportConfig{Name: "api", Addr: "127.0.0.1:0"}, nil)
	require.NoError(t, srv.Bind("user", userMethods()))
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.End(context.Background()) })

	client := newClient(t)
	ep, err := client.Endpoint(context.Background(), "get", "http://"+srv.Addr())
	require.NoError(t, err)
	resp, err := ep(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, resp)

	require.NoError(t, srv.End(context.Background()))
	require.NoError(t, srv.End(context.Background()))
}

func TestRegister(t *testing.T) {
	r := transport.NewRegistry()
	httptransport.Register(r)

	caps := r.Capabilities(httptransport.ProviderName)
	assert.True(t, caps.Remote)
	assert.True(t, caps.RateLimit)
	assert.True(t, caps.Metrics)
	assert.True(t, caps.Client)

	provider, err := r.BuildServer(context.Background(), configpkg.TransportConfig{Name: "api", Provider: "http"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "api", provider.Name())

	client, err := r.BuildClient(context.Background(), configpkg.ClientConfig{Service: "user", Transport: "http"}, nil)
	require.NoError(t, err)
	require.NoError(t, client.End(context.Background()))
}

func TestBindRequiresService(t *testing.T) {
	srv := httptransport.NewServer(configpkg.TransportConfig{Name: "api"}, nil)
	err := srv.Bind("", transport.Methods{})
	assert.True(t, errors.Is(err, errspkg.ErrInvalidArgument))
}
