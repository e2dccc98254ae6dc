package client_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drblury/chassis/internal/runtime/client"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/logging/logtest"
	"github.com/drblury/chassis/transport"
	"github.com/drblury/chassis/transport/pipe"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingEndpoint struct {
	calls atomic.Int32
	resp  any
	err   error
}

func (c *countingEndpoint) endpoint() endpoint.Endpoint {
	return func(context.Context, any) (any, error) {
		c.calls.Add(1)
		return c.resp, c.err
	}
}

func pool(eps ...endpoint.Endpoint) client.Publisher {
	return client.PublisherFunc(func() []endpoint.Endpoint { return eps })
}

func TestStaticPublisherDropsFailingInstances(t *testing.T) {
	log := logtest.New()
	factory := func(_ context.Context, instance string) (endpoint.Endpoint, error) {
		if instance == "bad" {
			return nil, errors.New("dial failed")
		}
		return endpoint.Nop, nil
	}

	pub, err := client.NewStaticPublisher(context.Background(), []string{"a", "bad", "b"}, factory, log)
	require.NoError(t, err)
	assert.Len(t, pub.Endpoints(), 2)
	require.Len(t, log.Find("error", "instance dropped"), 1)
	assert.Equal(t, "bad", log.Find("error", "instance dropped")[0].Fields["instance"])
}

func TestStaticPublisherEmptyPool(t *testing.T) {
	factory := func(context.Context, string) (endpoint.Endpoint, error) {
		return nil, errors.New("dial failed")
	}
	_, err := client.NewStaticPublisher(context.Background(), []string{"a"}, factory, nil)
	assert.ErrorIs(t, err, errspkg.ErrNoEndpoints)

	_, err = client.NewStaticPublisher(context.Background(), nil, factory, nil)
	assert.ErrorIs(t, err, errspkg.ErrNoEndpoints)

	_, err = client.NewStaticPublisher(context.Background(), []string{"a"}, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestRoundRobinCycles(t *testing.T) {
	var picked []int
	eps := make([]endpoint.Endpoint, 3)
	for i := range eps {
		eps[i] = func(context.Context, any) (any, error) {
			picked = append(picked, i)
			return nil, nil
		}
	}
	lb := client.RoundRobin(pool(eps...))
	for range 5 {
		ep, ok := lb.Next()
		require.True(t, ok)
		_, _ = ep(context.Background(), nil)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1}, picked)
}

func TestBalancersOnEmptyPool(t *testing.T) {
	for name, lb := range map[string]client.LoadBalancer{
		"round robin": client.RoundRobin(pool()),
		"random":      client.Random(pool(), 7),
	} {
		t.Run(name, func(t *testing.T) {
			ep, ok := lb.Next()
			assert.False(t, ok)
			assert.Nil(t, ep)
		})
	}
}

func TestRandomIsSeeded(t *testing.T) {
	eps := make([]endpoint.Endpoint, 4)
	for i := range eps {
		eps[i] = func(context.Context, any) (any, error) { return i, nil }
	}
	sequence := func(lb client.LoadBalancer) []any {
		var out []any
		for range 10 {
			ep, ok := lb.Next()
			require.True(t, ok)
			v, _ := ep(context.Background(), nil)
			out = append(out, v)
		}
		return out
	}
	assert.Equal(t, sequence(client.Random(pool(eps...), 42)), sequence(client.Random(pool(eps...), 42)))
}

func TestRetryMovesToTheNextEndpoint(t *testing.T) {
	failing := &countingEndpoint{err: errors.New("connection refused")}
	healthy := &countingEndpoint{resp: "ok"}
	lb := client.RoundRobin(pool(failing.endpoint(), healthy.endpoint()))

	resp, err := client.Retry(3, time.Second, lb)(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(1), healthy.calls.Load())
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	failing := &countingEndpoint{err: errspkg.New(errspkg.KindInvalidArgument, "user.get", "bad id")}
	lb := client.RoundRobin(pool(failing.endpoint()))

	_, err := client.Retry(3, time.Second, lb, client.WithMaxBackoff(0))(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "bad id")
	assert.Equal(t, int32(3), failing.calls.Load())
}

func TestRetryCountsEmptyPoolAsAttempt(t *testing.T) {
	var calls atomic.Int32
	pub := client.PublisherFunc(func() []endpoint.Endpoint {
		if calls.Add(1) < 3 {
			return nil
		}
		return []endpoint.Endpoint{func(context.Context, any) (any, error) { return "late", nil }}
	})

	resp, err := client.Retry(3, time.Second, client.RoundRobin(pub))(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "late", resp)

	calls.Store(-10)
	_, err = client.Retry(2, time.Second, client.RoundRobin(pub))(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrNoEndpoints)
}

func TestRetryAbandonsSlowAttempts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := func(ctx context.Context, _ any) (any, error) {
		select {
		case <-release:
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fast := &countingEndpoint{resp: "fast"}
	lb := client.RoundRobin(pool(slow, fast.endpoint()))

	start := time.Now()
	resp, err := client.Retry(2, 20*time.Millisecond, lb)(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", resp)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryTimeoutIsAFailure(t *testing.T) {
	hang := func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := client.Retry(2, 10*time.Millisecond, client.RoundRobin(pool(hang)))(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrProviderUnavailable)
}

func TestRetryIfStopsEarly(t *testing.T) {
	failing := &countingEndpoint{err: errspkg.New(errspkg.KindInvalidArgument, "user.get", "bad id")}
	ep := client.Retry(5, time.Second, client.RoundRobin(pool(failing.endpoint())),
		client.WithRetryIf(func(err error) bool { return !errors.Is(err, errspkg.ErrInvalidArgument) }))

	_, err := ep(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	assert.Equal(t, int32(1), failing.calls.Load())
}

func TestRetryRecoversPanics(t *testing.T) {
	panicking := func(context.Context, any) (any, error) { panic("boom") }
	_, err := client.Retry(1, time.Second, client.RoundRobin(pool(panicking)))(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrInternal)
}

func TestBreakerOpens(t *testing.T) {
	failing := &countingEndpoint{err: errors.New("down")}
	ep := client.Breaker("user", failing.endpoint(), client.BreakerSettings{Threshold: 2, OpenTimeout: time.Minute})

	for range 2 {
		_, err := ep(context.Background(), nil)
		assert.EqualError(t, err, "down")
	}
	_, err := ep(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrProviderUnavailable)
	assert.Equal(t, int32(2), failing.calls.Load())
}

func TestClientOverPipe(t *testing.T) {
	ctx := context.Background()
	dir := pipe.NewDirectory()
	registry := transport.NewRegistry()
	pipe.Register(registry, dir)

	for _, addr := range []string{"pipe:1", "pipe:2"} {
		srv := pipe.NewServer(configpkg.TransportConfig{Name: addr, Provider: pipe.ProviderName, Addr: addr}, dir, nil)
		require.NoError(t, srv.Bind("user", transport.Methods{
			"whoami": func(context.Context, any) (any, error) { return addr, nil },
		}))
		require.NoError(t, srv.Start(ctx))
		t.Cleanup(func() { _ = srv.End(ctx) })
	}

	cfg := configpkg.ClientConfig{
		Service:   "user",
		Transport: pipe.ProviderName,
		Publisher: configpkg.PublisherConfig{Name: client.PublisherStatic, Instances: []string{"pipe:1", "pipe:missing", "pipe:2"}},
		Retry:     configpkg.RetryConfig{Max: 2, Timeout: time.Second},
		Breaker:   true,
	}
	cl, err := client.NewFromRegistry(ctx, "user", cfg, registry, nil)
	require.NoError(t, err)
	defer func() { _ = cl.End(ctx) }()

	first, err := cl.Call(ctx, "whoami", nil)
	require.NoError(t, err)
	second, err := cl.Call(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"pipe:1", "pipe:2"}, []any{first, second})

	_, err = cl.Call(ctx, "unknown", nil)
	assert.Error(t, err)
}

func TestNewClientRejectsUnknownStrategies(t *testing.T) {
	tc, err := pipe.NewClient(configpkg.ClientConfig{Service: "user"}, pipe.NewDirectory(), nil)
	require.NoError(t, err)

	_, err = client.NewClient("user", configpkg.ClientConfig{
		Service:      "user",
		Publisher:    configpkg.PublisherConfig{Instances: []string{"a"}},
		LoadBalancer: configpkg.LoadBalancerConfig{Name: "weighted"},
	}, tc, nil)
	assert.ErrorIs(t, err, errspkg.ErrConfiguration)

	_, err = client.NewClient("user", configpkg.ClientConfig{Service: "user"}, tc, nil)
	assert.ErrorIs(t, err, errspkg.ErrConfiguration)
}
