package pipe_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/transport"
	"github.com/drblury/chassis/transport/pipe"
)

func startServer(t *testing.T, dir *pipe.Directory, addr string) *pipe.Server {
	t.Helper()
	srv := pipe.NewServer(configpkg.TransportConfig{Name: "pipeline", Provider: pipe.ProviderName, Addr: addr}, dir, nil)
	require.NoError(t, srv.Bind("user", transport.Methods{
		"get": func(_ context.Context, req any) (any, error) {
			return map[string]any{"echo": req}, nil
		},
		"register": func(context.Context, any) (any, error) {
			return nil, errspkg.New(errspkg.KindInvalidArgument, "user.register", "email is required")
		},
		"crash": func(context.Context, any) (any, error) {
			return nil, errors.New("plain failure")
		},
	}))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.End(context.Background()) })
	return srv
}

func TestCallThroughDirectory(t *testing.T) {
	dir := pipe.NewDirectory()
	startServer(t, dir, "pipe:50051")

	client, err := pipe.NewClient(configpkg.ClientConfig{Service: "user"}, dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	get, err := client.Endpoint(ctx, "get", "pipe:50051")
	require.NoError(t, err)
	resp, err := get(ctx, map[string]any{"id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": map[string]any{"id": "u1"}}, resp)

	resp, err = get(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": map[string]any{}}, resp)
}

func TestErrorKindsSurviveTheBoundary(t *testing.T) {
	dir := pipe.NewDirectory()
	startServer(t, dir, "pipe:1")
	client, err := pipe.NewClient(configpkg.ClientConfig{Service: "user"}, dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	register, err := client.Endpoint(ctx, "register", "pipe:1")
	require.NoError(t, err)
	_, err = register(ctx, nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	assert.Equal(t, "email is required", errspkg.Message(err))

	crash, err := client.Endpoint(ctx, "crash", "pipe:1")
	require.NoError(t, err)
	_, err = crash(ctx, nil)
	assert.ErrorIs(t, err, errspkg.ErrInternal)
	assert.Equal(t, "plain failure", errspkg.Message(err))

	missing, err := client.Endpoint(ctx, "delete", "pipe:1")
	require.NoError(t, err)
	_, err = missing(ctx, nil)
	assert.ErrorIs(t, err, errspkg.ErrUnimplemented)
}

func TestEndpointRequiresServerAndService(t *testing.T) {
	dir := pipe.NewDirectory()
	startServer(t, dir, "pipe:1")
	ctx := context.Background()

	client, err := pipe.NewClient(configpkg.ClientConfig{Service: "user"}, dir, nil)
	require.NoError(t, err)
	_, err = client.Endpoint(ctx, "get", "pipe:2")
	assert.ErrorIs(t, err, errspkg.ErrNotFound)

	other, err := pipe.NewClient(configpkg.ClientConfig{Service: "order"}, dir, nil)
	require.NoError(t, err)
	_, err = other.Endpoint(ctx, "get", "pipe:1")
	assert.ErrorIs(t, err, errspkg.ErrNotFound)

	_, err = pipe.NewClient(configpkg.ClientConfig{}, dir, nil)
	assert.ErrorIs(t, err, errspkg.ErrServiceRequired)
}

func TestLifecycle(t *testing.T) {
	dir := pipe.NewDirectory()
	srv := startServer(t, dir, "pipe:1")
	ctx := context.Background()

	clash := pipe.NewServer(configpkg.TransportConfig{Name: "other", Addr: "pipe:1"}, dir, nil)
	assert.ErrorIs(t, clash.Start(ctx), errspkg.ErrConfiguration)

	client, err := pipe.NewClient(configpkg.ClientConfig{Service: "user"}, dir, nil)
	require.NoError(t, err)
	get, err := client.Endpoint(ctx, "get", "pipe:1")
	require.NoError(t, err)

	require.NoError(t, srv.End(ctx))
	_, err = get(ctx, nil)
	assert.ErrorIs(t, err, errspkg.ErrProviderUnavailable)

	require.NoError(t, srv.Start(ctx))
	_, err = get(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, client.End(ctx))
	_, err = get(ctx, nil)
	assert.ErrorIs(t, err, errspkg.ErrProviderUnavailable)
}

func TestEmptyBindKeepsServiceKnown(t *testing.T) {
	dir := pipe.NewDirectory()
	srv := pipe.NewServer(configpkg.TransportConfig{Name: "pipeline"}, dir, nil)
	require.NoError(t, srv.Bind("health", transport.Methods{}))
	assert.Equal(t, []string{"health"}, srv.Services())
	assert.Empty(t, srv.Methods("health"))
	assert.Equal(t, "pipeline", srv.Addr())
	assert.ErrorIs(t, srv.Bind("", nil), errspkg.ErrInvalidArgument)
}

func TestRegister(t *testing.T) {
	r := transport.NewRegistry()
	dir := pipe.NewDirectory()
	pipe.Register(r, dir)

	assert.True(t, r.Has(pipe.ProviderName))
	assert.True(t, r.Capabilities(pipe.ProviderName).Client)
	assert.False(t, r.Capabilities(pipe.ProviderName).Remote)

	p, err := r.BuildServer(context.Background(), configpkg.TransportConfig{Name: "pipeline", Provider: "pipe"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", p.Name())

	_, err = r.BuildServer(context.Background(), configpkg.TransportConfig{Name: "x", Provider: "grpc"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrConfiguration)

	c, err := r.BuildClient(context.Background(), configpkg.ClientConfig{Service: "user", Transport: "pipe"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.End(context.Background()))
}
