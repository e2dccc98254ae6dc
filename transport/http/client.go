package http

import (
	"bytes"
	"context"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/transport"
)

// Client calls one service on http servers. Instances are base URLs such as
// http://10.0.0.7:8080.
type Client struct {
	service   string
	http      *nethttp.Client
	logger    loggingpkg.ServiceLogger
	connected atomic.Bool
}

func NewClient(cfg configpkg.ClientConfig, logger loggingpkg.ServiceLogger, opts ...Option) (*Client, error) {
	if cfg.Service == "" {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "http.client", errspkg.ErrServiceRequired)
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	o := buildOptions(opts)

	base := nethttp.DefaultTransport
	hc := &nethttp.Client{}
	if o.httpClient != nil {
		copied := *o.httpClient
		hc = &copied
		if hc.Transport != nil {
			base = hc.Transport
		}
	}
	hc.Transport = otelhttp.NewTransport(base, otelhttp.WithTracerProvider(o.tracerProvider))

	c := &Client{
		service: cfg.Service,
		http:    hc,
		logger:  logger.With(loggingpkg.LogFields{"provider": ProviderName, "service": cfg.Service}),
	}
	c.connected.Store(true)
	return c, nil
}

// Endpoint validates instance and returns a callable posting to
// instance/service/method.
func (c *Client) Endpoint(_ context.Context, method, instance string) (endpoint.Endpoint, error) {
	if method == "" {
		return nil, errspkg.New(errspkg.KindInvalidArgument, "http.endpoint", "method is required")
	}
	base, err := url.Parse(instance)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, errspkg.Newf(errspkg.KindInvalidArgument, "http.endpoint", "invalid instance address %q", instance)
	}
	target := base.JoinPath(c.service, method).String()
	c.logger.Debug("making endpoint", loggingpkg.LogFields{"method": method, "instance": instance})

	return func(ctx context.Context, request any) (any, error) {
		if !c.connected.Load() {
			return nil, errspkg.New(errspkg.KindProviderUnavailable, "http.call", "unreachable")
		}
		return c.call(ctx, target, request)
	}, nil
}

func (c *Client) call(ctx context.Context, target string, request any) (any, error) {
	body, err := jsoncodec.Marshal(request)
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindEncoding, "http.call", err)
	}
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "http.call", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := endpoint.CorrelationIDFrom(ctx); id != "" {
		req.Header.Set(CorrelationHeader, id)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "http.call", err)
	}
	defer res.Body.Close()

	var envelope transport.Response
	if err := jsoncodec.Decode(res.Body, &envelope); err != nil {
		if res.StatusCode >= nethttp.StatusInternalServerError {
			return nil, errspkg.Newf(errspkg.KindProviderUnavailable, "http.call", "server replied %s", res.Status)
		}
		return nil, errspkg.Wrap(errspkg.KindEncoding, "http.call", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error.Err("http.call")
	}
	if res.StatusCode != nethttp.StatusOK {
		return nil, errspkg.Newf(errspkg.KindInternal, "http.call", "unexpected status %s", strings.TrimSpace(res.Status))
	}
	c.logger.Trace("response received", loggingpkg.LogFields{"target": target})
	return envelope.Data, nil
}

// End disconnects the client. Existing endpoints fail from then on.
func (c *Client) End(context.Context) error {
	c.connected.Store(false)
	c.http.CloseIdleConnections()
	return nil
}
