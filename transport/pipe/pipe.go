// Package pipe is an in-process transport. Servers publish themselves on a
// Directory under their address and clients built on the same Directory call
// them directly. It cannot reach other processes.
package pipe

import (
	"context"
	"sync"
	"sync/atomic"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/transport"
)

// ProviderName is the transport provider value selecting pipe.
const ProviderName = "pipe"

var capabilities = transport.Capabilities{Name: ProviderName}

// Register adds the pipe server and client to r. Both resolve addresses
// through dir.
func Register(r *transport.Registry, dir *Directory) {
	r.Register(ProviderName,
		func(_ context.Context, cfg configpkg.TransportConfig, logger loggingpkg.ServiceLogger) (transport.Provider, error) {
			return NewServer(cfg, dir, logger), nil
		},
		func(_ context.Context, cfg configpkg.ClientConfig, logger loggingpkg.ServiceLogger) (transport.Client, error) {
			return NewClient(cfg, dir, logger)
		},
		capabilities,
	)
}

// Directory holds the started pipe servers by address.
type Directory struct {
	mu      sync.RWMutex
	servers map[string]*Server
}

func NewDirectory() *Directory {
	return &Directory{servers: make(map[string]*Server)}
}

// Lookup returns the server published at addr.
func (d *Directory) Lookup(addr string) (*Server, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.servers[addr]
	return s, ok
}

func (d *Directory) publish(addr string, s *Server) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.servers[addr]; ok && current != s {
		return errspkg.Newf(errspkg.KindConfiguration, "pipe.start", "address %s in use", addr)
	}
	d.servers[addr] = s
	return nil
}

func (d *Directory) withdraw(addr string, s *Server) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.servers[addr] == s {
		delete(d.servers, addr)
	}
}

// Server is the pipe transport instance.
type Server struct {
	name   string
	addr   string
	dir    *Directory
	table  *transport.BindTable
	logger loggingpkg.ServiceLogger
}

// NewServer creates a server published at cfg.Addr, or at cfg.Name when no
// address is configured.
func NewServer(cfg configpkg.TransportConfig, dir *Directory, logger loggingpkg.ServiceLogger) *Server {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = cfg.Name
	}
	return &Server{
		name:   cfg.Name,
		addr:   addr,
		dir:    dir,
		table:  transport.NewBindTable(),
		logger: logger.With(loggingpkg.LogFields{"transport": cfg.Name, "provider": ProviderName}),
	}
}

func (s *Server) Name() string { return s.name }

// Addr is the key clients use as instance.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Bind(service string, methods transport.Methods) error {
	if service == "" {
		return errspkg.Wrap(errspkg.KindInvalidArgument, "pipe.bind", errspkg.ErrServiceRequired)
	}
	s.table.Set(service, methods)
	s.logger.Debug("service bound", loggingpkg.LogFields{
		"service": service,
		"methods": s.table.Methods(service),
	})
	return nil
}

// Methods returns the bound method names of service.
func (s *Server) Methods(service string) []string {
	return s.table.Methods(service)
}

// Services returns every bound service, including those with no methods.
func (s *Server) Services() []string {
	return s.table.Services()
}

func (s *Server) Start(context.Context) error {
	if err := s.dir.publish(s.addr, s); err != nil {
		return err
	}
	s.logger.Debug("transport serving", loggingpkg.LogFields{"addr": s.addr})
	return nil
}

func (s *Server) End(context.Context) error {
	s.dir.withdraw(s.addr, s)
	return nil
}

// Call invokes service/method.
func (s *Server) Call(ctx context.Context, service, method string, request any) (any, error) {
	ep, known := s.table.Lookup(service, method)
	if !known {
		return nil, errspkg.Newf(errspkg.KindNotFound, "pipe.call", "server does not have service %s", service)
	}
	if ep == nil {
		return nil, errspkg.Newf(errspkg.KindUnimplemented, "pipe.call", "%s/%s is not bound", service, method)
	}
	if request == nil {
		request = map[string]any{}
	}
	return ep(ctx, request)
}

// Client calls one service on pipe servers of its Directory.
type Client struct {
	service   string
	dir       *Directory
	logger    loggingpkg.ServiceLogger
	connected atomic.Bool
}

func NewClient(cfg configpkg.ClientConfig, dir *Directory, logger loggingpkg.ServiceLogger) (*Client, error) {
	if cfg.Service == "" {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "pipe.client", errspkg.ErrServiceRequired)
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	c := &Client{
		service: cfg.Service,
		dir:     dir,
		logger:  logger.With(loggingpkg.LogFields{"provider": ProviderName, "service": cfg.Service}),
	}
	c.connected.Store(true)
	return c, nil
}

// Endpoint fails unless a server is published at instance and has the
// client's service bound.
func (c *Client) Endpoint(_ context.Context, method, instance string) (endpoint.Endpoint, error) {
	c.logger.Debug("making endpoint", loggingpkg.LogFields{"method": method, "instance": instance})
	srv, ok := c.dir.Lookup(instance)
	if !ok {
		return nil, errspkg.Newf(errspkg.KindNotFound, "pipe.endpoint", "server with %s address does not exist", instance)
	}
	if _, known := srv.table.Lookup(c.service, method); !known {
		return nil, errspkg.Newf(errspkg.KindNotFound, "pipe.endpoint", "server does not have service %s", c.service)
	}

	return func(ctx context.Context, request any) (any, error) {
		if !c.connected.Load() {
			return nil, errspkg.New(errspkg.KindProviderUnavailable, "pipe.call", "unreachable")
		}
		current, ok := c.dir.Lookup(instance)
		if !ok {
			return nil, errspkg.Newf(errspkg.KindProviderUnavailable, "pipe.call", "server %s is not serving", instance)
		}
		resp, err := current.Call(ctx, c.service, method, request)
		if err != nil {
			return nil, transport.RoundTrip("pipe.call", err)
		}
		c.logger.Trace("response received", loggingpkg.LogFields{"method": method})
		return resp, nil
	}, nil
}

// End disconnects the client. Existing endpoints fail from then on.
func (c *Client) End(context.Context) error {
	c.connected.Store(false)
	return nil
}
