package runtime

import (
	"context"
	"errors"
	goruntime "runtime"
	"runtime/debug"
	"sync"

	"github.com/drblury/chassis/database"
	"github.com/drblury/chassis/events"
	"github.com/drblury/chassis/internal/runtime/codec"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Command names understood by the CommandInterface.
const (
	CommandHealthCheck = "health_check"
	CommandVersion     = "version"
	CommandReset       = "reset"
	CommandRestore     = "restore"
	CommandReconfigure = "reconfigure"

	// CommandMethod is the method the interface is bound under.
	CommandMethod = "command"
)

// Events emitted on the command topic.
const (
	EventHealthCheckResponse = "healthCheckResponse"
	EventVersionResponse     = "versionResponse"
	EventResetResponse       = "resetResponse"
	EventRestoreResponse     = "restoreResponse"
	EventRestoreCommand      = "restoreCommand"
)

// CommandRequest is the wire form of a command call.
type CommandRequest struct {
	Name    string         `json:"name"`
	Payload codec.Envelope `json:"payload"`
}

// CommandEvent is the payload of every event emitted on the command topic.
type CommandEvent struct {
	Services []string       `json:"services"`
	Payload  codec.Envelope `json:"payload"`
}

type commandFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// CommandInterface exposes system operations of a server: health checks,
// version reporting, store reset and event sourced restore.
type CommandInterface struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger
	bus    *events.Bus
	stores *database.Pool

	commands map[string]commandFunc
	health   *healthTracker
	services []string

	topicOnce    sync.Once
	commandTopic *events.Topic
	topicErr     error

	restoreCtx   context.Context
	stopRestores context.CancelFunc
	restores     sync.WaitGroup
}

// NewCommandInterface attaches to the lifecycle of server and emits on the
// command topic of its event bus.
func NewCommandInterface(server *Server, stores *database.Pool, logger loggingpkg.ServiceLogger) (*CommandInterface, error) {
	if server == nil {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "command.new", errspkg.ErrServerRequired)
	}
	if server.Bus() == nil {
		return nil, errspkg.New(errspkg.KindConfiguration, "command.new", "no event bus was provided")
	}
	if logger == nil {
		logger = server.Logger
	}
	if stores == nil {
		stores = database.NewPool(nil, server.Conf.Database, logger)
	}

	restoreCtx, stopRestores := context.WithCancel(context.Background())
	c := &CommandInterface{
		conf:         server.Conf,
		logger:       logger.With(loggingpkg.LogFields{"component": "command_interface"}),
		bus:          server.Bus(),
		stores:       stores,
		health:       newHealthTracker(server.Conf),
		services:     sortedKeys(server.Conf.Server.Services),
		restoreCtx:   restoreCtx,
		stopRestores: stopRestores,
	}
	c.commands = map[string]commandFunc{
		CommandHealthCheck: c.HealthCheck,
		CommandVersion:     c.Version,
		CommandReset:       c.Reset,
		CommandRestore:     c.Restore,
		CommandReconfigure: c.Reconfigure,
	}
	server.OnLifecycle(c.health.observe)
	return c, nil
}

// Commands returns the supported command names, sorted.
func (c *CommandInterface) Commands() []string {
	return sortedKeys(c.commands)
}

// Methods makes the interface bindable with Server.Bind.
func (c *CommandInterface) Methods() map[string]endpoint.Endpoint {
	return map[string]endpoint.Endpoint{
		CommandMethod: endpoint.Typed(func(ctx context.Context, req CommandRequest) (codec.Envelope, error) {
			return c.Command(ctx, req.Name, req.Payload)
		}),
	}
}

// Command demultiplexes a command by name. The payload envelope may be
// empty; otherwise it must hold a JSON object.
func (c *CommandInterface) Command(ctx context.Context, name string, payload codec.Envelope) (codec.Envelope, error) {
	if name == "" {
		return codec.Envelope{}, errspkg.New(errspkg.KindInvalidArgument, "command", "no command name provided")
	}
	fn, ok := c.commands[name]
	if !ok {
		return codec.Envelope{}, errspkg.Newf(errspkg.KindInvalidArgument, "command", "command name %s does not exist", name)
	}

	var args map[string]any
	if !payload.IsEmpty() {
		if err := payload.Unwrap(&args); err != nil {
			return codec.Envelope{}, err
		}
	}
	result, err := fn(ctx, args)
	if err != nil {
		return codec.Envelope{}, err
	}
	return codec.Wrap(result)
}

// Reconfigure is not supported.
func (c *CommandInterface) Reconfigure(context.Context, map[string]any) (map[string]any, error) {
	c.logger.Info("reconfigure is not implemented", nil)
	return nil, errspkg.New(errspkg.KindUnimplemented, "command.reconfigure", "reconfigure is not implemented")
}

// HealthCheck reports the aggregate status, or the status of
// payload["service"] when set. Unknown services report UNKNOWN.
func (c *CommandInterface) HealthCheck(ctx context.Context, payload map[string]any) (map[string]any, error) {
	service, _ := payload["service"].(string)
	if service == "" {
		status := c.health.Aggregate()
		c.emit(ctx, EventHealthCheckResponse, c.services, map[string]any{"status": status.String()})
		return map[string]any{"status": status.String()}, nil
	}

	status, known := c.health.Service(service)
	if !known {
		c.logger.Warn("service does not exist", loggingpkg.LogFields{"service": service})
	}
	c.emit(ctx, EventHealthCheckResponse, []string{service}, map[string]any{"status": status.String()})
	return map[string]any{"status": status.String()}, nil
}

// Health returns the aggregate server health.
func (c *CommandInterface) Health() HealthStatus {
	return c.health.Aggregate()
}

// Version reports the configured or built module version and the Go runtime.
func (c *CommandInterface) Version(ctx context.Context, _ map[string]any) (map[string]any, error) {
	response := map[string]any{
		"version": c.version(),
		"go":      goruntime.Version(),
	}
	c.emit(ctx, EventVersionResponse, c.services, response)
	return response, nil
}

func (c *CommandInterface) version() string {
	if c.conf.Version != "" {
		return c.conf.Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Version
	}
	return ""
}

// Reset truncates every configured database, continuing past failures.
func (c *CommandInterface) Reset(ctx context.Context, _ map[string]any) (map[string]any, error) {
	c.logger.Info("reset process started", nil)
	if c.health.Aggregate() == HealthServing {
		c.logger.Warn("reset process starting while server is serving", nil)
	}

	var errs []error
	for _, name := range c.conf.DatabaseNames() {
		store, err := c.stores.Get(ctx, name)
		if err == nil {
			err = store.Truncate(ctx)
		}
		if err != nil {
			c.logger.Error("database reset failed", err, loggingpkg.LogFields{"database": name})
			errs = append(errs, err)
			continue
		}
		c.logger.Info("database truncated", loggingpkg.LogFields{"database": name})
	}

	if len(errs) > 0 {
		msg := errors.Join(errs...).Error()
		c.emit(ctx, EventResetResponse, c.services, map[string]any{"error": msg})
		c.logger.Info("reset process ended", nil)
		return map[string]any{"error": msg}, nil
	}
	c.emit(ctx, EventResetResponse, c.services, map[string]any{"status": "Reset concluded successfully"})
	c.logger.Info("reset process ended", nil)
	return map[string]any{}, nil
}

func (c *CommandInterface) topic() (*events.Topic, error) {
	c.topicOnce.Do(func() {
		c.commandTopic, c.topicErr = c.bus.Topic(c.conf.CommandTopic())
	})
	return c.commandTopic, c.topicErr
}

// emit publishes a command event. Failures are logged only: the direct
// caller still gets its result.
func (c *CommandInterface) emit(ctx context.Context, event string, services []string, payload map[string]any) {
	topic, err := c.topic()
	if err != nil {
		c.logger.Warn("command topic unavailable", loggingpkg.LogFields{"event": event, "error": err.Error()})
		return
	}
	env, err := codec.Wrap(payload)
	if err != nil {
		c.logger.Warn("command event encoding failed", loggingpkg.LogFields{"event": event, "error": err.Error()})
		return
	}
	if _, err := topic.Emit(ctx, event, CommandEvent{Services: services, Payload: env}); err != nil {
		c.logger.Warn("command event emit failed", loggingpkg.LogFields{"event": event, "error": err.Error()})
	}
}

// Close stops waiting for unfinished restores and closes the stores opened
// by reset and restore.
func (c *CommandInterface) Close() error {
	c.stopRestores()
	c.restores.Wait()
	return c.stores.Close()
}
