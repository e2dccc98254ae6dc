package chassis

import (
	"context"

	"github.com/drblury/chassis/database"
	pgstore "github.com/drblury/chassis/database/postgres"
	redisstore "github.com/drblury/chassis/database/redis"
	sqlitestore "github.com/drblury/chassis/database/sqlite"
	"github.com/drblury/chassis/events"
	"github.com/drblury/chassis/events/kafka"
	"github.com/drblury/chassis/events/local"
	sqliteevents "github.com/drblury/chassis/events/sqlite"
	"github.com/drblury/chassis/events/stream"
	runtimepkg "github.com/drblury/chassis/internal/runtime"
	clientpkg "github.com/drblury/chassis/internal/runtime/client"
	"github.com/drblury/chassis/internal/runtime/codec"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	idspkg "github.com/drblury/chassis/internal/runtime/ids"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	metadatapkg "github.com/drblury/chassis/internal/runtime/metadata"
	"github.com/drblury/chassis/transport"
	"github.com/drblury/chassis/transport/pipe"
	"github.com/drblury/chassis/transport/transports"
)

type (
	Config          = configpkg.Config
	ServerConfig    = configpkg.ServerConfig
	TransportConfig = configpkg.TransportConfig
	EventsConfig    = configpkg.EventsConfig
	DatabaseConfig  = configpkg.DatabaseConfig
	ClientConfig    = configpkg.ClientConfig
	ServiceConfig   = configpkg.ServiceConfig
	EndpointConfig  = configpkg.EndpointConfig
	PublisherConfig = configpkg.PublisherConfig
	RetryConfig     = configpkg.RetryConfig

	Server             = runtimepkg.Server
	ServerDependencies = runtimepkg.ServerDependencies
	Service            = runtimepkg.Service
	ServiceMethods     = runtimepkg.ServiceMethods
	CommandInterface   = runtimepkg.CommandInterface
	CommandRequest     = runtimepkg.CommandRequest
	RestoreOptions     = runtimepkg.RestoreOptions
	HealthStatus       = runtimepkg.HealthStatus

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	CallContext            = runtimepkg.CallContext
	CallHooks              = runtimepkg.CallHooks
	LifecycleEvent         = runtimepkg.LifecycleEvent
	LifecycleListener      = runtimepkg.LifecycleListener

	Endpoint   = endpoint.Endpoint
	Middleware = endpoint.Middleware
	CallInfo   = endpoint.CallInfo

	Bus           = events.Bus
	BusOption     = events.BusOption
	Topic         = events.Topic
	Listener      = events.Listener
	EventContext  = events.Context
	EventProvider = events.Provider
	EventRegistry = events.Registry

	TransportProvider = transport.Provider
	TransportClient   = transport.Client
	TransportRegistry = transport.Registry
	Methods           = transport.Methods

	Store            = database.Store
	Document         = database.Document
	DatabaseRegistry = database.Registry
	DatabasePool     = database.Pool

	Client          = clientpkg.Client
	Publisher       = clientpkg.Publisher
	LoadBalancer    = clientpkg.LoadBalancer
	BreakerSettings = clientpkg.BreakerSettings
	RetryOption     = clientpkg.RetryOption

	Schema   = codec.Schema
	Envelope = codec.Envelope
	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	Error                 = errspkg.Error
	ErrorKind             = errspkg.Kind
	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	LoadConfig  = configpkg.Load
	ParseConfig = configpkg.Parse

	NewServer           = runtimepkg.NewServer
	NewCommandInterface = runtimepkg.NewCommandInterface
	NewBus              = events.NewBus
	NewDatabasePool     = database.NewPool

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	CallHooksMiddleware     = runtimepkg.CallHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	Chain = endpoint.Chain

	NewStaticPublisher = clientpkg.NewStaticPublisher
	RoundRobin         = clientpkg.RoundRobin
	Random             = clientpkg.Random
	Retry              = clientpkg.Retry
	Breaker            = clientpkg.Breaker
	WithMaxBackoff     = clientpkg.WithMaxBackoff
	WithRetryLogger    = clientpkg.WithRetryLogger
	WithRetryIf        = clientpkg.WithRetryIf

	WithDefaultSchema = events.WithDefaultSchema
	WithSchema        = events.WithSchema
	JSONSchema        = codec.JSONSchema
	ProtoSchema       = codec.ProtoSchema
	ProtoJSONSchema   = codec.ProtoJSONSchema
	WrapEnvelope      = codec.Wrap

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger
	NewMetadata          = metadatapkg.New
	CreateULID           = idspkg.CreateULID

	KindOf = errspkg.KindOf

	ErrInvalidArgument     = errspkg.ErrInvalidArgument
	ErrConfiguration       = errspkg.ErrConfiguration
	ErrUnimplemented       = errspkg.ErrUnimplemented
	ErrNoEndpoints         = errspkg.ErrNoEndpoints
	ErrProviderUnavailable = errspkg.ErrProviderUnavailable
	ErrInternal            = errspkg.ErrInternal
	ErrUnsupported         = errspkg.ErrUnsupported
	ErrNotFound            = errspkg.ErrNotFound

	ErrServiceRequired = errspkg.ErrServiceRequired
	ErrConfigRequired  = errspkg.ErrConfigRequired
	ErrLoggerRequired  = errspkg.ErrLoggerRequired
)

const (
	CommandMethod = runtimepkg.CommandMethod

	HealthUnknown    = runtimepkg.HealthUnknown
	HealthServing    = runtimepkg.HealthServing
	HealthNotServing = runtimepkg.HealthNotServing
)

// NewEventRegistry returns a registry holding the local, sqlite, kafka and
// stream event providers.
func NewEventRegistry() *EventRegistry {
	r := events.NewRegistry()
	local.Register(r)
	sqliteevents.Register(r)
	kafka.Register(r)
	stream.Register(r)
	return r
}

// NewEventBus builds the provider named by cfg.Events and wraps it in a bus.
// The bus is not started.
func NewEventBus(ctx context.Context, cfg *Config, logger ServiceLogger, opts ...BusOption) (*Bus, error) {
	if cfg == nil {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "chassis.bus", errspkg.ErrConfigRequired)
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	provider, err := NewEventRegistry().Build(ctx, cfg.Events, logger)
	if err != nil {
		return nil, err
	}
	return events.NewBus(provider, logger, opts...)
}

// NewTransportRegistry returns a registry holding the pipe and http
// transports together with the pipe directory its servers publish on.
func NewTransportRegistry(opts ...transports.Option) (*TransportRegistry, *pipe.Directory) {
	return transports.NewRegistry(opts...)
}

// NewDatabaseRegistry returns a registry holding the memory, redis, sqlite and
// postgres stores.
func NewDatabaseRegistry() *DatabaseRegistry {
	r := database.NewRegistry()
	database.RegisterMemory(r)
	redisstore.Register(r)
	sqlitestore.Register(r)
	pgstore.Register(r)
	return r
}

// NewClient builds the client configured under client.<name> on top of the
// transports of registry.
func NewClient(ctx context.Context, cfg *Config, name string, registry *TransportRegistry, logger ServiceLogger) (*Client, error) {
	if cfg == nil {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "chassis.client", errspkg.ErrConfigRequired)
	}
	ccfg, ok := cfg.Client[name]
	if !ok {
		return nil, errspkg.Newf(errspkg.KindConfiguration, "chassis.client", "client %s is not configured", name)
	}
	return clientpkg.NewFromRegistry(ctx, name, ccfg, registry, logger)
}

// Typed adapts a strongly typed function to an Endpoint.
func Typed[Req, Resp any](fn func(context.Context, Req) (Resp, error)) Endpoint {
	return endpoint.Typed(fn)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
