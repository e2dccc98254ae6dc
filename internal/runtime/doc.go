/*
Package runtime hosts services for chassis.

# Server

Server builds every configured transport from a transport registry and binds
services to them. A method is bound to a transport only when the transport
exists, the service provides the method and server.services lists the
transport for it. Each binding gets its own dispatcher running the middleware
chain in registration order before the method itself.

Lifecycle events (bound, serving, stopped) are published to listeners added
with OnLifecycle. The command interface uses them to track health.

# Middleware (middleware.go, hooks.go)

The default chain is:
  - recoverer: panics become internal errors
  - correlation_id: ULID correlation IDs on the context
  - tracer: one OpenTelemetry span per call
  - metrics: Prometheus call counter and latency histogram

CallHooksMiddleware runs OnCallStart, OnCallDone and OnCallError callbacks
around every call.

# Command interface (command.go, restore.go)

CommandInterface implements health_check, version, reset, restore and
reconfigure. Responses are also emitted on the command topic of the bus.
Restore rewinds resource topics and blocks until the listeners reached the
horizon recorded before the rewind.

# Sub-packages

  - client/: publishers, load balancers, retry and circuit breaking
  - codec/: payload schemas and the command envelope
  - config/: YAML configuration with validation
  - endpoint/: endpoints, middleware chaining and dispatch
  - errors/: error kinds and sentinels
  - ids/: ULID generation
  - jsoncodec/: JSON on sonic
  - logging/: logger interface and adapters
  - metadata/: record metadata
*/
package runtime
