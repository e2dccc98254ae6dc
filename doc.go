// Package chassis is a microservice chassis: business logic is written as
// plain endpoints, exposed over one or more transports and connected to other
// services through an event bus and resilient clients.
//
// The root package is a thin facade. It re-exports the types of the internal
// runtime and builds the registries of built-in providers:
//
//   - NewEventRegistry: local, sqlite, kafka and stream event providers.
//   - NewTransportRegistry: the in-process pipe transport and JSON over HTTP.
//   - NewDatabaseRegistry: memory, redis, sqlite and postgres document stores.
//
// A service loads its Config (LoadConfig or ParseConfig), creates a Bus with
// NewEventBus, builds a Server with NewServer and binds its ServiceMethods.
// Each method is exposed on the transports listed for it under
// server.services. Start starts the bus first and the transports after it;
// End stops them in reverse.
//
// # Events
//
// Topics hold listeners per event name. Every record appended to a topic gets
// an offset, and durable providers (sqlite, kafka) can rewind an event to an
// earlier offset and replay it. The command interface uses this for restore:
// it rewinds the configured resource topics, waits until every listener has
// caught up with the offset observed at the start, and reports the result on
// the command topic.
//
// # Clients
//
// NewClient assembles a static publisher over the configured instances, a
// round-robin or seeded random load balancer, an optional circuit breaker per
// instance and bounded retries with a per-attempt timeout.
//
// # Middleware
//
// Every dispatched call runs through panic recovery, correlation IDs,
// OpenTelemetry tracing and Prometheus metrics. Extra middleware is appended
// through ServerDependencies.Middlewares; CallHooksMiddleware turns plain
// callbacks into one.
package chassis
