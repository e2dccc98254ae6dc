package transport

// Capabilities describes what a transport can do.
type Capabilities struct {
	// Name is the provider name.
	Name string

	// Remote indicates calls may cross a process boundary.
	Remote bool

	// RateLimit indicates the transport honours rate_limit.
	RateLimit bool

	// Metrics indicates the transport can expose a Prometheus handler.
	Metrics bool

	// Client indicates a client builder is registered.
	Client bool
}
