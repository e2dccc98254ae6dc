// Package transports registers every built-in transport.
package transports

import (
	"github.com/drblury/chassis/transport"
	httptransport "github.com/drblury/chassis/transport/http"
	"github.com/drblury/chassis/transport/pipe"
)

type options struct {
	directory *pipe.Directory
	http      []httptransport.Option
}

// Option customises RegisterAll.
type Option func(*options)

// WithDirectory shares dir between the pipe servers and clients of several
// registries. A fresh directory is used otherwise.
func WithDirectory(dir *pipe.Directory) Option {
	return func(o *options) {
		if dir != nil {
			o.directory = dir
		}
	}
}

// WithHTTPOptions passes opts to the http transport.
func WithHTTPOptions(opts ...httptransport.Option) Option {
	return func(o *options) { o.http = append(o.http, opts...) }
}

// RegisterAll adds the pipe and http transports to r and returns the pipe
// directory in use.
func RegisterAll(r *transport.Registry, opts ...Option) *pipe.Directory {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.directory == nil {
		o.directory = pipe.NewDirectory()
	}
	pipe.Register(r, o.directory)
	httptransport.Register(r, o.http...)
	return o.directory
}

// NewRegistry returns a registry with every built-in transport.
func NewRegistry(opts ...Option) (*transport.Registry, *pipe.Directory) {
	r := transport.NewRegistry()
	return r, RegisterAll(r, opts...)
}
