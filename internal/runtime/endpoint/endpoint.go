// Package endpoint defines the transport agnostic callable every bound
// service method is turned into, and the middleware that decorates it.
package endpoint

import (
	"context"

	"github.com/drblury/chassis/internal/runtime/codec"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
)

// Endpoint is a single callable service method.
type Endpoint func(ctx context.Context, request any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that requests traverse them in the order
// given: Chain(a, b)(e) calls a, then b, then e. Nil entries are skipped.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(middlewares) - 1; i >= 0; i-- {
			if middlewares[i] != nil {
				next = middlewares[i](next)
			}
		}
		return next
	}
}

// Nop returns a nil response and no error.
func Nop(context.Context, any) (any, error) { return nil, nil }

// Typed adapts a strongly typed method. Requests that are not already a Req
// are converted through their JSON form, which covers decoded transport
// payloads (maps, raw bytes and envelopes).
func Typed[Req, Resp any](fn func(context.Context, Req) (Resp, error)) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, err := As[Req](request)
		if err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

// As converts v into a T. A nil v yields the zero T.
func As[T any](v any) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}

	var data []byte
	switch x := v.(type) {
	case nil:
		return out, nil
	case []byte:
		data = x
	case codec.Envelope:
		data = x.Value
	default:
		raw, err := jsoncodec.Marshal(v)
		if err != nil {
			return out, errspkg.Wrap(errspkg.KindInvalidArgument, "endpoint.convert", err)
		}
		data = raw
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return out, errspkg.Wrap(errspkg.KindInvalidArgument, "endpoint.convert", err)
	}
	return out, nil
}

// CallInfo identifies the method an invocation targets.
type CallInfo struct {
	Service   string
	Method    string
	Transport string
}

func (c CallInfo) String() string {
	return c.Service + "/" + c.Method
}

type callInfoKey struct{}

type correlationIDKey struct{}

// WithCallInfo stores info in ctx.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the CallInfo the dispatcher attached to ctx.
func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}

// WithCorrelationID stores a correlation identifier in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFrom returns the correlation identifier in ctx, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}
