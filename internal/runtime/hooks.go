package runtime

import (
	"context"
	"time"

	"github.com/drblury/chassis/internal/runtime/endpoint"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// CallContext describes an endpoint invocation to hooks.
type CallContext struct {
	endpoint.CallInfo
	// CorrelationID is set when the correlation_id middleware ran first.
	CorrelationID string
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnCallDone and OnCallError.
	Duration time.Duration
}

// CallHooks defines callbacks around endpoint invocations. All hooks are
// optional.
type CallHooks struct {
	OnCallStart func(ctx CallContext)
	OnCallDone  func(ctx CallContext)
	OnCallError func(ctx CallContext, err error)
}

// Merge combines two CallHooks. The hooks from other run after those of h.
func (h CallHooks) Merge(other CallHooks) CallHooks {
	return CallHooks{
		OnCallStart: chainHooks(h.OnCallStart, other.OnCallStart),
		OnCallDone:  chainHooks(h.OnCallDone, other.OnCallDone),
		OnCallError: chainErrorHooks(h.OnCallError, other.OnCallError),
	}
}

func chainHooks(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// CallHooksMiddleware registers hooks as a middleware.
func CallHooksMiddleware(hooks CallHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "call_hooks",
		Middleware: callHooksMiddleware(hooks),
	}
}

func callHooksMiddleware(hooks CallHooks) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			info, _ := endpoint.CallInfoFrom(ctx)
			callCtx := CallContext{
				CallInfo:      info,
				CorrelationID: endpoint.CorrelationIDFrom(ctx),
				Context:       ctx,
				StartedAt:     time.Now(),
			}
			if hooks.OnCallStart != nil {
				hooks.OnCallStart(callCtx)
			}

			response, err := next(ctx, request)

			callCtx.Duration = time.Since(callCtx.StartedAt)
			if err != nil {
				if hooks.OnCallError != nil {
					hooks.OnCallError(callCtx, err)
				}
			} else if hooks.OnCallDone != nil {
				hooks.OnCallDone(callCtx)
			}
			return response, err
		}
	}
}

// LoggingHooks returns hooks that log every call at info level.
func LoggingHooks(logger loggingpkg.ServiceLogger) CallHooks {
	fields := func(ctx CallContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"service":        ctx.Service,
			"method":         ctx.Method,
			"transport":      ctx.Transport,
			"correlation_id": ctx.CorrelationID,
		}
	}
	return CallHooks{
		OnCallStart: func(ctx CallContext) {
			logger.Info("Call started", fields(ctx))
		},
		OnCallDone: func(ctx CallContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Call completed", f)
		},
		OnCallError: func(ctx CallContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Call failed", err, f)
		},
	}
}

// AlertingHooks returns hooks that only observe failures.
func AlertingHooks(alertFunc func(ctx CallContext, err error)) CallHooks {
	return CallHooks{
		OnCallError: alertFunc,
	}
}
