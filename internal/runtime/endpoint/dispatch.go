package endpoint

import (
	"context"
	"time"

	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Dispatch wraps method with the middleware chain and the request log. The
// result of the chain is returned unchanged; failures are never swallowed.
// Programming errors (runtime errors, recovered panics, internal errors) are
// logged at error level, every other failure at info level.
func Dispatch(info CallInfo, method Endpoint, chain Middleware, logger loggingpkg.ServiceLogger) Endpoint {
	if chain != nil {
		method = chain(method)
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	log := logger.With(loggingpkg.LogFields{
		"service":   info.Service,
		"method":    info.Method,
		"transport": info.Transport,
	})

	return func(ctx context.Context, request any) (any, error) {
		ctx = WithCallInfo(ctx, info)
		start := time.Now()

		log.Trace("request received", loggingpkg.LogFields{"request": request})
		response, err := method(ctx, request)

		fields := loggingpkg.LogFields{"duration": time.Since(start).String()}
		switch {
		case err == nil:
			log.Debug("request handled", fields)
		case errspkg.IsProgrammingError(err):
			log.Error("request failed", err, fields)
		default:
			fields["error"] = err.Error()
			fields["kind"] = errspkg.KindOf(err).String()
			log.Info("request rejected", fields)
		}
		return response, err
	}
}
