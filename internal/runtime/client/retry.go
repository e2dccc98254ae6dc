package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

const (
	// DefaultMaxBackoff is the pause ceiling between two attempts.
	DefaultMaxBackoff = 10 * time.Millisecond
	// DefaultTimeout bounds a single attempt when Retry is given none.
	DefaultTimeout = 5 * time.Second
)

type retryOptions struct {
	maxBackoff time.Duration
	logger     loggingpkg.ServiceLogger
	retryIf    func(error) bool
}

// RetryOption customises Retry.
type RetryOption func(*retryOptions)

// WithMaxBackoff caps the pause between attempts. Zero retries immediately.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(o *retryOptions) {
		if d >= 0 {
			o.maxBackoff = d
		}
	}
}

// WithRetryLogger logs every failed attempt.
func WithRetryLogger(logger loggingpkg.ServiceLogger) RetryOption {
	return func(o *retryOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryIf stops retrying as soon as fn returns false for an attempt
// error. Empty pools and timeouts are always retried.
func WithRetryIf(fn func(error) bool) RetryOption {
	return func(o *retryOptions) { o.retryIf = fn }
}

// Retry makes lb behave like a single endpoint. Every attempt asks lb for an
// endpoint and calls it with a deadline of timeout; an empty pool counts as a
// failed attempt. The first success is returned as is. Once maxAttempts
// attempts failed the last failure is returned wrapped.
func Retry(maxAttempts int, timeout time.Duration, lb LoadBalancer, opts ...RetryOption) endpoint.Endpoint {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	o := retryOptions{maxBackoff: DefaultMaxBackoff, logger: loggingpkg.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, request any) (any, error) {
		if lb == nil {
			return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "client.retry", errspkg.ErrBalancerRequired)
		}
		attempt := 0
		var lastErr error
		operation := func() (any, error) {
			attempt++
			resp, err := invoke(ctx, lb, timeout, request)
			if err != nil {
				lastErr = err
				o.logger.Debug("attempt failed", loggingpkg.LogFields{
					"attempt": attempt,
					"max":     maxAttempts,
					"error":   err.Error(),
				})
				if o.retryIf != nil && !retryable(err) && !o.retryIf(err) {
					return nil, backoff.Permanent(err)
				}
			}
			return resp, err
		}

		resp, err := backoff.Retry(ctx, operation,
			backoff.WithBackOff(newBackOff(o.maxBackoff)),
			backoff.WithMaxTries(uint(maxAttempts)),
		)
		if err == nil {
			return resp, nil
		}
		if lastErr == nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, errspkg.Wrap(errspkg.KindOf(lastErr), "client.retry", ctx.Err())
		}
		return nil, &errspkg.Error{
			Kind: errspkg.KindOf(lastErr),
			Op:   "client.retry",
			Msg:  "all attempts failed",
			Err:  lastErr,
		}
	}
}

func newBackOff(ceiling time.Duration) backoff.BackOff {
	if ceiling == 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	if b.InitialInterval > ceiling {
		b.InitialInterval = ceiling
	}
	b.MaxInterval = ceiling
	return b
}

// retryable reports the failures Retry owns itself.
func retryable(err error) bool {
	kind := errspkg.KindOf(err)
	return kind == errspkg.KindNoEndpoints || kind == errspkg.KindProviderUnavailable
}

// invoke runs one attempt. A call still running when the deadline passes is
// abandoned; its result lands in a buffered channel nobody reads, and the
// transport owns whatever the call holds.
func invoke(ctx context.Context, lb LoadBalancer, timeout time.Duration, request any) (any, error) {
	ep, ok := lb.Next()
	if !ok {
		return nil, errspkg.New(errspkg.KindNoEndpoints, "client.retry", "no endpoints")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := callSafely(attemptCtx, ep, request)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
			return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "client.retry", attemptCtx.Err())
		}
		return r.resp, r.err
	case <-attemptCtx.Done():
		return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "client.retry", attemptCtx.Err())
	}
}

func callSafely(ctx context.Context, ep endpoint.Endpoint, request any) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.Newf(errspkg.KindInternal, "client.retry", "endpoint panicked: %v", r)
		}
	}()
	return ep(ctx, request)
}
