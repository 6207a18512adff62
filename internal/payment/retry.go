package payment

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds gateway calls: each attempt gets Timeout, and only
// ErrGatewayUnavailable is retried, with exponential backoff.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// callGateway runs fn under the policy and returns the last error.
func callGateway[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		res, err := fn(callCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts {
			break
		}

		wait := p.Backoff << (attempt - 1)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w (gave up: %v)", lastErr, ctx.Err())
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}
