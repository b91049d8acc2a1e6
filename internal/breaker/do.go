package breaker

import (
	"context"
)

// Classifier reports whether an error is worth retrying. Timeouts,
// connection drops, and 5xx-equivalent responses are; authentication
// failures and malformed requests are not.
type Classifier func(error) bool

// RetryConfig bounds the shared retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per Do call, the first
	// one included. Default: 3.
	MaxAttempts int
	// Policy is the backoff applied between attempts.
	Policy Policy
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Policy == (Policy{}) {
		c.Policy = DefaultPolicy()
	}
	return c
}

// Do runs fn against the dependency identified by key, behind its breaker,
// retrying retryable failures with exponential backoff plus jitter. An open
// circuit returns ErrOpen without attempting the call.
func (r *Registry) Do(ctx context.Context, key string, retryable Classifier, fn func(context.Context) error) error {
	_, err := DoWithResult(ctx, r, key, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for calls that return a value.
//
// Classification drives both retry and breaker accounting: a retryable error
// counts as a dependency failure; a non-retryable error still proves the
// dependency answered, so the breaker records it as success and the error is
// returned to the caller untouched. On exhaustion the last error is returned
// for the caller to classify.
func DoWithResult[T any](ctx context.Context, r *Registry, key string, retryable Classifier, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	b := r.Get(key)

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if err := b.Allow(); err != nil {
			return zero, err
		}

		value, err := fn(ctx)
		if err == nil {
			b.RecordSuccess()
			return value, nil
		}

		if retryable == nil || !retryable(err) {
			b.RecordSuccess()
			return zero, err
		}

		b.RecordFailure()
		lastErr = err

		if attempt < r.retry.MaxAttempts {
			if err := Sleep(ctx, r.retry.Policy.Delay(attempt)); err != nil {
				return zero, err
			}
		}
	}
	return zero, lastErr
}
