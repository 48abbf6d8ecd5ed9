package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how hard WithRetry tries within a single tick.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
	MaxElapsed      time.Duration
	// Notify, if set, is called before each wait.
	Notify func(err error, wait time.Duration)
}

// DefaultRetryPolicy retries three times starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxTries:        3,
	}
}

// WithRetry wraps action so that each tick retries failures with
// exponential backoff. Return backoff.Permanent(err) from action to stop
// retrying early. Only the final error reaches the scheduler's log.
func WithRetry(action Action, policy RetryPolicy) Action {
	return func(ctx context.Context) error {
		b := backoff.NewExponentialBackOff()
		if policy.InitialInterval > 0 {
			b.InitialInterval = policy.InitialInterval
		}
		if policy.MaxInterval > 0 {
			b.MaxInterval = policy.MaxInterval
		}

		opts := []backoff.RetryOption{backoff.WithBackOff(b)}
		if policy.MaxTries > 0 {
			opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
		}
		if policy.MaxElapsed > 0 {
			opts = append(opts, backoff.WithMaxElapsedTime(policy.MaxElapsed))
		}
		if policy.Notify != nil {
			opts = append(opts, backoff.WithNotify(policy.Notify))
		}

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, action(ctx)
		}, opts...)
		return err
	}
}
