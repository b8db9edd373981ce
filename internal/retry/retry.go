package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Do runs fn up to tries times with a fixed delay between attempts,
// returning the first successful result. It stops early when ctx is
// cancelled or when fn reports a permanent failure.
func Do[T any](ctx context.Context, fn func() (T, error), tries int, delay time.Duration) (T, error) {
	return backoff.Retry(ctx, fn,
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(tries)),
	)
}

// Permanent marks err as non-retryable so Do fails immediately
func Permanent(err error) error {
	return backoff.Permanent(err)
}
