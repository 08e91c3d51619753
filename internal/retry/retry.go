// Package retry runs an operation a bounded number of times with doubling
// backoff.
package retry

import (
	"context"
	"time"
)

// Do calls fn up to attempts times, sleeping delay before the second call and
// doubling it after each failure. It returns as soon as fn succeeds, fn fails
// with an error that retryable rejects, or ctx is done. A nil retryable
// retries every error.
func Do(ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
