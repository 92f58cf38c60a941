package backend

import (
	"context"
	"errors"
	"time"
)

// Backoff between retries of read-only calls: 200ms, 400ms, 800ms ... capped.
var (
	RetryBaseInterval = 200 * time.Millisecond
	RetryMaxInterval  = 2 * time.Second
)

// Retry runs fn and, while it fails with ErrTimeout, runs it again up to
// maxRetries more times. Only use it for read-only calls.
func Retry[T any](ctx context.Context, maxRetries int, fn func(context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)

	for attempt := 0; ; attempt++ {
		result, err = fn(ctx)
		if err == nil || !errors.Is(err, ErrTimeout) || attempt >= maxRetries {
			return result, err
		}

		select {
		case <-ctx.Done():
			return result, err
		case <-time.After(retryDelay(attempt)):
		}
	}
}

func retryDelay(attempt int) time.Duration {
	backoff := RetryBaseInterval
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > RetryMaxInterval {
			return RetryMaxInterval
		}
	}
	return backoff
}
