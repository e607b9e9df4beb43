package watcher

import (
	"context"
	"errors"
	"time"

	"poolwatch/internal/model"
)

// retryable covers transient source errors and failed storage commits;
// both are safe to repeat from the same cursor position.
func retryable(err error) bool {
	var storage *model.StorageError
	return model.IsTransient(err) || errors.As(err, &storage)
}

// withRetry retries fn with exponential backoff while it returns
// retryable errors, up to maxRetries. Other errors return immediately.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}
