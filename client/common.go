package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// withRetries reruns fn for as long as the server rate limits it, sleeping
// for the advertised Retry-After between attempts.
func withRetries[R any](ctx context.Context, logger *slog.Logger, fn func() (R, error)) (R, error) {
	for {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var rateLimitErr *ErrRateLimited
		if !errors.As(err, &rateLimitErr) {
			var zero R
			return zero, err
		}

		logger.Warn("Rate limited, sleeping", "duration", rateLimitErr.RetryAfter)
		select {
		case <-time.After(rateLimitErr.RetryAfter):
		case <-ctx.Done():
			var zero R
			return zero, fmt.Errorf("operation cancelled during rate limit sleep: %w", ctx.Err())
		}
	}
}

func withRetriesVoid(ctx context.Context, logger *slog.Logger, fn func() error) error {
	_, err := withRetries(ctx, logger, func() (any, error) {
		return nil, fn()
	})
	return err
}
