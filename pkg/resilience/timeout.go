package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout bounds fn by timeout. It returns as soon as the deadline
// passes even if fn ignores its context; a non-positive timeout runs fn
// unbounded.
func WithTimeout(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	bounded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(bounded) }()
	select {
	case err := <-done:
		return err
	case <-bounded.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w after %v", op, context.DeadlineExceeded, timeout)
	}
}
