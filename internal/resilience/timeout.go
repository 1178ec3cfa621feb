// Package resilience holds the generic primitives every outbound call is
// wrapped in: a best-effort timeout, retry with exponential backoff, and a
// sliding-window rate limiter with an optional token budget.
//
// The primitives know nothing about HTTP or the APIs they guard. Clients
// compose them as rate limit -> retry -> timeout -> call.
package resilience

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError is returned when an operation does not finish before its
// deadline. The operation itself may still be running.
type TimeoutError struct {
	Limit     time.Duration
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Operation, e.Limit.Milliseconds())
}

// Timeout reports true so net.Error style checks treat it as a timeout.
func (e *TimeoutError) Timeout() bool { return true }

// WithTimeout races fn against timeout. When the deadline fires first the
// caller gets a *TimeoutError immediately and fn is abandoned, not cancelled:
// it keeps running until it returns or ctx itself is done, and its eventual
// result is discarded. Shared state written by fn must be
// idempotent.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer cancel()
		val, err := fn(opCtx)
		done <- result{val: val, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.val, r.err
	case <-timer.C:
		return zero, &TimeoutError{Limit: timeout, Operation: operation}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
