package parallel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports that a wrapped operation exceeded its deadline. It is
// a distinguished failure kind so callers can apply timeout-specific retry
// policy without retrying other errors.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "parallel: timeout <nil>"
	}
	return fmt.Sprintf("parallel: %s timed out after %s", e.Op, e.After)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// WithTimeout invokes fn with a context that is cancelled after d. When the
// deadline fires, the returned error is a TimeoutError for op regardless of
// what fn returned. Cancellation of the parent ctx is reported as-is.
func WithTimeout(ctx context.Context, op string, d time.Duration, fn func(context.Context) error) error {
	if ctx == nil {
		return errors.New("parallel: nil context")
	}
	if fn == nil {
		return errors.New("parallel: nil func")
	}
	if d <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}

	// The deadline firing wins over whatever error fn surfaced for it,
	// unless the parent was cancelled first.
	if tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &TimeoutError{Op: op, After: d}
	}
	return err
}

// Combine derives a context that is cancelled as soon as any of the given
// contexts is cancelled. The first context acts as the value parent. The
// returned stop func releases the watchers and must always be called.
func Combine(parents ...context.Context) (context.Context, context.CancelFunc) {
	filtered := make([]context.Context, 0, len(parents))
	for _, p := range parents {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return context.WithCancel(context.Background())
	}

	ctx, cancel := context.WithCancel(filtered[0])
	if len(filtered) == 1 {
		return ctx, cancel
	}

	stops := make([]func() bool, 0, len(filtered)-1)
	for _, p := range filtered[1:] {
		stops = append(stops, context.AfterFunc(p, cancel))
	}

	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel()
	}
}
