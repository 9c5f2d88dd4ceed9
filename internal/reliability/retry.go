package reliability

import (
	"context"
	"errors"
	"time"
)

// DefaultRetryDelay is the pause between failed reconnect attempts.
const DefaultRetryDelay = 3 * time.Second

// RetryPolicy decides whether and when a failed attempt is retried.
// Attempts are numbered from 1.
type RetryPolicy interface {
	// ShouldRetry reports whether attempt may be followed by another one
	// and how long to wait first.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// NextDelay returns the wait after the given failed attempt.
	NextDelay(attempt int) time.Duration
}

// FixedDelay retries after a constant delay. MaxAttempts <= 0 retries forever.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxAttempts,
	}
}

// Forever is the reconnect policy: DefaultRetryDelay, no attempt limit.
func Forever() *FixedDelay {
	return NewFixedDelay(DefaultRetryDelay, 0)
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts > 0 && attempt >= f.MaxAttempts {
		return false, 0
	}
	if !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// IsRetryable reports whether err may be retried. Context errors and errors
// marked with Permanent are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *permanentError
	return !errors.As(err, &p)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
