// Package retry provides the backoff policy shared by every backend call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// TimeoutError marks an attempt that ran past the policy's AttemptTimeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("attempt timed out after %s", e.After) }

// Is makes attempt timeouts match context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean one attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	// AttemptTimeout bounds each attempt separately. Zero disables it.
	AttemptTimeout time.Duration
	// Retryable decides whether a failed attempt is tried again. Attempt
	// timeouts are always retryable.
	Retryable func(error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error)
}

// Default mirrors the service defaults: three attempts, 400ms doubling.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   400 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := goretry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.Jitter > 0 {
		b = goretry.WithJitter(p.Jitter, b)
	}
	return goretry.WithMaxRetries(uint64(p.attempts()-1), b)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The last attempt's error is returned
// unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := p.once(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		var te *TimeoutError
		if errors.As(err, &te) || (p.Retryable != nil && p.Retryable(err)) {
			if attempt < p.attempts() && p.OnRetry != nil {
				p.OnRetry(attempt, err)
			}
			return goretry.RetryableError(err)
		}
		return err
	})
}

func (p Policy) once(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", &TimeoutError{After: p.AttemptTimeout}, err)
	}
	return err
}
