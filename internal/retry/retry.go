// Package retry provides the exponential backoff policy shared by every upstream caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default policy values.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 10 * time.Second
)

// Policy retries an operation with exponential backoff.
// The zero value uses the defaults above and retries every non-permanent error.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// Retryable decides whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
}

// DelayHinter is implemented by errors carrying a server-provided retry delay.
type DelayHinter interface {
	RetryDelay() (time.Duration, bool)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable regardless of the policy predicate.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, the error is not retryable, attempts run out
// or ctx is done. A delay hint longer than MaxDelay ends the retries early so
// the caller can apply its own backoff.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		wait := delay
		var hint DelayHinter
		if errors.As(err, &hint) {
			if d, ok := hint.RetryDelay(); ok {
				if d > p.MaxDelay {
					return err
				}
				if d > wait {
					wait = d
				}
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}
