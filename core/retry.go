package core

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how often a compare-and-swap is re-attempted.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy retries five times with 1ms, 2ms, 4ms, 8ms backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseBackoff: time.Millisecond,
	MaxBackoff:  50 * time.Millisecond,
}

// RetryObserver is notified before every re-attempt. Metrics hook in here.
type RetryObserver func(entity string, attempt int)

// Retry runs fn until it returns something other than ErrVersionMismatch, the
// attempts run out, or ctx is done. fn must re-read the entity it swaps.
//
// Exhausted retries surface as a *ConflictError (errors.Is
// ErrConcurrentUpdateConflict).
func Retry(ctx context.Context, p RetryPolicy, entity, id string, observe RetryObserver, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if observe != nil {
				observe(entity, attempt)
			}
			backoff := p.BaseBackoff << (attempt - 1)
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := fn()
		if !errors.Is(err, ErrVersionMismatch) {
			return err
		}
	}
	return &ConflictError{Entity: entity, ID: id, Attempts: attempts}
}
