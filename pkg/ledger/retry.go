package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy re-runs an operation that failed with a transient store conflict.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy allows 3 attempts with 25ms, 50ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryAttempts,
		BaseDelay:   defaultRetryBaseDelay,
		Multiplier:  defaultRetryMultiplier,
	}
}

// Run executes operation until it succeeds, fails permanently or exhausts the attempts.
func (policy RetryPolicy) Run(ctx context.Context, operation func(ctx context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err := operation(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %w", ErrRetryExhausted, ctx.Err())
			case <-timer.C:
			}
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
}

// RunTx runs fn inside a store transaction, retrying the whole transaction on transient conflicts.
func RunTx(ctx context.Context, store Store, policy RetryPolicy, fn func(ctx context.Context, txStore Store) error) error {
	return policy.Run(ctx, func(ctx context.Context) error {
		return store.WithTx(ctx, fn)
	})
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransientConflict) || errors.Is(err, ErrDuplicateIdempotencyKey)
}
