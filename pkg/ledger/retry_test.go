package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func TestRetryPolicyRetriesTransientConflicts(test *testing.T) {
	test.Parallel()
	attempts := 0
	err := fastRetryPolicy().Run(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return WrapError("store", "tx", "serialization", ErrTransientConflict)
		}
		return nil
	})
	if err != nil {
		test.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		test.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyExhaustion(test *testing.T) {
	test.Parallel()
	attempts := 0
	err := fastRetryPolicy().Run(context.Background(), func(context.Context) error {
		attempts++
		return ErrDuplicateIdempotencyKey
	})
	if !errors.Is(err, ErrRetryExhausted) || !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected exhausted duplicate key error, got %v", err)
	}
	if !IsRetryable(err) {
		test.Fatalf("exhausted errors must be retryable by the caller")
	}
	if attempts != 3 {
		test.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyDoesNotRetryDomainErrors(test *testing.T) {
	test.Parallel()
	attempts := 0
	err := fastRetryPolicy().Run(context.Background(), func(context.Context) error {
		attempts++
		return ErrInsufficientFunds
	})
	if !errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrRetryExhausted) {
		test.Fatalf("expected bare ErrInsufficientFunds, got %v", err)
	}
	if attempts != 1 {
		test.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestRetryPolicyStopsOnCancelledContext(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2}
	attempts := 0
	err := policy.Run(ctx, func(context.Context) error {
		attempts++
		cancel()
		return ErrTransientConflict
	})
	if !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context cancellation, got %v", err)
	}
	if attempts != 1 {
		test.Fatalf("expected a single attempt, got %d", attempts)
	}
}
