package gormstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

func TestErrorClassification(test *testing.T) {
	testCases := []struct {
		name      string
		err       error
		unique    bool
		transient bool
	}{
		{name: "nil", err: nil},
		{name: "plain", err: errors.New("boom")},
		{name: "gorm duplicate", err: gorm.ErrDuplicatedKey, unique: true},
		{name: "pg unique", err: &pgconn.PgError{Code: "23505"}, unique: true},
		{name: "pg serialization", err: &pgconn.PgError{Code: "40001"}, transient: true},
		{name: "pg deadlock", err: fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), transient: true},
		{name: "pg other", err: &pgconn.PgError{Code: "22001"}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			if got := isUniqueViolation(testCase.err); got != testCase.unique {
				test.Fatalf("isUniqueViolation = %v, want %v", got, testCase.unique)
			}
			if got := isTransient(testCase.err); got != testCase.transient {
				test.Fatalf("isTransient = %v, want %v", got, testCase.transient)
			}
		})
	}
}

func TestStoreErrorMarksTransientFailures(test *testing.T) {
	err := storeError("wallet", "update", &pgconn.PgError{Code: "40001"})
	if !errors.Is(err, ledger.ErrTransientConflict) {
		test.Fatalf("expected ErrTransientConflict, got %v", err)
	}
	if !ledger.IsRetryable(err) {
		test.Fatalf("expected retryable error")
	}
	plain := storeError("wallet", "update", errors.New("disk full"))
	if errors.Is(plain, ledger.ErrTransientConflict) {
		test.Fatalf("plain error should not be transient: %v", plain)
	}
}
