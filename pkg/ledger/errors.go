package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger, settlement and dispute services.
var (
	// validation
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInsufficientLocked        = errors.New("insufficient locked funds")
	ErrNoPot                     = errors.New("no pot")
	ErrMissingOpponent           = errors.New("missing opponent")
	ErrNotParticipant            = errors.New("not a match participant")
	ErrIdempotencyKeyConflict    = errors.New("idempotency key reused for a different operation")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidMatchID            = errors.New("invalid match id")
	ErrInvalidIdempotencyKey     = errors.New("invalid idempotency key")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInvalidRakePercent        = errors.New("invalid rake percent")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidReference          = errors.New("invalid reference")
	ErrInvalidReport             = errors.New("invalid report")
	ErrInvalidResolution         = errors.New("invalid resolution")
	ErrInvalidForfeit            = errors.New("invalid forfeit")
	ErrInvalidTransactionType    = errors.New("invalid transaction type")
	ErrInvalidMatchState         = errors.New("invalid match state")
	ErrInvalidChecklistCondition = errors.New("invalid checklist condition")
	ErrInvalidServiceConfig      = errors.New("invalid service config")

	// state conflict
	ErrMatchNotPayable = errors.New("match not payable")
	ErrMatchClosed     = errors.New("match closed")
	ErrMatchFull       = errors.New("match already has an opponent")
	ErrReportSubmitted = errors.New("report already submitted")
	ErrDisputeExists   = errors.New("dispute already open")
	ErrDisputeNotOpen  = errors.New("dispute not open")
	ErrInvalidBalance  = errors.New("invalid balance")
	ErrDuplicateMatch  = errors.New("match already exists")
	ErrMatchUnsettled  = errors.New("match not settled")

	// not found
	ErrMatchNotFound       = errors.New("match not found")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// transient infrastructure
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrTransientConflict       = errors.New("transient store conflict")
	ErrRetryExhausted          = errors.New("retry attempts exhausted")
)

var (
	validationErrors = []error{
		ErrInsufficientFunds, ErrInsufficientLocked, ErrNoPot, ErrMissingOpponent, ErrNotParticipant,
		ErrIdempotencyKeyConflict, ErrInvalidUserID, ErrInvalidMatchID, ErrInvalidIdempotencyKey,
		ErrInvalidAmount, ErrInvalidRakePercent, ErrInvalidMetadataJSON, ErrInvalidReference,
		ErrInvalidReport, ErrInvalidResolution, ErrInvalidForfeit,
	}
	stateConflictErrors = []error{
		ErrMatchNotPayable, ErrMatchClosed, ErrMatchFull, ErrReportSubmitted, ErrDisputeExists,
		ErrDisputeNotOpen, ErrInvalidBalance, ErrDuplicateMatch, ErrMatchUnsettled,
	}
	notFoundErrors = []error{
		ErrMatchNotFound, ErrDisputeNotFound, ErrWalletNotFound, ErrTransactionNotFound,
	}
)

// IsValidation reports caller input or pre-state errors that must not be retried automatically.
func IsValidation(err error) bool {
	return matchesAny(err, validationErrors)
}

// IsStateConflict reports errors where the entity exists but is in an incompatible state.
func IsStateConflict(err error) bool {
	return matchesAny(err, stateConflictErrors)
}

// IsNotFound reports missing matches, disputes, wallets or transactions.
func IsNotFound(err error) bool {
	return matchesAny(err, notFoundErrors)
}

// IsRetryable reports transient infrastructure failures the caller may retry later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryExhausted) || errors.Is(err, ErrTransientConflict)
}

func matchesAny(err error, targets []error) bool {
	if err == nil {
		return false
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
