package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HoldRequest describes a generic hold, release or withdrawal.
type HoldRequest struct {
	Amount  PositiveAmount
	RefType string
	RefID   string
}

// EarnRequest describes a credit to available funds.
type EarnRequest struct {
	Amount  PositiveAmount
	Reason  string
	RefType string
	RefID   string
}

// Receipt is the outcome of a single-wallet mutation.
type Receipt struct {
	TransactionID string
	UserID        string
	Type          TransactionType
	AmountFC      decimal.Decimal
	AvailableFC   decimal.Decimal
	LockedFC      decimal.Decimal
	Replayed      bool
}

type walletMutation struct {
	operation       string
	transactionType TransactionType
	availableDelta  decimal.Decimal
	lockedDelta     decimal.Decimal
	signedAmount    decimal.Decimal
	refType         string
	refID           string
	metadata        string
	check           func(ctx context.Context, transactionStore Store, wallet Wallet) error
	apply           func(wallet *Wallet)
}

// Lock places a generic hold outside of any match.
func (service *Service) Lock(ctx context.Context, userID UserID, request HoldRequest, idempotencyKey IdempotencyKey) (Receipt, error) {
	amount := request.Amount.Decimal()
	return service.mutateWallet(ctx, userID, idempotencyKey, walletMutation{
		operation:       operationLock,
		transactionType: TransactionLock,
		availableDelta:  amount.Neg(),
		lockedDelta:     amount,
		signedAmount:    amount.Neg(),
		refType:         request.RefType,
		refID:           request.RefID,
		check: func(_ context.Context, _ Store, wallet Wallet) error {
			if wallet.AvailableFC.LessThan(amount) {
				return ErrInsufficientFunds
			}
			return nil
		},
	})
}

// Unlock releases a generic hold back to available funds.
func (service *Service) Unlock(ctx context.Context, userID UserID, request HoldRequest, idempotencyKey IdempotencyKey) (Receipt, error) {
	amount := request.Amount.Decimal()
	return service.mutateWallet(ctx, userID, idempotencyKey, walletMutation{
		operation:       operationUnlock,
		transactionType: TransactionUnlock,
		availableDelta:  amount,
		lockedDelta:     amount.Neg(),
		signedAmount:    amount,
		refType:         request.RefType,
		refID:           request.RefID,
		check: func(ctx context.Context, transactionStore Store, wallet Wallet) error {
			return requireHold(ctx, transactionStore, wallet, request, amount)
		},
	})
}

// Earn credits available funds. The reason "deposit" records a DEPOSIT and counts towards total deposits.
func (service *Service) Earn(ctx context.Context, userID UserID, request EarnRequest, idempotencyKey IdempotencyKey) (Receipt, error) {
	amount := request.Amount.Decimal()
	reason := strings.TrimSpace(request.Reason)
	mutation := walletMutation{
		operation:       operationEarn,
		transactionType: TransactionEarn,
		availableDelta:  amount,
		lockedDelta:     decimal.Zero,
		signedAmount:    amount,
		refType:         request.RefType,
		refID:           request.RefID,
		metadata:        settlementMetadata{Reason: reason}.String(),
	}
	if strings.EqualFold(reason, earnReasonDeposit) {
		mutation.transactionType = TransactionDeposit
		mutation.apply = func(wallet *Wallet) {
			wallet.TotalDeposited = RoundFC(wallet.TotalDeposited.Add(amount))
		}
	}
	return service.mutateWallet(ctx, userID, idempotencyKey, mutation)
}

// Withdraw consumes a previously placed hold once the external payout has settled.
func (service *Service) Withdraw(ctx context.Context, userID UserID, request HoldRequest, idempotencyKey IdempotencyKey) (Receipt, error) {
	amount := request.Amount.Decimal()
	return service.mutateWallet(ctx, userID, idempotencyKey, walletMutation{
		operation:       operationWithdraw,
		transactionType: TransactionWithdrawal,
		availableDelta:  decimal.Zero,
		lockedDelta:     amount.Neg(),
		signedAmount:    amount.Neg(),
		refType:         request.RefType,
		refID:           request.RefID,
		check: func(ctx context.Context, transactionStore Store, wallet Wallet) error {
			return requireHold(ctx, transactionStore, wallet, request, amount)
		},
		apply: func(wallet *Wallet) {
			wallet.TotalWithdrawn = RoundFC(wallet.TotalWithdrawn.Add(amount))
		},
	})
}

// Balance returns the wallet of a user; users without a wallet have zero balances.
func (service *Service) Balance(ctx context.Context, userID UserID) (Wallet, error) {
	wallet, err := service.store.GetWallet(ctx, userID.String())
	if errors.Is(err, ErrWalletNotFound) {
		return Wallet{
			UserID:         userID.String(),
			AvailableFC:    decimal.Zero,
			LockedFC:       decimal.Zero,
			TotalDeposited: decimal.Zero,
			TotalWithdrawn: decimal.Zero,
		}, nil
	}
	if err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// ListTransactions lists a user's ledger entries created before the cutoff, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, before time.Time, limit int) ([]Transaction, error) {
	if before.IsZero() {
		before = service.nowFn().Add(time.Second)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return service.store.ListTransactions(ctx, userID.String(), before.UTC(), limit)
}

func (service *Service) mutateWallet(ctx context.Context, userID UserID, idempotencyKey IdempotencyKey, mutation walletMutation) (Receipt, error) {
	var receipt Receipt
	operationError := validateReference(mutation.refType, mutation.refID)
	if operationError == nil {
		operationError = RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore Store) error {
			existing, found, err := findTransactionByKey(ctx, transactionStore, idempotencyKey.String())
			if err != nil {
				return err
			}
			if found {
				if existing.Type != mutation.transactionType || existing.UserID != userID.String() {
					return ErrIdempotencyKeyConflict
				}
				wallet, err := transactionStore.GetWallet(ctx, userID.String())
				if err != nil {
					return err
				}
				receipt = receiptFor(existing, wallet)
				receipt.Replayed = true
				return nil
			}
			wallet, err := transactionStore.GetOrCreateWallet(ctx, userID.String())
			if err != nil {
				return err
			}
			if mutation.check != nil {
				if err := mutation.check(ctx, transactionStore, wallet); err != nil {
					return err
				}
			}
			wallet, err = service.adjustWallet(wallet, mutation.availableDelta, mutation.lockedDelta)
			if err != nil {
				return err
			}
			if mutation.apply != nil {
				mutation.apply(&wallet)
			}
			if err := transactionStore.UpdateWallet(ctx, wallet); err != nil {
				return err
			}
			metadata := mutation.metadata
			if metadata == "" {
				metadata = "{}"
			}
			entry := service.newTransaction(wallet, mutation.transactionType, mutation.signedAmount, mutation.refType, mutation.refID, idempotencyKey.String(), metadata)
			if err := transactionStore.InsertTransaction(ctx, entry); err != nil {
				return err
			}
			receipt = receiptFor(entry, wallet)
			return nil
		})
	}
	EmitOperationLog(ctx, service.logger, OperationLog{
		Operation:      mutation.operation,
		UserID:         userID.String(),
		Amount:         mutation.signedAmount,
		IdempotencyKey: idempotencyKey.String(),
		Detail:         mutation.refType,
		Replayed:       receipt.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}

// requireHold admits a release or withdrawal only against the hold placed under the same reference.
// Match stakes are locked too, so the wallet total alone is not enough.
func requireHold(ctx context.Context, transactionStore Store, wallet Wallet, request HoldRequest, amount decimal.Decimal) error {
	if wallet.LockedFC.LessThan(amount) {
		return ErrInsufficientLocked
	}
	held, err := outstandingHold(ctx, transactionStore, wallet.UserID, request.RefType, request.RefID)
	if err != nil {
		return err
	}
	if held.LessThan(amount) {
		return fmt.Errorf("%w: %s held under %s/%s", ErrInsufficientLocked, held.StringFixed(2), request.RefType, request.RefID)
	}
	return nil
}

func outstandingHold(ctx context.Context, transactionStore Store, userID string, refType string, refID string) (decimal.Decimal, error) {
	entries, err := transactionStore.ListTransactionsByReference(ctx, refType, refID)
	if err != nil {
		return decimal.Zero, err
	}
	held := decimal.Zero
	for _, entry := range entries {
		if entry.UserID != userID {
			continue
		}
		switch entry.Type {
		case TransactionLock:
			held = held.Add(entry.AmountFC.Abs())
		case TransactionUnlock, TransactionWithdrawal:
			held = held.Sub(entry.AmountFC.Abs())
		}
	}
	return RoundFC(held), nil
}

func receiptFor(entry Transaction, wallet Wallet) Receipt {
	return Receipt{
		TransactionID: entry.ID,
		UserID:        entry.UserID,
		Type:          entry.Type,
		AmountFC:      entry.AmountFC,
		AvailableFC:   wallet.AvailableFC,
		LockedFC:      wallet.LockedFC,
	}
}

func validateReference(refType string, refID string) error {
	if strings.TrimSpace(refType) == "" && strings.TrimSpace(refID) != "" {
		return fmt.Errorf("%w: reference id without type", ErrInvalidReference)
	}
	if strings.EqualFold(strings.TrimSpace(refType), RefTypeMatch) {
		return fmt.Errorf("%w: match references are reserved for wagers", ErrInvalidReference)
	}
	return nil
}
