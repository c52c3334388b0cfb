// Package memstore is an in-memory ledger.Store. Transactions run one at a time
// against a snapshot that replaces the live state only on success.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

// Store keeps ledger state in process memory.
type Store struct {
	mu    *sync.Mutex
	state *state
	inTx  bool
	nowFn func() time.Time
}

type state struct {
	wallets      map[string]ledger.Wallet
	transactions []ledger.Transaction
	keys         map[string]int
	matches      map[string]ledger.Match
	disputes     []ledger.Dispute
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock that stamps wallets created by the store.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.nowFn = now
		}
	}
}

// New returns an empty store.
func New(options ...Option) *Store {
	store := &Store{
		mu:    &sync.Mutex{},
		state: newState(),
		nowFn: time.Now,
	}
	for _, option := range options {
		option(store)
	}
	return store
}

func newState() *state {
	return &state{
		wallets: map[string]ledger.Wallet{},
		keys:    map[string]int{},
		matches: map[string]ledger.Match{},
	}
}

func (current *state) clone() *state {
	cloned := &state{
		wallets:      make(map[string]ledger.Wallet, len(current.wallets)),
		transactions: append([]ledger.Transaction(nil), current.transactions...),
		keys:         make(map[string]int, len(current.keys)),
		matches:      make(map[string]ledger.Match, len(current.matches)),
		disputes:     append([]ledger.Dispute(nil), current.disputes...),
	}
	for key, wallet := range current.wallets {
		cloned.wallets[key] = wallet
	}
	for key, index := range current.keys {
		cloned.keys[key] = index
	}
	for key, match := range current.matches {
		cloned.matches[key] = match
	}
	return cloned
}

// WithTx runs fn against a snapshot and commits it when fn returns nil.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	txStore := &Store{
		mu:    store.mu,
		state: store.state.clone(),
		inTx:  true,
		nowFn: store.nowFn,
	}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	store.state = txStore.state
	return nil
}

func (store *Store) read(fn func(current *state) error) error {
	if store.inTx {
		return fn(store.state)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(store.state)
}

// GetOrCreateWallet returns the user's wallet, creating an empty one when missing.
func (store *Store) GetOrCreateWallet(ctx context.Context, userID string) (ledger.Wallet, error) {
	var wallet ledger.Wallet
	err := store.read(func(current *state) error {
		existing, ok := current.wallets[userID]
		if ok {
			wallet = existing
			return nil
		}
		now := store.nowFn().UTC()
		wallet = ledger.Wallet{
			WalletID:       uuid.NewString(),
			UserID:         userID,
			AvailableFC:    decimal.Zero,
			LockedFC:       decimal.Zero,
			TotalDeposited: decimal.Zero,
			TotalWithdrawn: decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		current.wallets[userID] = wallet
		return nil
	})
	return wallet, err
}

// GetWallet returns ledger.ErrWalletNotFound when the user has no wallet.
func (store *Store) GetWallet(ctx context.Context, userID string) (ledger.Wallet, error) {
	var wallet ledger.Wallet
	err := store.read(func(current *state) error {
		existing, ok := current.wallets[userID]
		if !ok {
			return ledger.ErrWalletNotFound
		}
		wallet = existing
		return nil
	})
	return wallet, err
}

// UpdateWallet replaces the stored balances of an existing wallet.
func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet) error {
	return store.read(func(current *state) error {
		if _, ok := current.wallets[wallet.UserID]; !ok {
			return ledger.ErrWalletNotFound
		}
		current.wallets[wallet.UserID] = wallet
		return nil
	})
}

// InsertTransaction appends an entry, enforcing idempotency key uniqueness.
func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	return store.read(func(current *state) error {
		if transaction.IdempotencyKey != "" {
			if _, exists := current.keys[transaction.IdempotencyKey]; exists {
				return ledger.ErrDuplicateIdempotencyKey
			}
			current.keys[transaction.IdempotencyKey] = len(current.transactions)
		}
		current.transactions = append(current.transactions, transaction)
		return nil
	})
}

// FindTransactionByKey returns ledger.ErrTransactionNotFound for unknown keys.
func (store *Store) FindTransactionByKey(ctx context.Context, idempotencyKey string) (ledger.Transaction, error) {
	var transaction ledger.Transaction
	err := store.read(func(current *state) error {
		index, ok := current.keys[idempotencyKey]
		if !ok {
			return ledger.ErrTransactionNotFound
		}
		transaction = current.transactions[index]
		return nil
	})
	return transaction, err
}

// ListTransactionsByReference returns the entries of one reference in insertion order.
func (store *Store) ListTransactionsByReference(ctx context.Context, refType string, refID string) ([]ledger.Transaction, error) {
	var transactions []ledger.Transaction
	err := store.read(func(current *state) error {
		for _, transaction := range current.transactions {
			if transaction.RefType == refType && transaction.RefID == refID {
				transactions = append(transactions, transaction)
			}
		}
		return nil
	})
	return transactions, err
}

// ListTransactions returns a user's entries created before the cutoff, newest first.
func (store *Store) ListTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]ledger.Transaction, error) {
	var transactions []ledger.Transaction
	err := store.read(func(current *state) error {
		for index := len(current.transactions) - 1; index >= 0; index-- {
			transaction := current.transactions[index]
			if transaction.UserID != userID || !transaction.CreatedAt.Before(before) {
				continue
			}
			transactions = append(transactions, transaction)
		}
		return nil
	})
	sort.SliceStable(transactions, func(left, right int) bool {
		return transactions[left].CreatedAt.After(transactions[right].CreatedAt)
	})
	if limit > 0 && len(transactions) > limit {
		transactions = transactions[:limit]
	}
	return transactions, err
}

// CreateMatch stores a new match.
func (store *Store) CreateMatch(ctx context.Context, match ledger.Match) error {
	return store.read(func(current *state) error {
		if _, exists := current.matches[match.ID]; exists {
			return ledger.ErrDuplicateMatch
		}
		current.matches[match.ID] = match
		return nil
	})
}

// GetMatch returns ledger.ErrMatchNotFound for unknown ids.
func (store *Store) GetMatch(ctx context.Context, matchID string) (ledger.Match, error) {
	var match ledger.Match
	err := store.read(func(current *state) error {
		existing, ok := current.matches[matchID]
		if !ok {
			return ledger.ErrMatchNotFound
		}
		match = existing
		return nil
	})
	return match, err
}

// UpdateMatch replaces an existing match.
func (store *Store) UpdateMatch(ctx context.Context, match ledger.Match) error {
	return store.read(func(current *state) error {
		if _, ok := current.matches[match.ID]; !ok {
			return ledger.ErrMatchNotFound
		}
		current.matches[match.ID] = match
		return nil
	})
}

// ListMatchesByState returns matches in state that started before the cutoff, oldest first.
func (store *Store) ListMatchesByState(ctx context.Context, matchState ledger.MatchState, startedBefore time.Time, limit int) ([]ledger.Match, error) {
	var matches []ledger.Match
	err := store.read(func(current *state) error {
		for _, match := range current.matches {
			if match.State != matchState || match.StartAt.IsZero() || !match.StartAt.Before(startedBefore) {
				continue
			}
			matches = append(matches, match)
		}
		return nil
	})
	sort.Slice(matches, func(left, right int) bool {
		if matches[left].StartAt.Equal(matches[right].StartAt) {
			return matches[left].ID < matches[right].ID
		}
		return matches[left].StartAt.Before(matches[right].StartAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, err
}

// CreateDispute stores a dispute; a second OPEN dispute for the same match fails with ledger.ErrDisputeExists.
func (store *Store) CreateDispute(ctx context.Context, dispute ledger.Dispute) error {
	return store.read(func(current *state) error {
		if dispute.Status == ledger.DisputeOpen {
			for _, existing := range current.disputes {
				if existing.MatchID == dispute.MatchID && existing.Status == ledger.DisputeOpen {
					return ledger.ErrDisputeExists
				}
			}
		}
		current.disputes = append(current.disputes, dispute)
		return nil
	})
}

// GetOpenDispute returns ledger.ErrDisputeNotFound when the match has no open dispute.
func (store *Store) GetOpenDispute(ctx context.Context, matchID string) (ledger.Dispute, error) {
	var dispute ledger.Dispute
	err := store.read(func(current *state) error {
		for _, existing := range current.disputes {
			if existing.MatchID == matchID && existing.Status == ledger.DisputeOpen {
				dispute = existing
				return nil
			}
		}
		return ledger.ErrDisputeNotFound
	})
	return dispute, err
}

// GetLatestDispute returns the most recently created dispute of a match.
func (store *Store) GetLatestDispute(ctx context.Context, matchID string) (ledger.Dispute, error) {
	var dispute ledger.Dispute
	err := store.read(func(current *state) error {
		for index := len(current.disputes) - 1; index >= 0; index-- {
			if current.disputes[index].MatchID == matchID {
				dispute = current.disputes[index]
				return nil
			}
		}
		return ledger.ErrDisputeNotFound
	})
	return dispute, err
}

// UpdateDispute replaces an existing dispute.
func (store *Store) UpdateDispute(ctx context.Context, dispute ledger.Dispute) error {
	return store.read(func(current *state) error {
		for index, existing := range current.disputes {
			if existing.ID == dispute.ID {
				current.disputes[index] = dispute
				return nil
			}
		}
		return ledger.ErrDisputeNotFound
	})
}

// Transactions returns a copy of every stored entry in insertion order.
func (store *Store) Transactions() []ledger.Transaction {
	var transactions []ledger.Transaction
	_ = store.read(func(current *state) error {
		transactions = append(transactions, current.transactions...)
		return nil
	})
	return transactions
}

// Wallets returns a copy of every stored wallet.
func (store *Store) Wallets() []ledger.Wallet {
	var wallets []ledger.Wallet
	_ = store.read(func(current *state) error {
		for _, wallet := range current.wallets {
			wallets = append(wallets, wallet)
		}
		return nil
	})
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].UserID < wallets[right].UserID
	})
	return wallets
}
