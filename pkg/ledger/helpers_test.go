package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

const platformUser = "platform"

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type recorderLogger struct {
	mu      sync.Mutex
	entries []ledger.OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) snapshot() []ledger.OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return append([]ledger.OperationLog(nil), logger.entries...)
}

type publishedEvent struct {
	topic   string
	payload any
}

type recorderPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (publisher *recorderPublisher) Publish(_ context.Context, topic string, payload any) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, publishedEvent{topic: topic, payload: payload})
	return publisher.err
}

func (publisher *recorderPublisher) topics() []string {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	topics := make([]string, 0, len(publisher.events))
	for _, event := range publisher.events {
		topics = append(topics, event.topic)
	}
	return topics
}

// flakyStore fails the first failures transactions with a serialization conflict.
type flakyStore struct {
	*memstore.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (store *flakyStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	store.mu.Lock()
	store.attempts++
	fail := store.failures > 0
	if fail {
		store.failures--
	}
	store.mu.Unlock()
	if fail {
		return ledger.WrapError("store", "tx", "serialization", ledger.ErrTransientConflict)
	}
	return store.Store.WithTx(ctx, fn)
}

func fastRetry() ledger.RetryPolicy {
	return ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func mustNewService(test *testing.T, store ledger.Store, options ...ledger.ServiceOption) *ledger.Service {
	test.Helper()
	options = append([]ledger.ServiceOption{ledger.WithRetryPolicy(fastRetry())}, options...)
	service, err := ledger.NewService(store, ledger.FixedClock(fixedNow), options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustMatchID(test *testing.T, raw string) ledger.MatchID {
	test.Helper()
	matchID, err := ledger.NewMatchID(raw)
	if err != nil {
		test.Fatalf("match id: %v", err)
	}
	return matchID
}

func mustKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustAmount(test *testing.T, raw string) ledger.PositiveAmount {
	test.Helper()
	amount, err := ledger.ParsePositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount %s: %v", raw, err)
	}
	return amount
}

func mustDeposit(test *testing.T, service *ledger.Service, userID string, amount string) {
	test.Helper()
	_, err := service.Earn(context.Background(), mustUserID(test, userID), ledger.EarnRequest{
		Amount: mustAmount(test, amount),
		Reason: "deposit",
	}, mustKey(test, "deposit:"+userID+":"+amount))
	if err != nil {
		test.Fatalf("deposit %s: %v", userID, err)
	}
}

func mustCreateMatch(test *testing.T, store ledger.Store, matchID string, hostID string, oppID string, state ledger.MatchState, rake string) ledger.Match {
	test.Helper()
	match := ledger.Match{
		ID:          matchID,
		HostID:      hostID,
		OppID:       oppID,
		EntryFC:     decimal.RequireFromString("100"),
		RakePercent: decimal.RequireFromString(rake),
		State:       state,
		Checklist:   ledger.NewReadyChecklist(),
		CreatedAt:   fixedNow,
		UpdatedAt:   fixedNow,
	}
	if state == ledger.MatchActive {
		match.StartAt = fixedNow
	}
	if err := store.CreateMatch(context.Background(), match); err != nil {
		test.Fatalf("create match: %v", err)
	}
	return match
}

func mustLockWager(test *testing.T, service *ledger.Service, userID string, matchID string, amount string) ledger.WagerLock {
	test.Helper()
	lock, err := service.LockWager(context.Background(), mustUserID(test, userID), mustMatchID(test, matchID), mustAmount(test, amount), mustKey(test, "wager:"+matchID+":"+userID))
	if err != nil {
		test.Fatalf("lock wager %s: %v", userID, err)
	}
	return lock
}

// mustStakedMatch creates a match with both participants funded and their stakes locked.
func mustStakedMatch(test *testing.T, store ledger.Store, service *ledger.Service, matchID string, stake string, rake string) ledger.Match {
	test.Helper()
	match := mustCreateMatch(test, store, matchID, "host-"+matchID, "opp-"+matchID, ledger.MatchReadyCheck, rake)
	mustDeposit(test, service, match.HostID, stake)
	mustDeposit(test, service, match.OppID, stake)
	mustLockWager(test, service, match.HostID, matchID, stake)
	mustLockWager(test, service, match.OppID, matchID, stake)
	mustSetMatchState(test, store, matchID, ledger.MatchActive)
	return match
}

func mustSetMatchState(test *testing.T, store ledger.Store, matchID string, state ledger.MatchState) {
	test.Helper()
	match, err := store.GetMatch(context.Background(), matchID)
	if err != nil {
		test.Fatalf("get match: %v", err)
	}
	match.State = state
	if state == ledger.MatchActive {
		match.StartAt = fixedNow
	}
	if err := store.UpdateMatch(context.Background(), match); err != nil {
		test.Fatalf("update match: %v", err)
	}
}

func mustWallet(test *testing.T, store ledger.Store, userID string) ledger.Wallet {
	test.Helper()
	wallet, err := store.GetWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("wallet %s: %v", userID, err)
	}
	return wallet
}

func mustMatch(test *testing.T, store ledger.Store, matchID string) ledger.Match {
	test.Helper()
	match, err := store.GetMatch(context.Background(), matchID)
	if err != nil {
		test.Fatalf("match %s: %v", matchID, err)
	}
	return match
}

func assertAmount(test *testing.T, label string, got decimal.Decimal, want string) {
	test.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		test.Fatalf("%s: expected %s, got %s", label, want, got.StringFixed(2))
	}
}

func assertBalances(test *testing.T, store ledger.Store, userID string, available string, locked string) {
	test.Helper()
	wallet := mustWallet(test, store, userID)
	assertAmount(test, userID+" available", wallet.AvailableFC, available)
	assertAmount(test, userID+" locked", wallet.LockedFC, locked)
}

// assertConserved checks that every FC deposited is still held by some wallet.
func assertConserved(test *testing.T, store *memstore.Store) {
	test.Helper()
	deposited := decimal.Zero
	held := decimal.Zero
	for _, wallet := range store.Wallets() {
		deposited = deposited.Add(wallet.TotalDeposited).Sub(wallet.TotalWithdrawn)
		held = held.Add(wallet.AvailableFC).Add(wallet.LockedFC)
		if wallet.AvailableFC.IsNegative() || wallet.LockedFC.IsNegative() {
			test.Fatalf("negative balance for %s: %+v", wallet.UserID, wallet)
		}
	}
	if !deposited.Equal(held) {
		test.Fatalf("conservation violated: deposited %s, held %s", deposited, held)
	}
}

func countTransactions(store *memstore.Store, refID string, transactionType ledger.TransactionType) int {
	count := 0
	for _, transaction := range store.Transactions() {
		if transaction.RefID == refID && transaction.Type == transactionType {
			count++
		}
	}
	return count
}
