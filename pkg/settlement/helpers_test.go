package settlement_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wager/pkg/dispute"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/MarkoPoloResearchLab/wager/pkg/settlement"
)

var startOfDay = time.Date(2026, time.May, 9, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.current
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.current = clock.current.Add(duration)
}

type stubHeartbeats struct {
	at    time.Time
	found bool
	err   error
}

func (heartbeats *stubHeartbeats) LastHeartbeat(context.Context, string) (time.Time, bool, error) {
	return heartbeats.at, heartbeats.found, heartbeats.err
}

type stubCache struct {
	evicted []string
	err     error
}

func (cache *stubCache) Evict(_ context.Context, matchID string) error {
	cache.evicted = append(cache.evicted, matchID)
	return cache.err
}

type recorderPublisher struct {
	topics []string
}

func (publisher *recorderPublisher) Publish(_ context.Context, topic string, _ any) error {
	publisher.topics = append(publisher.topics, topic)
	return nil
}

type harness struct {
	clock      *testClock
	store      *memstore.Store
	wallet     *ledger.Service
	disputes   *dispute.Service
	settlement *settlement.Service
	heartbeats *stubHeartbeats
	cache      *stubCache
	publisher  *recorderPublisher
}

func newHarness(test *testing.T, options ...settlement.Option) *harness {
	test.Helper()
	clock := &testClock{current: startOfDay}
	store := memstore.New()
	retry := ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	wallet, err := ledger.NewService(store, clock.Now, ledger.WithRetryPolicy(retry))
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	disputes, err := dispute.NewService(store, wallet, clock.Now, dispute.WithRetryPolicy(retry))
	if err != nil {
		test.Fatalf("disputes: %v", err)
	}
	heartbeats := &stubHeartbeats{}
	cache := &stubCache{}
	publisher := &recorderPublisher{}
	var sequence int
	base := []settlement.Option{
		settlement.WithRetryPolicy(retry),
		settlement.WithHeartbeatSource(heartbeats),
		settlement.WithMatchCache(cache),
		settlement.WithEventPublisher(publisher),
		settlement.WithIDGenerator(func() string {
			sequence++
			return fmt.Sprintf("match-%d", sequence)
		}),
	}
	service, err := settlement.NewService(store, wallet, disputes, clock.Now, append(base, options...)...)
	if err != nil {
		test.Fatalf("settlement: %v", err)
	}
	return &harness{
		clock:      clock,
		store:      store,
		wallet:     wallet,
		disputes:   disputes,
		settlement: service,
		heartbeats: heartbeats,
		cache:      cache,
		publisher:  publisher,
	}
}

// openMatch creates a match for host and seats opp.
func (harness *harness) openMatch(test *testing.T, host string, opp string, entry string) ledger.Match {
	test.Helper()
	ctx := context.Background()
	match, err := harness.settlement.CreateMatch(ctx, settlement.CreateMatchRequest{HostID: mustUserID(test, host), Entry: mustAmount(test, entry)})
	if err != nil {
		test.Fatalf("create match: %v", err)
	}
	match, err = harness.settlement.JoinMatch(ctx, mustMatchID(test, match.ID), mustUserID(test, opp))
	if err != nil {
		test.Fatalf("join match: %v", err)
	}
	return match
}

func (harness *harness) stake(test *testing.T, matchID string, userID string, amount string) {
	test.Helper()
	ctx := context.Background()
	user := mustUserID(test, userID)
	value := mustAmount(test, amount)
	if _, err := harness.wallet.Earn(ctx, user, ledger.EarnRequest{Amount: value, Reason: "deposit"}, mustKey(test, "deposit:"+matchID+":"+userID)); err != nil {
		test.Fatalf("deposit: %v", err)
	}
	if _, err := harness.wallet.LockWager(ctx, user, mustMatchID(test, matchID), value, mustKey(test, "wager:"+matchID+":"+userID)); err != nil {
		test.Fatalf("lock wager: %v", err)
	}
}

// activeMatch walks a match through the ready check with both stakes locked.
func (harness *harness) activeMatch(test *testing.T, host string, opp string, entry string) ledger.Match {
	test.Helper()
	match := harness.openMatch(test, host, opp, entry)
	harness.stake(test, match.ID, host, entry)
	harness.stake(test, match.ID, opp, entry)
	for _, userID := range []string{host, opp} {
		var err error
		match, err = harness.settlement.ConfirmReady(context.Background(), mustMatchID(test, match.ID), mustUserID(test, userID))
		if err != nil {
			test.Fatalf("confirm ready: %v", err)
		}
	}
	if match.State != ledger.MatchActive {
		test.Fatalf("expected ACTIVE after ready check, got %s", match.State)
	}
	return match
}

func (harness *harness) match(test *testing.T, matchID string) ledger.Match {
	test.Helper()
	match, err := harness.store.GetMatch(context.Background(), matchID)
	if err != nil {
		test.Fatalf("get match: %v", err)
	}
	return match
}

func (harness *harness) walletOf(test *testing.T, userID string) ledger.Wallet {
	test.Helper()
	wallet, err := harness.store.GetWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("get wallet %s: %v", userID, err)
	}
	return wallet
}

func (harness *harness) count(matchID string, transactionType ledger.TransactionType) int {
	count := 0
	for _, transaction := range harness.store.Transactions() {
		if transaction.RefID == matchID && transaction.Type == transactionType {
			count++
		}
	}
	return count
}

func assertBalances(test *testing.T, wallet ledger.Wallet, available string, locked string) {
	test.Helper()
	if !wallet.AvailableFC.Equal(decimal.RequireFromString(available)) {
		test.Fatalf("%s: expected available %s, got %s", wallet.UserID, available, wallet.AvailableFC)
	}
	if !wallet.LockedFC.Equal(decimal.RequireFromString(locked)) {
		test.Fatalf("%s: expected locked %s, got %s", wallet.UserID, locked, wallet.LockedFC)
	}
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
		test.Fatalf("key: %v", err)
	}
	return key
}

func mustAmount(test *testing.T, raw string) ledger.PositiveAmount {
	test.Helper()
	amount, err := ledger.ParsePositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}
