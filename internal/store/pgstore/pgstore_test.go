package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

const databaseURLEnv = "WAGER_TEST_DATABASE_URL"

func openStore(test *testing.T) *pgstore.Store {
	test.Helper()
	databaseURL := os.Getenv(databaseURLEnv)
	if databaseURL == "" {
		test.Skipf("%s not set", databaseURLEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	test.Cleanup(pool.Close)
	if err := pgstore.Migrate(ctx, pool); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, "truncate disputes, matches, wallet_transactions, wallets"); err != nil {
		test.Fatalf("truncate: %v", err)
	}
	return pgstore.New(pool)
}

func mustAmount(test *testing.T, raw string) ledger.PositiveAmount {
	test.Helper()
	amount, err := ledger.ParsePositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	return key
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestRefundAgainstPostgres(test *testing.T) {
	store := openStore(test)
	ctx := context.Background()
	now := time.Date(2026, time.July, 4, 12, 0, 0, 0, time.UTC)
	service, err := ledger.NewService(store, ledger.FixedClock(now))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	match := ledger.Match{
		ID:          "pg-match",
		HostID:      "host",
		OppID:       "opp",
		EntryFC:     decimal.NewFromInt(40),
		RakePercent: decimal.NewFromInt(10),
		State:       ledger.MatchActive,
		Checklist:   ledger.NewReadyChecklist(),
		StartAt:     now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateMatch(ctx, match); err != nil {
		test.Fatalf("create match: %v", err)
	}
	if err := store.CreateMatch(ctx, match); !errors.Is(err, ledger.ErrDuplicateMatch) {
		test.Fatalf("expected ErrDuplicateMatch, got %v", err)
	}
	matchID, err := ledger.NewMatchID(match.ID)
	if err != nil {
		test.Fatalf("match id: %v", err)
	}
	for _, userID := range []string{"host", "opp"} {
		if _, err := service.Earn(ctx, mustUserID(test, userID), ledger.EarnRequest{Amount: mustAmount(test, "40"), Reason: "deposit"}, mustKey(test, "pg-deposit:"+userID)); err != nil {
			test.Fatalf("deposit: %v", err)
		}
		if _, err := service.LockWager(ctx, mustUserID(test, userID), matchID, mustAmount(test, "40"), mustKey(test, "pg-wager:"+userID)); err != nil {
			test.Fatalf("lock: %v", err)
		}
	}

	refund, err := service.RefundMatch(ctx, matchID, mustKey(test, "pg-refund"))
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if !refund.Refunded.Equal(decimal.NewFromInt(80)) {
		test.Fatalf("expected 80 refunded, got %s", refund.Refunded)
	}
	replay, err := service.RefundMatch(ctx, matchID, mustKey(test, "pg-refund"))
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if !replay.Replayed {
		test.Fatalf("expected replayed refund")
	}
	for _, userID := range []string{"host", "opp"} {
		wallet, err := store.GetWallet(ctx, userID)
		if err != nil {
			test.Fatalf("wallet: %v", err)
		}
		if !wallet.AvailableFC.Equal(decimal.NewFromInt(40)) || !wallet.LockedFC.IsZero() {
			test.Fatalf("unexpected wallet %+v", wallet)
		}
	}
	stored, err := store.GetMatch(ctx, match.ID)
	if err != nil {
		test.Fatalf("get match: %v", err)
	}
	if stored.State != ledger.MatchCancelled {
		test.Fatalf("expected CANCELLED, got %s", stored.State)
	}

	dispute := ledger.Dispute{ID: "pg-d1", MatchID: match.ID, OpenedBy: ledger.SystemActor, Reason: "timeout", Status: ledger.DisputeOpen, CreatedAt: now}
	if err := store.CreateDispute(ctx, dispute); err != nil {
		test.Fatalf("dispute: %v", err)
	}
	dispute.ID = "pg-d2"
	if err := store.CreateDispute(ctx, dispute); !errors.Is(err, ledger.ErrDisputeExists) {
		test.Fatalf("expected ErrDisputeExists, got %v", err)
	}
}
