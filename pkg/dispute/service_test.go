package dispute_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wager/pkg/dispute"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

var fixedNow = time.Date(2026, time.April, 2, 18, 30, 0, 0, time.UTC)

type recorderPublisher struct {
	topics []string
}

func (publisher *recorderPublisher) Publish(_ context.Context, topic string, _ any) error {
	publisher.topics = append(publisher.topics, topic)
	return nil
}

type fixture struct {
	store     *memstore.Store
	wallet    *ledger.Service
	disputes  *dispute.Service
	publisher *recorderPublisher
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	store := memstore.New()
	retry := ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	wallet, err := ledger.NewService(store, ledger.FixedClock(fixedNow), ledger.WithRetryPolicy(retry))
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	publisher := &recorderPublisher{}
	disputes, err := dispute.NewService(store, wallet, ledger.FixedClock(fixedNow), dispute.WithRetryPolicy(retry), dispute.WithEventPublisher(publisher))
	if err != nil {
		test.Fatalf("disputes: %v", err)
	}
	return &fixture{store: store, wallet: wallet, disputes: disputes, publisher: publisher}
}

// stakedMatch seeds an ACTIVE match where host and opp each locked stake.
func (fixture *fixture) stakedMatch(test *testing.T, matchID string, stake string) ledger.Match {
	test.Helper()
	ctx := context.Background()
	match := ledger.Match{
		ID:          matchID,
		HostID:      "host",
		OppID:       "opp",
		EntryFC:     decimal.RequireFromString(stake),
		RakePercent: decimal.NewFromInt(10),
		State:       ledger.MatchActive,
		Checklist:   ledger.NewReadyChecklist(),
		StartAt:     fixedNow,
		CreatedAt:   fixedNow,
		UpdatedAt:   fixedNow,
	}
	if err := fixture.store.CreateMatch(ctx, match); err != nil {
		test.Fatalf("create match: %v", err)
	}
	for _, userID := range []string{"host", "opp"} {
		user := mustUserID(test, userID)
		amount := mustAmount(test, stake)
		if _, err := fixture.wallet.Earn(ctx, user, ledger.EarnRequest{Amount: amount, Reason: "deposit"}, mustKey(test, "deposit:"+matchID+":"+userID)); err != nil {
			test.Fatalf("deposit: %v", err)
		}
		if _, err := fixture.wallet.LockWager(ctx, user, mustMatchID(test, matchID), amount, mustKey(test, "wager:"+matchID+":"+userID)); err != nil {
			test.Fatalf("lock wager: %v", err)
		}
	}
	return match
}

func (fixture *fixture) match(test *testing.T, matchID string) ledger.Match {
	test.Helper()
	match, err := fixture.store.GetMatch(context.Background(), matchID)
	if err != nil {
		test.Fatalf("get match: %v", err)
	}
	return match
}

func (fixture *fixture) count(matchID string, transactionType ledger.TransactionType) int {
	count := 0
	for _, transaction := range fixture.store.Transactions() {
		if transaction.RefID == matchID && transaction.Type == transactionType {
			count++
		}
	}
	return count
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

func mustOpen(test *testing.T, fixture *fixture, matchID string) dispute.Ticket {
	test.Helper()
	ticket, err := fixture.disputes.OpenDispute(context.Background(), mustUserID(test, "host"), mustMatchID(test, matchID), "opponent_cheated", "screenshot attached")
	if err != nil {
		test.Fatalf("open dispute: %v", err)
	}
	return ticket
}

func TestOpenDisputeMovesMatchToDisputed(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.stakedMatch(test, "m-open", "100")

	ticket := mustOpen(test, fixture, "m-open")
	if !ticket.Created || ticket.Status != ledger.DisputeOpen || ticket.DisputeID == "" {
		test.Fatalf("unexpected ticket %+v", ticket)
	}
	if state := fixture.match(test, "m-open").State; state != ledger.MatchDisputed {
		test.Fatalf("expected DISPUTED, got %s", state)
	}
	stored, err := fixture.disputes.GetDispute(context.Background(), mustMatchID(test, "m-open"))
	if err != nil {
		test.Fatalf("get dispute: %v", err)
	}
	if stored.OpenedBy != "host" || stored.Reason != "opponent_cheated" || stored.Notes != "screenshot attached" {
		test.Fatalf("unexpected dispute %+v", stored)
	}
	wantTopics := []string{ledger.TopicDisputeOpened, ledger.TopicMatchDisputed}
	if len(fixture.publisher.topics) != len(wantTopics) || fixture.publisher.topics[0] != wantTopics[0] || fixture.publisher.topics[1] != wantTopics[1] {
		test.Fatalf("unexpected topics %v", fixture.publisher.topics)
	}

	_, err = fixture.disputes.OpenDispute(context.Background(), mustUserID(test, "opp"), mustMatchID(test, "m-open"), "", "")
	if !errors.Is(err, ledger.ErrDisputeExists) {
		test.Fatalf("expected ErrDisputeExists, got %v", err)
	}
}

func TestOpenDisputeRejections(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		userID    string
		configure func(test *testing.T, fixture *fixture)
		wantErr   error
	}{
		{
			name:    "not a participant",
			userID:  "stranger",
			wantErr: ledger.ErrNotParticipant,
		},
		{
			name:   "settled match",
			userID: "host",
			configure: func(test *testing.T, fixture *fixture) {
				if _, err := fixture.wallet.PayoutWinner(context.Background(), mustMatchID(test, "m-x"), mustUserID(test, "host"), mustKey(test, "payout")); err != nil {
					test.Fatalf("payout: %v", err)
				}
			},
			wantErr: ledger.ErrMatchNotPayable,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newFixture(test)
			fixture.stakedMatch(test, "m-x", "10")
			if testCase.configure != nil {
				testCase.configure(test, fixture)
			}
			_, err := fixture.disputes.OpenDispute(context.Background(), mustUserID(test, testCase.userID), mustMatchID(test, "m-x"), "reason", "")
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestEscalateIsIdempotentAndKeepsEvidence(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.stakedMatch(test, "m-esc", "100")
	matchID := mustMatchID(test, "m-esc")

	first, err := fixture.disputes.Escalate(context.Background(), matchID, "conflicting_reports", dispute.Evidence{"hostReport": "WIN", "oppReport": "WIN"})
	if err != nil {
		test.Fatalf("escalate: %v", err)
	}
	second, err := fixture.disputes.Escalate(context.Background(), matchID, "timeout", nil)
	if err != nil {
		test.Fatalf("second escalate: %v", err)
	}
	if !first.Created || second.Created || first.DisputeID != second.DisputeID {
		test.Fatalf("expected the open dispute to be reused: first=%+v second=%+v", first, second)
	}
	stored, err := fixture.disputes.GetDispute(context.Background(), matchID)
	if err != nil {
		test.Fatalf("get dispute: %v", err)
	}
	if stored.OpenedBy != ledger.SystemActor || stored.Reason != "conflicting_reports" {
		test.Fatalf("unexpected dispute %+v", stored)
	}
	var evidence map[string]string
	if err := json.Unmarshal([]byte(stored.Evidence), &evidence); err != nil {
		test.Fatalf("evidence json: %v", err)
	}
	if evidence["hostReport"] != "WIN" || evidence["oppReport"] != "WIN" || evidence["priorState"] != "ACTIVE" {
		test.Fatalf("unexpected evidence %v", evidence)
	}
}

func TestResolveDisputeOutcomes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		outcome      ledger.Resolution
		winnerID     string
		wantState    ledger.MatchState
		wantWinner   string
		wantHostFree string
		wantOppFree  string
		wantLocked   string
	}{
		{name: "payout", outcome: ledger.ResolutionPayout, winnerID: "opp", wantState: ledger.MatchComplete, wantWinner: "opp", wantHostFree: "0", wantOppFree: "180", wantLocked: "0"},
		{name: "refund", outcome: ledger.ResolutionRefund, wantState: ledger.MatchCancelled, wantHostFree: "100", wantOppFree: "100", wantLocked: "0"},
		{name: "void", outcome: ledger.ResolutionVoid, wantState: ledger.MatchComplete, wantHostFree: "0", wantOppFree: "0", wantLocked: "100"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newFixture(test)
			fixture.stakedMatch(test, "m-res", "100")
			ticket := mustOpen(test, fixture, "m-res")

			verdict, err := fixture.disputes.ResolveDispute(context.Background(), mustUserID(test, "admin"), mustMatchID(test, "m-res"), testCase.outcome, testCase.winnerID)
			if err != nil {
				test.Fatalf("resolve: %v", err)
			}
			if verdict.DisputeID != ticket.DisputeID || verdict.Status != ledger.DisputeResolved || verdict.Resolution != testCase.outcome || verdict.Replayed {
				test.Fatalf("unexpected verdict %+v", verdict)
			}
			match := fixture.match(test, "m-res")
			if match.State != testCase.wantState || match.WinnerID != testCase.wantWinner {
				test.Fatalf("unexpected match %+v", match)
			}
			host, err := fixture.store.GetWallet(context.Background(), "host")
			if err != nil {
				test.Fatalf("host wallet: %v", err)
			}
			opp, err := fixture.store.GetWallet(context.Background(), "opp")
			if err != nil {
				test.Fatalf("opp wallet: %v", err)
			}
			if !host.AvailableFC.Equal(decimal.RequireFromString(testCase.wantHostFree)) || !opp.AvailableFC.Equal(decimal.RequireFromString(testCase.wantOppFree)) {
				test.Fatalf("unexpected available balances host=%s opp=%s", host.AvailableFC, opp.AvailableFC)
			}
			if !host.LockedFC.Equal(decimal.RequireFromString(testCase.wantLocked)) {
				test.Fatalf("unexpected host locked %s", host.LockedFC)
			}
			stored, err := fixture.disputes.GetDispute(context.Background(), mustMatchID(test, "m-res"))
			if err != nil {
				test.Fatalf("get dispute: %v", err)
			}
			if stored.Status != ledger.DisputeResolved || stored.ResolvedBy != "admin" || stored.ResolvedAt.IsZero() {
				test.Fatalf("unexpected stored dispute %+v", stored)
			}
		})
	}
}

func TestResolveDisputeRepeatedSubmissionIsSafe(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.stakedMatch(test, "m-rep", "100")
	mustOpen(test, fixture, "m-rep")
	admin := mustUserID(test, "admin")
	matchID := mustMatchID(test, "m-rep")

	first, err := fixture.disputes.ResolveDispute(context.Background(), admin, matchID, ledger.ResolutionPayout, "host")
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	second, err := fixture.disputes.ResolveDispute(context.Background(), admin, matchID, ledger.ResolutionPayout, "host")
	if err != nil {
		test.Fatalf("repeat resolve: %v", err)
	}
	if !second.Replayed || second.DisputeID != first.DisputeID || second.Resolution != ledger.ResolutionPayout || second.WinnerID != "host" {
		test.Fatalf("expected prior verdict, got %+v", second)
	}
	if count := fixture.count("m-rep", ledger.TransactionWin); count != 1 {
		test.Fatalf("expected one WIN entry, got %d", count)
	}
}

func TestResolveDisputeRejectsWinnerOfAlreadyPaidMatch(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.stakedMatch(test, "m-paid", "100")
	mustOpen(test, fixture, "m-paid")
	admin := mustUserID(test, "admin")
	matchID := mustMatchID(test, "m-paid")

	if _, err := fixture.wallet.PayoutWinner(context.Background(), matchID, mustUserID(test, "host"), mustKey(test, "ops-payout")); err != nil {
		test.Fatalf("payout: %v", err)
	}

	_, err := fixture.disputes.ResolveDispute(context.Background(), admin, matchID, ledger.ResolutionPayout, "opp")
	if !errors.Is(err, ledger.ErrMatchNotPayable) {
		test.Fatalf("expected ErrMatchNotPayable, got %v", err)
	}
	stored, err := fixture.disputes.GetDispute(context.Background(), matchID)
	if err != nil {
		test.Fatalf("get dispute: %v", err)
	}
	if stored.Status != ledger.DisputeOpen {
		test.Fatalf("mismatched winner must leave the dispute open, got %s", stored.Status)
	}
	if count := fixture.count("m-paid", ledger.TransactionWin); count != 1 {
		test.Fatalf("expected one WIN entry, got %d", count)
	}

	verdict, err := fixture.disputes.ResolveDispute(context.Background(), admin, matchID, ledger.ResolutionPayout, "host")
	if err != nil {
		test.Fatalf("resolve with the paid winner: %v", err)
	}
	if verdict.Status != ledger.DisputeResolved || verdict.WinnerID != "host" {
		test.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestVoidResolutionKeepsStakesLocked(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.stakedMatch(test, "m-void", "100")
	mustOpen(test, fixture, "m-void")
	matchID := mustMatchID(test, "m-void")

	if _, err := fixture.disputes.ResolveDispute(context.Background(), mustUserID(test, "admin"), matchID, ledger.ResolutionVoid, ""); err != nil {
		test.Fatalf("void: %v", err)
	}
	if _, err := fixture.wallet.RefundMatch(context.Background(), matchID, mustKey(test, "refund-after-void")); !errors.Is(err, ledger.ErrMatchNotPayable) {
		test.Fatalf("expected ErrMatchNotPayable for a voided match, got %v", err)
	}
	if _, err := fixture.wallet.PayoutWinner(context.Background(), matchID, mustUserID(test, "host"), mustKey(test, "payout-after-void")); !errors.Is(err, ledger.ErrMatchNotPayable) {
		test.Fatalf("expected ErrMatchNotPayable for a voided match, got %v", err)
	}
	for _, userID := range []string{"host", "opp"} {
		wallet, err := fixture.store.GetWallet(context.Background(), userID)
		if err != nil {
			test.Fatalf("%s wallet: %v", userID, err)
		}
		if !wallet.AvailableFC.IsZero() || !wallet.LockedFC.Equal(decimal.NewFromInt(100)) {
			test.Fatalf("voided stake must stay locked for %s, got available=%s locked=%s", userID, wallet.AvailableFC, wallet.LockedFC)
		}
	}
	if count := fixture.count("m-void", ledger.TransactionRefund) + fixture.count("m-void", ledger.TransactionWin); count != 0 {
		test.Fatalf("expected no settlement entries, got %d", count)
	}
}

func TestResolveDisputeRejections(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		open     bool
		stake    bool
		outcome  ledger.Resolution
		winnerID string
		wantErr  error
	}{
		{name: "payout without winner", open: true, stake: true, outcome: ledger.ResolutionPayout, wantErr: ledger.ErrInvalidResolution},
		{name: "payout to stranger", open: true, stake: true, outcome: ledger.ResolutionPayout, winnerID: "stranger", wantErr: ledger.ErrNotParticipant},
		{name: "unknown outcome", open: true, stake: true, outcome: ledger.Resolution("SPLIT"), wantErr: ledger.ErrInvalidResolution},
		{name: "no dispute", open: false, stake: true, outcome: ledger.ResolutionRefund, wantErr: ledger.ErrDisputeNotFound},
		{name: "payout with empty pot", open: true, stake: false, outcome: ledger.ResolutionPayout, winnerID: "host", wantErr: ledger.ErrNoPot},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newFixture(test)
			if testCase.stake {
				fixture.stakedMatch(test, "m-rej", "50")
			} else {
				if err := fixture.store.CreateMatch(context.Background(), ledger.Match{ID: "m-rej", HostID: "host", OppID: "opp", State: ledger.MatchActive, RakePercent: decimal.NewFromInt(10)}); err != nil {
					test.Fatalf("create match: %v", err)
				}
			}
			if testCase.open {
				mustOpen(test, fixture, "m-rej")
			}
			_, err := fixture.disputes.ResolveDispute(context.Background(), mustUserID(test, "admin"), mustMatchID(test, "m-rej"), testCase.outcome, testCase.winnerID)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if testCase.open {
				stored, err := fixture.disputes.GetDispute(context.Background(), mustMatchID(test, "m-rej"))
				if err != nil {
					test.Fatalf("get dispute: %v", err)
				}
				if stored.Status != ledger.DisputeOpen {
					test.Fatalf("failed resolution must leave the dispute open, got %s", stored.Status)
				}
			}
		})
	}
}

func TestCloseDisputeRequiresSettledMatch(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.stakedMatch(test, "m-close", "100")
	mustOpen(test, fixture, "m-close")
	admin := mustUserID(test, "admin")
	matchID := mustMatchID(test, "m-close")

	if _, err := fixture.disputes.CloseDispute(context.Background(), admin, matchID, "duplicate"); !errors.Is(err, ledger.ErrMatchUnsettled) {
		test.Fatalf("expected ErrMatchUnsettled, got %v", err)
	}
	if _, err := fixture.wallet.RefundMatch(context.Background(), matchID, mustKey(test, "ops-refund")); err != nil {
		test.Fatalf("refund: %v", err)
	}
	ticket, err := fixture.disputes.CloseDispute(context.Background(), admin, matchID, "refunded by operations")
	if err != nil {
		test.Fatalf("close: %v", err)
	}
	if ticket.Status != ledger.DisputeClosed {
		test.Fatalf("expected CLOSED, got %s", ticket.Status)
	}
	_, err = fixture.disputes.ResolveDispute(context.Background(), admin, matchID, ledger.ResolutionRefund, "")
	if !errors.Is(err, ledger.ErrDisputeNotOpen) {
		test.Fatalf("expected ErrDisputeNotOpen after close, got %v", err)
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	wallet, err := ledger.NewService(store, ledger.FixedClock(fixedNow))
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if _, err := dispute.NewService(nil, wallet, ledger.FixedClock(fixedNow)); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := dispute.NewService(store, nil, ledger.FixedClock(fixedNow)); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
