package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/wager/pkg/dispute"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/MarkoPoloResearchLab/wager/pkg/settlement"
)

const (
	errorInsufficientFunds     = "insufficient_funds"
	errorInsufficientLocked    = "insufficient_locked"
	errorNoPot                 = "no_pot"
	errorMissingOpponent       = "missing_opponent"
	errorNotParticipant        = "not_participant"
	errorIdempotencyConflict   = "idempotency_key_conflict"
	errorInvalidUserID         = "invalid_user_id"
	errorInvalidMatchID        = "invalid_match_id"
	errorInvalidIdempotencyKey = "invalid_idempotency_key"
	errorInvalidAmount         = "invalid_amount_fc"
	errorInvalidReport         = "invalid_report"
	errorInvalidResolution     = "invalid_resolution"
	errorInvalidForfeit        = "invalid_forfeit"
	errorMatchNotPayable       = "match_not_payable"
	errorMatchClosed           = "match_closed"
	errorDisputeExists         = "dispute_exists"
	errorDisputeNotOpen        = "dispute_not_open"
	errorMatchNotFound         = "match_not_found"
	errorDisputeNotFound       = "dispute_not_found"
	errorRetryExhausted        = "retry_exhausted"
	errorHeartbeatsDisabled    = "heartbeats_disabled"

	amountScale int32 = 2
)

// HeartbeatRecorder stores overlay heartbeats reported by stream monitors.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, matchID string, at time.Time) error
}

// SettlementServer exposes the wallet ledger, settlement and dispute services to
// internal producers over gRPC.
type SettlementServer struct {
	wallet     *ledger.Service
	settlement *settlement.Service
	disputes   *dispute.Service
	heartbeats HeartbeatRecorder
	now        func() time.Time
}

// NewSettlementServer wires the services. heartbeats may be nil, in which case
// RecordHeartbeat answers Unimplemented.
func NewSettlementServer(wallet *ledger.Service, settlementService *settlement.Service, disputes *dispute.Service, heartbeats HeartbeatRecorder, now func() time.Time) *SettlementServer {
	if now == nil {
		now = time.Now
	}
	return &SettlementServer{
		wallet:     wallet,
		settlement: settlementService,
		disputes:   disputes,
		heartbeats: heartbeats,
		now:        now,
	}
}

func (server *SettlementServer) LockWager(ctx context.Context, request *LockWagerRequest) (*LockWagerResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	matchID, err := ledger.NewMatchID(request.MatchID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.ParsePositiveAmount(request.AmountFC)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	lock, err := server.wallet.LockWager(ctx, userID, matchID, amount, idem)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &LockWagerResponse{
		TransactionID: lock.TransactionID,
		AmountFC:      lock.AmountFC.StringFixed(amountScale),
		Replayed:      lock.Replayed,
	}, nil
}

func (server *SettlementServer) PayoutWinner(ctx context.Context, request *PayoutWinnerRequest) (*PayoutResponse, error) {
	matchID, err := ledger.NewMatchID(request.MatchID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	winnerID, err := ledger.NewUserID(request.WinnerID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	payout, err := server.wallet.PayoutUndisputed(ctx, matchID, winnerID, idem)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return payoutResponse(payout), nil
}

func (server *SettlementServer) RefundMatch(ctx context.Context, request *RefundMatchRequest) (*RefundResponse, error) {
	matchID, err := ledger.NewMatchID(request.MatchID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	refund, err := server.wallet.RefundUndisputed(ctx, matchID, idem)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return refundResponse(refund), nil
}

func (server *SettlementServer) ResolveMatch(ctx context.Context, request *ResolveMatchRequest) (*OutcomeResponse, error) {
	matchID, err := ledger.NewMatchID(request.MatchID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	hostReport, err := ledger.ParseReportResult(request.HostReport)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	oppReport, err := ledger.ParseReportResult(request.OppReport)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	outcome, err := server.settlement.ResolveMatch(ctx, matchID, hostReport, oppReport)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return outcomeResponse(outcome), nil
}

func (server *SettlementServer) ProcessForfeit(ctx context.Context, request *ProcessForfeitRequest) (*OutcomeResponse, error) {
	matchID, err := ledger.NewMatchID(request.MatchID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	forfeiterID, err := ledger.NewUserID(request.ForfeiterID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	winnerID, err := ledger.NewUserID(request.WinnerID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	outcome, err := server.settlement.ProcessForfeit(ctx, matchID, forfeiterID, winnerID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return outcomeResponse(outcome), nil
}

func (server *SettlementServer) AutoResolveMatches(ctx context.Context, _ *Empty) (*AutoResolveMatchesResponse, error) {
	result, err := server.settlement.AutoResolveMatches(ctx)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &AutoResolveMatchesResponse{Escalated: result.Escalated, Skipped: result.Skipped}, nil
}

func (server *SettlementServer) ResolveDispute(ctx context.Context, request *ResolveDisputeRequest) (*VerdictResponse, error) {
	adminID, err := ledger.NewUserID(request.AdminID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	matchID, err := ledger.NewMatchID(request.MatchID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	resolution, err := ledger.ParseResolution(request.Resolution)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	verdict, err := server.disputes.ResolveDispute(ctx, adminID, matchID, resolution, request.WinnerID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	response := &VerdictResponse{
		DisputeID:  verdict.DisputeID,
		MatchID:    verdict.MatchID,
		Status:     string(verdict.Status),
		Resolution: string(verdict.Resolution),
		WinnerID:   verdict.WinnerID,
		Replayed:   verdict.Replayed,
	}
	if verdict.Payout != nil {
		response.Payout = payoutResponse(*verdict.Payout)
	}
	if verdict.Refund != nil {
		response.Refund = refundResponse(*verdict.Refund)
	}
	return response, nil
}

func (server *SettlementServer) GetBalance(ctx context.Context, request *GetBalanceRequest) (*BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	wallet, err := server.wallet.Balance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &BalanceResponse{
		UserID:         userID.String(),
		AvailableFC:    wallet.AvailableFC.StringFixed(amountScale),
		LockedFC:       wallet.LockedFC.StringFixed(amountScale),
		TotalDeposited: wallet.TotalDeposited.StringFixed(amountScale),
		TotalWithdrawn: wallet.TotalWithdrawn.StringFixed(amountScale),
	}, nil
}

func (server *SettlementServer) RecordHeartbeat(ctx context.Context, request *RecordHeartbeatRequest) (*Empty, error) {
	if server.heartbeats == nil {
		return nil, status.Error(codes.Unimplemented, errorHeartbeatsDisabled)
	}
	matchID, err := ledger.NewMatchID(request.MatchID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if err := server.heartbeats.RecordHeartbeat(ctx, matchID.String(), server.now().UTC()); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &Empty{}, nil
}

func payoutResponse(payout ledger.Payout) *PayoutResponse {
	return &PayoutResponse{
		MatchID:       payout.MatchID,
		WinnerID:      payout.WinnerID,
		LoserID:       payout.LoserID,
		TransactionID: payout.TransactionID,
		Pot:           fixed(payout.Pot),
		WinnerTake:    fixed(payout.WinnerTake),
		PlatformFee:   fixed(payout.PlatformFee),
		Replayed:      payout.Replayed,
	}
}

func refundResponse(refund ledger.Refund) *RefundResponse {
	return &RefundResponse{
		MatchID:    refund.MatchID,
		Refunded:   fixed(refund.Refunded),
		HostRefund: fixed(refund.HostRefund),
		OppRefund:  fixed(refund.OppRefund),
		Replayed:   refund.Replayed,
	}
}

func outcomeResponse(outcome settlement.Outcome) *OutcomeResponse {
	response := &OutcomeResponse{
		MatchID:   outcome.MatchID,
		Kind:      string(outcome.Kind),
		WinnerID:  outcome.WinnerID,
		DisputeID: outcome.DisputeID,
		Reason:    outcome.Reason,
	}
	if outcome.Payout != nil {
		response.Payout = payoutResponse(*outcome.Payout)
	}
	if outcome.Refund != nil {
		response.Refund = refundResponse(*outcome.Refund)
	}
	return response
}

func fixed(value decimal.Decimal) string {
	return value.StringFixed(amountScale)
}

var grpcErrorTable = []struct {
	target error
	code   codes.Code
	reason string
}{
	{ledger.ErrInvalidUserID, codes.InvalidArgument, errorInvalidUserID},
	{ledger.ErrInvalidMatchID, codes.InvalidArgument, errorInvalidMatchID},
	{ledger.ErrInvalidIdempotencyKey, codes.InvalidArgument, errorInvalidIdempotencyKey},
	{ledger.ErrInvalidAmount, codes.InvalidArgument, errorInvalidAmount},
	{ledger.ErrInvalidReport, codes.InvalidArgument, errorInvalidReport},
	{ledger.ErrInvalidResolution, codes.InvalidArgument, errorInvalidResolution},
	{ledger.ErrInvalidForfeit, codes.InvalidArgument, errorInvalidForfeit},
	{ledger.ErrNoPot, codes.InvalidArgument, errorNoPot},
	{ledger.ErrMissingOpponent, codes.InvalidArgument, errorMissingOpponent},
	{ledger.ErrNotParticipant, codes.InvalidArgument, errorNotParticipant},
	{ledger.ErrIdempotencyKeyConflict, codes.InvalidArgument, errorIdempotencyConflict},
	{ledger.ErrInsufficientFunds, codes.FailedPrecondition, errorInsufficientFunds},
	{ledger.ErrInsufficientLocked, codes.FailedPrecondition, errorInsufficientLocked},
	{ledger.ErrMatchNotPayable, codes.FailedPrecondition, errorMatchNotPayable},
	{ledger.ErrMatchClosed, codes.FailedPrecondition, errorMatchClosed},
	{ledger.ErrDisputeExists, codes.FailedPrecondition, errorDisputeExists},
	{ledger.ErrDisputeNotOpen, codes.FailedPrecondition, errorDisputeNotOpen},
	{ledger.ErrMatchNotFound, codes.NotFound, errorMatchNotFound},
	{ledger.ErrDisputeNotFound, codes.NotFound, errorDisputeNotFound},
	{ledger.ErrRetryExhausted, codes.Unavailable, errorRetryExhausted},
}

func mapToGRPCError(source error) error {
	for _, entry := range grpcErrorTable {
		if errors.Is(source, entry.target) {
			return status.Error(entry.code, entry.reason)
		}
	}
	switch {
	case ledger.IsValidation(source):
		return status.Error(codes.InvalidArgument, source.Error())
	case ledger.IsStateConflict(source):
		return status.Error(codes.FailedPrecondition, source.Error())
	case ledger.IsNotFound(source):
		return status.Error(codes.NotFound, source.Error())
	case ledger.IsRetryable(source):
		return status.Error(codes.Unavailable, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
