package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/MarkoPoloResearchLab/wager/pkg/settlement"
)

const (
	operationWallet       = "wallet"
	operationCreateMatch  = "create_match"
	operationGetMatch     = "get_match"
	operationJoinMatch    = "join_match"
	operationLockWager    = "lock_wager"
	operationConfirmReady = "confirm_ready"
	operationSubmitReport = "submit_report"
	operationCancelMatch  = "cancel_match"
	operationOpenDispute  = "open_dispute"
	operationCreditWallet = "credit_wallet"
	operationResolve      = "resolve_dispute"
	operationCloseDispute = "close_dispute"
	wagerKeyPrefix        = "wager:"
	cancelKeySuffix       = "cancel"
	defaultCreditReason   = "admin_credit"
)

func (handler *Handler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"roles":   claims.GetUserRoles(),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func (handler *Handler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	wallet, err := handler.wallet.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, operationWallet, err)
		return
	}
	entries, err := handler.wallet.ListTransactions(requestCtx, userID, handler.now().UTC().Add(time.Second), handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondError(ctx, operationWallet, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletPayloadFrom(wallet, entries)})
}

func (handler *Handler) handleCreateMatch(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request createMatchRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	entry, err := ledger.ParsePositiveAmount(request.EntryFC)
	if err != nil {
		handler.respondError(ctx, operationCreateMatch, err)
		return
	}
	createRequest := settlement.CreateMatchRequest{HostID: userID, Entry: entry}
	if request.RakePercent != "" {
		rake, err := decimal.NewFromString(request.RakePercent)
		if err != nil {
			handler.respondError(ctx, operationCreateMatch, ledger.ErrInvalidRakePercent)
			return
		}
		createRequest.RakePercent = &rake
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	match, err := handler.settlement.CreateMatch(requestCtx, createRequest)
	if err != nil {
		handler.respondError(ctx, operationCreateMatch, err)
		return
	}
	handler.storeSnapshot(requestCtx, match)
	ctx.JSON(http.StatusCreated, gin.H{"match": matchPayloadFrom(match)})
}

func (handler *Handler) handleGetMatch(ctx *gin.Context) {
	matchID, ok := handler.matchParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	match, err := handler.settlement.GetMatch(requestCtx, matchID)
	if err != nil {
		handler.respondError(ctx, operationGetMatch, err)
		return
	}
	response := gin.H{"match": matchPayloadFrom(match)}
	latest, err := handler.disputes.GetDispute(requestCtx, matchID)
	switch {
	case err == nil:
		response["dispute"] = disputePayloadFrom(latest)
	case !errors.Is(err, ledger.ErrDisputeNotFound):
		handler.respondError(ctx, operationGetMatch, err)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *Handler) handleLiveMatch(ctx *gin.Context) {
	matchID, ok := handler.matchParam(ctx)
	if !ok {
		return
	}
	if handler.snapshots == nil {
		ctx.JSON(http.StatusNotFound, errorResponse("live_unavailable", "live state is not enabled"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	snapshot, found, err := handler.snapshots.Snapshot(requestCtx, matchID.String())
	if err != nil {
		handler.logger.Warn("live snapshot lookup failed", zap.String("match_id", matchID.String()), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("live_unavailable", "live state unavailable"))
		return
	}
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse("not_live", "match is not live"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"live": snapshot})
}

func (handler *Handler) handleJoinMatch(ctx *gin.Context) {
	userID, matchID, ok := handler.sessionAndMatch(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	match, err := handler.settlement.JoinMatch(requestCtx, matchID, userID)
	if err != nil {
		handler.respondError(ctx, operationJoinMatch, err)
		return
	}
	handler.storeSnapshot(requestCtx, match)
	ctx.JSON(http.StatusOK, gin.H{"match": matchPayloadFrom(match)})
}

func (handler *Handler) handleLockWager(ctx *gin.Context) {
	userID, matchID, ok := handler.sessionAndMatch(ctx)
	if !ok {
		return
	}
	var request lockWagerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.ParsePositiveAmount(request.AmountFC)
	if err != nil {
		handler.respondError(ctx, operationLockWager, err)
		return
	}
	rawKey := request.IdempotencyKey
	if rawKey == "" {
		rawKey = wagerKeyPrefix + matchID.String() + ":" + userID.String()
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
	if err != nil {
		handler.respondError(ctx, operationLockWager, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	lock, err := handler.wallet.LockWager(requestCtx, userID, matchID, amount, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, operationLockWager, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wager": wagerPayload{
			TransactionID: lock.TransactionID,
			AmountFC:      fixed(lock.AmountFC),
			Replayed:      lock.Replayed,
		},
	})
}

func (handler *Handler) handleConfirmReady(ctx *gin.Context) {
	userID, matchID, ok := handler.sessionAndMatch(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	match, err := handler.settlement.ConfirmReady(requestCtx, matchID, userID)
	if err != nil {
		handler.respondError(ctx, operationConfirmReady, err)
		return
	}
	handler.storeSnapshot(requestCtx, match)
	ctx.JSON(http.StatusOK, gin.H{"match": matchPayloadFrom(match)})
}

func (handler *Handler) handleSubmitReport(ctx *gin.Context) {
	userID, matchID, ok := handler.sessionAndMatch(ctx)
	if !ok {
		return
	}
	var request reportRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := ledger.ParseReportResult(request.Result)
	if err != nil {
		handler.respondError(ctx, operationSubmitReport, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	submitted, err := handler.settlement.SubmitReport(requestCtx, matchID, userID, result)
	if err != nil {
		handler.respondError(ctx, operationSubmitReport, err)
		return
	}
	response := gin.H{"match": matchPayloadFrom(submitted.Match)}
	if submitted.Outcome != nil {
		response["outcome"] = outcomePayloadFrom(*submitted.Outcome)
	} else {
		handler.storeSnapshot(requestCtx, submitted.Match)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *Handler) handleCancelMatch(ctx *gin.Context) {
	userID, matchID, ok := handler.sessionAndMatch(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	match, err := handler.settlement.GetMatch(requestCtx, matchID)
	if err != nil {
		handler.respondError(ctx, operationCancelMatch, err)
		return
	}
	if match.HostID != userID.String() {
		ctx.JSON(http.StatusForbidden, errorResponse("not_host", "only the host can cancel a match"))
		return
	}
	refund, err := handler.settlement.CancelMatch(requestCtx, matchID, ledger.MatchIdempotencyKey(matchID, cancelKeySuffix))
	if err != nil {
		handler.respondError(ctx, operationCancelMatch, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"refund": refundPayloadFrom(refund)})
}

func (handler *Handler) handleOpenDispute(ctx *gin.Context) {
	userID, matchID, ok := handler.sessionAndMatch(ctx)
	if !ok {
		return
	}
	var request openDisputeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	ticket, err := handler.disputes.OpenDispute(requestCtx, userID, matchID, request.Reason, request.Notes)
	if err != nil {
		handler.respondError(ctx, operationOpenDispute, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"dispute": ticketPayload{
			DisputeID: ticket.DisputeID,
			MatchID:   ticket.MatchID,
			Status:    string(ticket.Status),
			Created:   ticket.Created,
		},
	})
}

func (handler *Handler) handleCreditWallet(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("userId"))
	if err != nil {
		handler.respondError(ctx, operationCreditWallet, err)
		return
	}
	var request creditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.ParsePositiveAmount(request.AmountFC)
	if err != nil {
		handler.respondError(ctx, operationCreditWallet, err)
		return
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, operationCreditWallet, err)
		return
	}
	reason := request.Reason
	if reason == "" {
		reason = defaultCreditReason
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	receipt, err := handler.wallet.Earn(requestCtx, userID, ledger.EarnRequest{Amount: amount, Reason: reason}, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, operationCreditWallet, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"receipt": receiptPayload{
			TransactionID: receipt.TransactionID,
			UserID:        receipt.UserID,
			AmountFC:      fixed(receipt.AmountFC),
			AvailableFC:   fixed(receipt.AvailableFC),
			LockedFC:      fixed(receipt.LockedFC),
			Replayed:      receipt.Replayed,
		},
	})
}

func (handler *Handler) handleResolveDispute(ctx *gin.Context) {
	adminID, matchID, ok := handler.sessionAndMatch(ctx)
	if !ok {
		return
	}
	var request resolveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	resolution, err := ledger.ParseResolution(request.Resolution)
	if err != nil {
		handler.respondError(ctx, operationResolve, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	verdict, err := handler.disputes.ResolveDispute(requestCtx, adminID, matchID, resolution, request.WinnerID)
	if err != nil {
		handler.respondError(ctx, operationResolve, err)
		return
	}
	payload := verdictPayload{
		DisputeID:  verdict.DisputeID,
		MatchID:    verdict.MatchID,
		Status:     string(verdict.Status),
		Resolution: string(verdict.Resolution),
		WinnerID:   verdict.WinnerID,
		Replayed:   verdict.Replayed,
	}
	if verdict.Payout != nil {
		payout := payoutPayloadFrom(*verdict.Payout)
		payload.Payout = &payout
	}
	if verdict.Refund != nil {
		refund := refundPayloadFrom(*verdict.Refund)
		payload.Refund = &refund
	}
	ctx.JSON(http.StatusOK, gin.H{"verdict": payload})
}

func (handler *Handler) handleCloseDispute(ctx *gin.Context) {
	adminID, matchID, ok := handler.sessionAndMatch(ctx)
	if !ok {
		return
	}
	var request closeDisputeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	ticket, err := handler.disputes.CloseDispute(requestCtx, adminID, matchID, request.Notes)
	if err != nil {
		handler.respondError(ctx, operationCloseDispute, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"dispute": ticketPayload{
			DisputeID: ticket.DisputeID,
			MatchID:   ticket.MatchID,
			Status:    string(ticket.Status),
		},
	})
}

func (handler *Handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *Handler) sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *Handler) matchParam(ctx *gin.Context) (ledger.MatchID, bool) {
	matchID, err := ledger.NewMatchID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_match_id", err.Error()))
		return ledger.MatchID{}, false
	}
	return matchID, true
}

func (handler *Handler) sessionAndMatch(ctx *gin.Context) (ledger.UserID, ledger.MatchID, bool) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return ledger.UserID{}, ledger.MatchID{}, false
	}
	matchID, ok := handler.matchParam(ctx)
	if !ok {
		return ledger.UserID{}, ledger.MatchID{}, false
	}
	return userID, matchID, true
}

// storeSnapshot refreshes the live view; failures only cost spectators freshness.
func (handler *Handler) storeSnapshot(ctx context.Context, match ledger.Match) {
	if handler.snapshots == nil || match.State.IsTerminal() {
		return
	}
	if err := handler.snapshots.Store(ctx, match); err != nil {
		handler.logger.Warn("live snapshot store failed", zap.String("match_id", match.ID), zap.Error(err))
	}
}
