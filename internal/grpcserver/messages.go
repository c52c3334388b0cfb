package grpcserver

// Messages of wager.v1.SettlementService. Amounts travel as decimal strings.

type Empty struct{}

type LockWagerRequest struct {
	UserID         string `json:"userId"`
	MatchID        string `json:"matchId"`
	AmountFC       string `json:"amountFc"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type LockWagerResponse struct {
	TransactionID string `json:"transactionId"`
	AmountFC      string `json:"amountFc"`
	Replayed      bool   `json:"replayed"`
}

type PayoutWinnerRequest struct {
	MatchID        string `json:"matchId"`
	WinnerID       string `json:"winnerId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type PayoutResponse struct {
	MatchID       string `json:"matchId"`
	WinnerID      string `json:"winnerId"`
	LoserID       string `json:"loserId"`
	TransactionID string `json:"transactionId"`
	Pot           string `json:"pot"`
	WinnerTake    string `json:"winnerTake"`
	PlatformFee   string `json:"platformFee"`
	Replayed      bool   `json:"replayed"`
}

type RefundMatchRequest struct {
	MatchID        string `json:"matchId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type RefundResponse struct {
	MatchID    string `json:"matchId"`
	Refunded   string `json:"refunded"`
	HostRefund string `json:"hostRefund"`
	OppRefund  string `json:"oppRefund"`
	Replayed   bool   `json:"replayed"`
}

type ResolveMatchRequest struct {
	MatchID    string `json:"matchId"`
	HostReport string `json:"hostReport"`
	OppReport  string `json:"oppReport"`
}

type ProcessForfeitRequest struct {
	MatchID     string `json:"matchId"`
	ForfeiterID string `json:"forfeiterId"`
	WinnerID    string `json:"winnerId"`
}

type OutcomeResponse struct {
	MatchID   string          `json:"matchId"`
	Kind      string          `json:"kind"`
	WinnerID  string          `json:"winnerId,omitempty"`
	DisputeID string          `json:"disputeId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Payout    *PayoutResponse `json:"payout,omitempty"`
	Refund    *RefundResponse `json:"refund,omitempty"`
}

type AutoResolveMatchesResponse struct {
	Escalated []string `json:"escalated"`
	Skipped   []string `json:"skipped"`
}

type ResolveDisputeRequest struct {
	AdminID    string `json:"adminId"`
	MatchID    string `json:"matchId"`
	Resolution string `json:"resolution"`
	WinnerID   string `json:"winnerId,omitempty"`
}

type VerdictResponse struct {
	DisputeID  string          `json:"disputeId"`
	MatchID    string          `json:"matchId"`
	Status     string          `json:"status"`
	Resolution string          `json:"resolution"`
	WinnerID   string          `json:"winnerId,omitempty"`
	Payout     *PayoutResponse `json:"payout,omitempty"`
	Refund     *RefundResponse `json:"refund,omitempty"`
	Replayed   bool            `json:"replayed"`
}

type GetBalanceRequest struct {
	UserID string `json:"userId"`
}

type BalanceResponse struct {
	UserID         string `json:"userId"`
	AvailableFC    string `json:"availableFc"`
	LockedFC       string `json:"lockedFc"`
	TotalDeposited string `json:"totalDeposited"`
	TotalWithdrawn string `json:"totalWithdrawn"`
}

type RecordHeartbeatRequest struct {
	MatchID string `json:"matchId"`
}
