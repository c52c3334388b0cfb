package ledger

// WagerLockedEvent is published on TopicWagerLocked.
type WagerLockedEvent struct {
	MatchID       string `json:"matchId"`
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId"`
	AmountFC      string `json:"amountFc"`
}

// PayoutEvent is published on TopicWagerPayout.
type PayoutEvent struct {
	MatchID     string `json:"matchId"`
	WinnerID    string `json:"winnerId"`
	LoserID     string `json:"loserId"`
	Pot         string `json:"pot"`
	WinnerTake  string `json:"winnerTake"`
	PlatformFee string `json:"platformFee"`
}

// RefundEvent is published on TopicWagerRefund.
type RefundEvent struct {
	MatchID    string `json:"matchId"`
	Refunded   string `json:"refunded"`
	HostRefund string `json:"hostRefund"`
	OppRefund  string `json:"oppRefund"`
}

// MatchEvent is published on TopicMatchCompleted and TopicMatchDisputed.
type MatchEvent struct {
	MatchID   string `json:"matchId"`
	State     string `json:"state"`
	WinnerID  string `json:"winnerId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	DisputeID string `json:"disputeId,omitempty"`
}

// DisputeEvent is published on TopicDisputeOpened and TopicDisputeResolved.
type DisputeEvent struct {
	DisputeID  string `json:"disputeId"`
	MatchID    string `json:"matchId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	OpenedBy   string `json:"openedBy,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	WinnerID   string `json:"winnerId,omitempty"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}
