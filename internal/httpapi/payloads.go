package httpapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/MarkoPoloResearchLab/wager/pkg/settlement"
)

const amountScale int32 = 2

type createMatchRequest struct {
	EntryFC     string `json:"entry_fc"`
	RakePercent string `json:"rake_percent"`
}

type lockWagerRequest struct {
	AmountFC       string `json:"amount_fc"`
	IdempotencyKey string `json:"idempotency_key"`
}

type reportRequest struct {
	Result string `json:"result"`
}

type openDisputeRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

type creditRequest struct {
	AmountFC       string `json:"amount_fc"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	WinnerID   string `json:"winner_id"`
}

type closeDisputeRequest struct {
	Notes string `json:"notes"`
}

type walletPayload struct {
	UserID         string         `json:"user_id"`
	AvailableFC    string         `json:"available_fc"`
	LockedFC       string         `json:"locked_fc"`
	TotalDeposited string         `json:"total_deposited"`
	TotalWithdrawn string         `json:"total_withdrawn"`
	Entries        []entryPayload `json:"entries"`
}

type entryPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	State          string          `json:"state"`
	AmountFC       string          `json:"amount_fc"`
	BalanceAfterFC string          `json:"balance_after_fc"`
	RefType        string          `json:"ref_type,omitempty"`
	RefID          string          `json:"ref_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type matchPayload struct {
	ID          string                `json:"id"`
	HostID      string                `json:"host_id"`
	OppID       string                `json:"opp_id,omitempty"`
	EntryFC     string                `json:"entry_fc"`
	RakePercent string                `json:"rake_percent"`
	State       string                `json:"state"`
	WinnerID    string                `json:"winner_id,omitempty"`
	HostReport  string                `json:"host_report,omitempty"`
	OppReport   string                `json:"opp_report,omitempty"`
	Checklist   ledger.ReadyChecklist `json:"checklist"`
	StartAt     *time.Time            `json:"start_at,omitempty"`
	CompleteAt  *time.Time            `json:"complete_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

type disputePayload struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason"`
	OpenedBy   string     `json:"opened_by"`
	Resolution string     `json:"resolution,omitempty"`
	WinnerID   string     `json:"winner_id,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type wagerPayload struct {
	TransactionID string `json:"transaction_id"`
	AmountFC      string `json:"amount_fc"`
	Replayed      bool   `json:"replayed"`
}

type payoutPayload struct {
	WinnerID    string `json:"winner_id"`
	LoserID     string `json:"loser_id"`
	Pot         string `json:"pot"`
	WinnerTake  string `json:"winner_take"`
	PlatformFee string `json:"platform_fee"`
	Replayed    bool   `json:"replayed"`
}

type refundPayload struct {
	MatchID    string `json:"match_id"`
	Refunded   string `json:"refunded"`
	HostRefund string `json:"host_refund"`
	OppRefund  string `json:"opp_refund"`
	Replayed   bool   `json:"replayed"`
}

type outcomePayload struct {
	Kind      string         `json:"kind"`
	WinnerID  string         `json:"winner_id,omitempty"`
	DisputeID string         `json:"dispute_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Payout    *payoutPayload `json:"payout,omitempty"`
	Refund    *refundPayload `json:"refund,omitempty"`
}

type ticketPayload struct {
	DisputeID string `json:"dispute_id"`
	MatchID   string `json:"match_id"`
	Status    string `json:"status"`
	Created   bool   `json:"created"`
}

type verdictPayload struct {
	DisputeID  string         `json:"dispute_id"`
	MatchID    string         `json:"match_id"`
	Status     string         `json:"status"`
	Resolution string         `json:"resolution"`
	WinnerID   string         `json:"winner_id,omitempty"`
	Payout     *payoutPayload `json:"payout,omitempty"`
	Refund     *refundPayload `json:"refund,omitempty"`
	Replayed   bool           `json:"replayed"`
}

type receiptPayload struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	AmountFC      string `json:"amount_fc"`
	AvailableFC   string `json:"available_fc"`
	LockedFC      string `json:"locked_fc"`
	Replayed      bool   `json:"replayed"`
}

func walletPayloadFrom(wallet ledger.Wallet, entries []ledger.Transaction) walletPayload {
	payload := walletPayload{
		UserID:         wallet.UserID,
		AvailableFC:    fixed(wallet.AvailableFC),
		LockedFC:       fixed(wallet.LockedFC),
		TotalDeposited: fixed(wallet.TotalDeposited),
		TotalWithdrawn: fixed(wallet.TotalWithdrawn),
		Entries:        make([]entryPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		metadata := entry.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		payload.Entries = append(payload.Entries, entryPayload{
			TransactionID:  entry.ID,
			Type:           string(entry.Type),
			State:          string(entry.State),
			AmountFC:       fixed(entry.AmountFC),
			BalanceAfterFC: fixed(entry.BalanceAfterFC),
			RefType:        entry.RefType,
			RefID:          entry.RefID,
			IdempotencyKey: entry.IdempotencyKey,
			Metadata:       json.RawMessage(metadata),
			CreatedUnixUTC: entry.CreatedAt.Unix(),
		})
	}
	return payload
}

func matchPayloadFrom(match ledger.Match) matchPayload {
	return matchPayload{
		ID:          match.ID,
		HostID:      match.HostID,
		OppID:       match.OppID,
		EntryFC:     fixed(match.EntryFC),
		RakePercent: match.RakePercent.String(),
		State:       string(match.State),
		WinnerID:    match.WinnerID,
		HostReport:  string(match.HostReport),
		OppReport:   string(match.OppReport),
		Checklist:   match.Checklist,
		StartAt:     optionalTime(match.StartAt),
		CompleteAt:  optionalTime(match.CompleteAt),
		CreatedAt:   match.CreatedAt,
	}
}

func disputePayloadFrom(dispute ledger.Dispute) disputePayload {
	return disputePayload{
		ID:         dispute.ID,
		Status:     string(dispute.Status),
		Reason:     dispute.Reason,
		OpenedBy:   dispute.OpenedBy,
		Resolution: string(dispute.Resolution),
		WinnerID:   dispute.WinnerID,
		ResolvedAt: optionalTime(dispute.ResolvedAt),
		CreatedAt:  dispute.CreatedAt,
	}
}

func payoutPayloadFrom(payout ledger.Payout) payoutPayload {
	return payoutPayload{
		WinnerID:    payout.WinnerID,
		LoserID:     payout.LoserID,
		Pot:         fixed(payout.Pot),
		WinnerTake:  fixed(payout.WinnerTake),
		PlatformFee: fixed(payout.PlatformFee),
		Replayed:    payout.Replayed,
	}
}

func refundPayloadFrom(refund ledger.Refund) refundPayload {
	return refundPayload{
		MatchID:    refund.MatchID,
		Refunded:   fixed(refund.Refunded),
		HostRefund: fixed(refund.HostRefund),
		OppRefund:  fixed(refund.OppRefund),
		Replayed:   refund.Replayed,
	}
}

func outcomePayloadFrom(outcome settlement.Outcome) outcomePayload {
	payload := outcomePayload{
		Kind:      string(outcome.Kind),
		WinnerID:  outcome.WinnerID,
		DisputeID: outcome.DisputeID,
		Reason:    outcome.Reason,
	}
	if outcome.Payout != nil {
		payout := payoutPayloadFrom(*outcome.Payout)
		payload.Payout = &payout
	}
	if outcome.Refund != nil {
		refund := refundPayloadFrom(*outcome.Refund)
		payload.Refund = &refund
	}
	return payload
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

func fixed(value decimal.Decimal) string {
	return value.StringFixed(amountScale)
}
