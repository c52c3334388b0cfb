package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	WalletID       string          `gorm:"primaryKey"`
	UserID         string          `gorm:"not null;uniqueIndex:uniq_wallets_user"`
	AvailableFC    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	LockedFC       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	TotalDeposited decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	TotalWithdrawn decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CreatedAt      time.Time       `gorm:"not null"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// Transaction mirrors the wallet_transactions table. Rows are append-only.
type Transaction struct {
	ID             string          `gorm:"primaryKey"`
	UserID         string          `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	WalletID       string          `gorm:"not null"`
	Type           string          `gorm:"not null"`
	State          string          `gorm:"not null"`
	AmountFC       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceAfterFC decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	RefType        string          `gorm:"index:idx_transactions_reference,priority:1"`
	RefID          string          `gorm:"index:idx_transactions_reference,priority:2"`
	IdempotencyKey *string         `gorm:"uniqueIndex:uniq_transactions_idempotency_key"`
	Metadata       datatypes.JSON  `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (Transaction) TableName() string { return "wallet_transactions" }

// Match mirrors the matches table.
type Match struct {
	ID          string                                    `gorm:"primaryKey"`
	HostID      string                                    `gorm:"not null;index"`
	OppID       string                                    `gorm:"index"`
	EntryFC     decimal.Decimal                           `gorm:"type:numeric(20,2);not null"`
	RakePercent decimal.Decimal                           `gorm:"type:numeric(5,2);not null"`
	State       string                                    `gorm:"not null;index:idx_matches_state_start,priority:1"`
	WinnerID    string                                    `gorm:""`
	HostReport  string                                    `gorm:""`
	OppReport   string                                    `gorm:""`
	Checklist   datatypes.JSONType[ledger.ReadyChecklist] `gorm:"not null"`
	StartAt     *time.Time                                `gorm:"index:idx_matches_state_start,priority:2"`
	CompleteAt  *time.Time                                `gorm:""`
	CreatedAt   time.Time                                 `gorm:"not null"`
	UpdatedAt   time.Time                                 `gorm:"not null"`
}

func (Match) TableName() string { return "matches" }

// Dispute mirrors the disputes table. OpenGuard carries the match id while the
// dispute is OPEN and is cleared afterwards, so the unique index admits one open
// dispute per match.
type Dispute struct {
	ID         string         `gorm:"primaryKey"`
	MatchID    string         `gorm:"not null;index:idx_disputes_match_created,priority:1"`
	OpenedBy   string         `gorm:"not null"`
	Reason     string         `gorm:"not null"`
	Notes      string         `gorm:"type:text"`
	Evidence   datatypes.JSON `gorm:"type:jsonb;not null"`
	Status     string         `gorm:"not null"`
	Resolution string         `gorm:""`
	WinnerID   string         `gorm:""`
	ResolvedBy string         `gorm:""`
	ResolvedAt *time.Time     `gorm:""`
	OpenGuard  *string        `gorm:"uniqueIndex:uniq_disputes_open_match"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_disputes_match_created,priority:2"`
}

func (Dispute) TableName() string { return "disputes" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Wallet{}, &Transaction{}, &Match{}, &Dispute{}}
}

func walletFromModel(model Wallet) ledger.Wallet {
	return ledger.Wallet{
		WalletID:       model.WalletID,
		UserID:         model.UserID,
		AvailableFC:    model.AvailableFC,
		LockedFC:       model.LockedFC,
		TotalDeposited: model.TotalDeposited,
		TotalWithdrawn: model.TotalWithdrawn,
		CreatedAt:      model.CreatedAt.UTC(),
		UpdatedAt:      model.UpdatedAt.UTC(),
	}
}

func transactionToModel(transaction ledger.Transaction) Transaction {
	var key *string
	if transaction.IdempotencyKey != "" {
		value := transaction.IdempotencyKey
		key = &value
	}
	return Transaction{
		ID:             transaction.ID,
		UserID:         transaction.UserID,
		WalletID:       transaction.WalletID,
		Type:           string(transaction.Type),
		State:          string(transaction.State),
		AmountFC:       transaction.AmountFC,
		BalanceAfterFC: transaction.BalanceAfterFC,
		RefType:        transaction.RefType,
		RefID:          transaction.RefID,
		IdempotencyKey: key,
		Metadata:       datatypesJSON(transaction.Metadata),
		CreatedAt:      transaction.CreatedAt.UTC(),
	}
}

func transactionFromModel(model Transaction) ledger.Transaction {
	key := ""
	if model.IdempotencyKey != nil {
		key = *model.IdempotencyKey
	}
	return ledger.Transaction{
		ID:             model.ID,
		UserID:         model.UserID,
		WalletID:       model.WalletID,
		Type:           ledger.TransactionType(model.Type),
		State:          ledger.TransactionState(model.State),
		AmountFC:       model.AmountFC,
		BalanceAfterFC: model.BalanceAfterFC,
		RefType:        model.RefType,
		RefID:          model.RefID,
		IdempotencyKey: key,
		Metadata:       string(model.Metadata),
		CreatedAt:      model.CreatedAt.UTC(),
	}
}

func matchToModel(match ledger.Match) Match {
	return Match{
		ID:          match.ID,
		HostID:      match.HostID,
		OppID:       match.OppID,
		EntryFC:     match.EntryFC,
		RakePercent: match.RakePercent,
		State:       string(match.State),
		WinnerID:    match.WinnerID,
		HostReport:  string(match.HostReport),
		OppReport:   string(match.OppReport),
		Checklist:   datatypes.NewJSONType(match.Checklist),
		StartAt:     optionalTime(match.StartAt),
		CompleteAt:  optionalTime(match.CompleteAt),
		CreatedAt:   match.CreatedAt.UTC(),
		UpdatedAt:   match.UpdatedAt.UTC(),
	}
}

func matchFromModel(model Match) ledger.Match {
	return ledger.Match{
		ID:          model.ID,
		HostID:      model.HostID,
		OppID:       model.OppID,
		EntryFC:     model.EntryFC,
		RakePercent: model.RakePercent,
		State:       ledger.MatchState(model.State),
		WinnerID:    model.WinnerID,
		HostReport:  ledger.ReportResult(model.HostReport),
		OppReport:   ledger.ReportResult(model.OppReport),
		Checklist:   model.Checklist.Data(),
		StartAt:     timeOrZero(model.StartAt),
		CompleteAt:  timeOrZero(model.CompleteAt),
		CreatedAt:   model.CreatedAt.UTC(),
		UpdatedAt:   model.UpdatedAt.UTC(),
	}
}

func disputeToModel(dispute ledger.Dispute) Dispute {
	return Dispute{
		ID:         dispute.ID,
		MatchID:    dispute.MatchID,
		OpenedBy:   dispute.OpenedBy,
		Reason:     dispute.Reason,
		Notes:      dispute.Notes,
		Evidence:   datatypesJSON(dispute.Evidence),
		Status:     string(dispute.Status),
		Resolution: string(dispute.Resolution),
		WinnerID:   dispute.WinnerID,
		ResolvedBy: dispute.ResolvedBy,
		ResolvedAt: optionalTime(dispute.ResolvedAt),
		OpenGuard:  openGuard(dispute),
		CreatedAt:  dispute.CreatedAt.UTC(),
	}
}

func disputeFromModel(model Dispute) ledger.Dispute {
	return ledger.Dispute{
		ID:         model.ID,
		MatchID:    model.MatchID,
		OpenedBy:   model.OpenedBy,
		Reason:     model.Reason,
		Notes:      model.Notes,
		Evidence:   string(model.Evidence),
		Status:     ledger.DisputeStatus(model.Status),
		Resolution: ledger.Resolution(model.Resolution),
		WinnerID:   model.WinnerID,
		ResolvedBy: model.ResolvedBy,
		ResolvedAt: timeOrZero(model.ResolvedAt),
		CreatedAt:  model.CreatedAt.UTC(),
	}
}

func openGuard(dispute ledger.Dispute) *string {
	if dispute.Status != ledger.DisputeOpen {
		return nil
	}
	value := dispute.MatchID
	return &value
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
