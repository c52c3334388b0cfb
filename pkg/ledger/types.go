package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies a wallet owner or match participant.
type UserID struct {
	value string
}

// MatchID identifies a wagered match.
type MatchID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// PositiveAmount is a strictly positive FC amount rounded to two decimals.
type PositiveAmount struct {
	value decimal.Decimal
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewMatchID validates and normalizes a match id.
func NewMatchID(raw string) (MatchID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MatchID{}, fmt.Errorf("%w: empty value", ErrInvalidMatchID)
	}
	return MatchID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MatchID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MatchIdempotencyKey builds the deterministic key used for engine-initiated
// effects on a match, e.g. match:<id>:loss:<user>.
func MatchIdempotencyKey(matchID MatchID, parts ...string) IdempotencyKey {
	segments := append([]string{idempotencyPrefixMatch, matchID.String()}, parts...)
	return IdempotencyKey{value: strings.Join(segments, idempotencyKeyDelimiter)}
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// RoundFC rounds to cents, half away from zero. Every persisted amount goes
// through this function.
func RoundFC(value decimal.Decimal) decimal.Decimal {
	return value.Round(fcScale)
}

// NewPositiveAmount rounds the amount to cents and ensures it is strictly positive.
func NewPositiveAmount(raw decimal.Decimal) (PositiveAmount, error) {
	rounded := RoundFC(raw)
	if !rounded.IsPositive() {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: rounded}, nil
}

// ParsePositiveAmount parses a decimal string such as "100.00".
func ParsePositiveAmount(raw string) (PositiveAmount, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return PositiveAmount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewPositiveAmount(parsed)
}

// Decimal returns the rounded value.
func (amount PositiveAmount) Decimal() decimal.Decimal {
	return amount.value
}

// String renders the amount with two fraction digits.
func (amount PositiveAmount) String() string {
	return amount.value.StringFixed(fcScale)
}

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TransactionWager       TransactionType = "WAGER"
	TransactionWin         TransactionType = "WIN"
	TransactionLoss        TransactionType = "LOSS"
	TransactionRefund      TransactionType = "REFUND"
	TransactionPlatformFee TransactionType = "PLATFORM_FEE"
	TransactionDeposit     TransactionType = "DEPOSIT"
	TransactionWithdrawal  TransactionType = "WITHDRAWAL"
	TransactionEarn        TransactionType = "EARN"
	TransactionLock        TransactionType = "LOCK"
	TransactionUnlock      TransactionType = "UNLOCK"
)

// ParseTransactionType validates a stored type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionWager, TransactionWin, TransactionLoss, TransactionRefund, TransactionPlatformFee,
		TransactionDeposit, TransactionWithdrawal, TransactionEarn, TransactionLock, TransactionUnlock:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// TransactionState tracks whether an entry took effect.
type TransactionState string

const (
	TransactionPending   TransactionState = "PENDING"
	TransactionCompleted TransactionState = "COMPLETED"
	TransactionFailed    TransactionState = "FAILED"
)

// RefTypeMatch references a match from a ledger entry.
const RefTypeMatch = "MATCH"

// Wallet is the balance row of a single user.
type Wallet struct {
	WalletID       string
	UserID         string
	AvailableFC    decimal.Decimal
	LockedFC       decimal.Decimal
	TotalDeposited decimal.Decimal
	TotalWithdrawn decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	ID             string
	UserID         string
	WalletID       string
	Type           TransactionType
	State          TransactionState
	AmountFC       decimal.Decimal
	BalanceAfterFC decimal.Decimal
	RefType        string
	RefID          string
	IdempotencyKey string
	Metadata       string
	CreatedAt      time.Time
}

// MatchState is the settlement lifecycle of a match.
type MatchState string

const (
	MatchReadyCheck MatchState = "READY_CHECK"
	MatchActive     MatchState = "ACTIVE"
	MatchDisputed   MatchState = "DISPUTED"
	MatchComplete   MatchState = "COMPLETE"
	MatchCancelled  MatchState = "CANCELLED"
)

// ParseMatchState validates a stored state value.
func ParseMatchState(raw string) (MatchState, error) {
	switch MatchState(raw) {
	case MatchReadyCheck, MatchActive, MatchDisputed, MatchComplete, MatchCancelled:
		return MatchState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMatchState, raw)
}

// IsTerminal reports whether no further settlement may happen.
func (state MatchState) IsTerminal() bool {
	return state == MatchComplete || state == MatchCancelled
}

// ReportResult is a single participant's claim about the match outcome.
type ReportResult string

const (
	ReportNone ReportResult = ""
	ReportWin  ReportResult = "WIN"
	ReportLoss ReportResult = "LOSS"
	ReportDraw ReportResult = "DRAW"
)

// ParseReportResult accepts WIN, LOSS, DRAW (case-insensitive) and the empty string.
func ParseReportResult(raw string) (ReportResult, error) {
	normalized := ReportResult(strings.ToUpper(strings.TrimSpace(raw)))
	switch normalized {
	case ReportNone, ReportWin, ReportLoss, ReportDraw:
		return normalized, nil
	}
	return ReportNone, fmt.Errorf("%w: %q", ErrInvalidReport, raw)
}

// PlayerRole distinguishes the two seats of a match.
type PlayerRole string

const (
	RoleHost PlayerRole = "host"
	RoleOpp  PlayerRole = "opp"
)

// ChecklistCondition names one readiness sub-condition of a match.
type ChecklistCondition string

const (
	ConditionHostStake ChecklistCondition = "HOST_STAKE"
	ConditionOppStake  ChecklistCondition = "OPP_STAKE"
	ConditionHostReady ChecklistCondition = "HOST_READY"
	ConditionOppReady  ChecklistCondition = "OPP_READY"
)

// ChecklistConditions lists every condition in evaluation order.
func ChecklistConditions() []ChecklistCondition {
	return []ChecklistCondition{ConditionHostStake, ConditionOppStake, ConditionHostReady, ConditionOppReady}
}

// ChecklistStatus is the typed status of a single condition.
type ChecklistStatus string

const (
	ChecklistPending   ChecklistStatus = "PENDING"
	ChecklistSatisfied ChecklistStatus = "SATISFIED"
	ChecklistFailed    ChecklistStatus = "FAILED"
)

// ReadyChecklist tracks the pre-start conditions of a match, one field per condition.
type ReadyChecklist struct {
	HostStake ChecklistStatus `json:"hostStake"`
	OppStake  ChecklistStatus `json:"oppStake"`
	HostReady ChecklistStatus `json:"hostReady"`
	OppReady  ChecklistStatus `json:"oppReady"`
}

// NewReadyChecklist returns a checklist with every condition pending.
func NewReadyChecklist() ReadyChecklist {
	return ReadyChecklist{
		HostStake: ChecklistPending,
		OppStake:  ChecklistPending,
		HostReady: ChecklistPending,
		OppReady:  ChecklistPending,
	}
}

// Status returns the status of one condition.
func (checklist ReadyChecklist) Status(condition ChecklistCondition) (ChecklistStatus, error) {
	switch condition {
	case ConditionHostStake:
		return normalizeChecklistStatus(checklist.HostStake), nil
	case ConditionOppStake:
		return normalizeChecklistStatus(checklist.OppStake), nil
	case ConditionHostReady:
		return normalizeChecklistStatus(checklist.HostReady), nil
	case ConditionOppReady:
		return normalizeChecklistStatus(checklist.OppReady), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChecklistCondition, condition)
}

// With returns a copy with one condition updated.
func (checklist ReadyChecklist) With(condition ChecklistCondition, status ChecklistStatus) (ReadyChecklist, error) {
	switch condition {
	case ConditionHostStake:
		checklist.HostStake = status
	case ConditionOppStake:
		checklist.OppStake = status
	case ConditionHostReady:
		checklist.HostReady = status
	case ConditionOppReady:
		checklist.OppReady = status
	default:
		return checklist, fmt.Errorf("%w: %q", ErrInvalidChecklistCondition, condition)
	}
	return checklist, nil
}

// Satisfied reports whether every condition is satisfied.
func (checklist ReadyChecklist) Satisfied() bool {
	for _, condition := range ChecklistConditions() {
		status, err := checklist.Status(condition)
		if err != nil || status != ChecklistSatisfied {
			return false
		}
	}
	return true
}

func normalizeChecklistStatus(status ChecklistStatus) ChecklistStatus {
	if status == "" {
		return ChecklistPending
	}
	return status
}

// Match represents one wagered contest between a host and an opponent.
type Match struct {
	ID          string
	HostID      string
	OppID       string
	EntryFC     decimal.Decimal
	RakePercent decimal.Decimal
	State       MatchState
	WinnerID    string
	HostReport  ReportResult
	OppReport   ReportResult
	Checklist   ReadyChecklist
	StartAt     time.Time
	CompleteAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsParticipant reports whether the user holds one of the two seats.
func (match Match) IsParticipant(userID string) bool {
	_, ok := match.RoleOf(userID)
	return ok
}

// RoleOf returns the seat the user holds.
func (match Match) RoleOf(userID string) (PlayerRole, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == match.HostID:
		return RoleHost, true
	case userID == match.OppID:
		return RoleOpp, true
	}
	return "", false
}

// OpponentOf returns the other participant, or "" for non-participants.
func (match Match) OpponentOf(userID string) string {
	role, ok := match.RoleOf(userID)
	if !ok {
		return ""
	}
	if role == RoleHost {
		return match.OppID
	}
	return match.HostID
}

// DisputeStatus is the lifecycle of a dispute record.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeResolved DisputeStatus = "RESOLVED"
	DisputeClosed   DisputeStatus = "CLOSED"
)

// Resolution is the financial outcome chosen for a dispute.
type Resolution string

const (
	ResolutionNone   Resolution = ""
	ResolutionPayout Resolution = "PAYOUT"
	ResolutionRefund Resolution = "REFUND"
	ResolutionVoid   Resolution = "VOID"
)

// ParseResolution validates an administrative outcome.
func ParseResolution(raw string) (Resolution, error) {
	normalized := Resolution(strings.ToUpper(strings.TrimSpace(raw)))
	switch normalized {
	case ResolutionPayout, ResolutionRefund, ResolutionVoid:
		return normalized, nil
	}
	return ResolutionNone, fmt.Errorf("%w: %q", ErrInvalidResolution, raw)
}

// Dispute is the audit record of a contested match.
type Dispute struct {
	ID         string
	MatchID    string
	OpenedBy   string
	Reason     string
	Notes      string
	Evidence   string
	Status     DisputeStatus
	Resolution Resolution
	WinnerID   string
	ResolvedBy string
	ResolvedAt time.Time
	CreatedAt  time.Time
}

// Store is the persistence contract used by the ledger, settlement and dispute services.
// Implementations must return errors wrapping ErrDuplicateIdempotencyKey for unique key
// violations and ErrTransientConflict for serialization failures.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateWallet(ctx context.Context, userID string) (Wallet, error)
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	UpdateWallet(ctx context.Context, wallet Wallet) error

	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransactionByKey(ctx context.Context, idempotencyKey string) (Transaction, error)
	ListTransactionsByReference(ctx context.Context, refType string, refID string) ([]Transaction, error)
	ListTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]Transaction, error)

	CreateMatch(ctx context.Context, match Match) error
	GetMatch(ctx context.Context, matchID string) (Match, error)
	UpdateMatch(ctx context.Context, match Match) error
	ListMatchesByState(ctx context.Context, state MatchState, startedBefore time.Time, limit int) ([]Match, error)

	CreateDispute(ctx context.Context, dispute Dispute) error
	GetOpenDispute(ctx context.Context, matchID string) (Dispute, error)
	GetLatestDispute(ctx context.Context, matchID string) (Dispute, error)
	UpdateDispute(ctx context.Context, dispute Dispute) error
}

// EventPublisher delivers domain events after the originating transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}
