package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

const (
	defaultMetadataJSON      = "{}"
	dialectPostgres          = "postgres"
	pgUniqueViolationCode    = "23505"
	pgSerializationFailure   = "40001"
	pgDeadlockDetected       = "40P01"
	sqliteConstraintCode     = 19
	sqliteBusyCode           = 5
	sqliteLockedCode         = 6
	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectTransaction  = "transaction"
	errorSubjectMatch        = "match"
	errorSubjectDispute      = "dispute"
	errorSubjectTx           = "tx"
	errorCodeCommit          = "commit"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeTransient       = "transient"
	errorCodeUpdate          = "update"
	lockingStrengthForUpdate = "UPDATE"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db    *gorm.DB
	inTx  bool
	nowFn func() time.Time
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// AutoMigrate creates or updates every table used by the store.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction. PostgreSQL transactions run SERIALIZABLE;
// serialization failures surface as ledger.ErrTransientConflict.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	var options []*sql.TxOptions
	if store.db.Dialector.Name() == dialectPostgres {
		options = append(options, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, inTx: true, nowFn: store.nowFn})
	}, options...)
	if isTransient(err) {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, fmt.Errorf("%w: %v", ledger.ErrTransientConflict, err))
	}
	return err
}

func (store *Store) session(ctx context.Context) *gorm.DB {
	return store.db.WithContext(ctx)
}

func (store *Store) locking(ctx context.Context) *gorm.DB {
	if !store.inTx {
		return store.session(ctx)
	}
	return store.session(ctx).Clauses(clause.Locking{Strength: lockingStrengthForUpdate})
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID string) (ledger.Wallet, error) {
	var model Wallet
	err := store.locking(ctx).Where("user_id = ?", userID).Take(&model).Error
	if err == nil {
		return walletFromModel(model), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, storeError(errorSubjectWallet, errorCodeLookup, err)
	}
	now := store.nowFn().UTC()
	model = Wallet{
		WalletID:       uuid.NewString(),
		UserID:         userID,
		AvailableFC:    decimal.Zero,
		LockedFC:       decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = store.session(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		// a concurrent transaction created the wallet first
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, fmt.Errorf("%w: %v", ledger.ErrTransientConflict, err))
	}
	if err != nil {
		return ledger.Wallet{}, storeError(errorSubjectWallet, errorCodeCreate, err)
	}
	return walletFromModel(model), nil
}

func (store *Store) GetWallet(ctx context.Context, userID string) (ledger.Wallet, error) {
	var model Wallet
	err := store.locking(ctx).Where("user_id = ?", userID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, storeError(errorSubjectWallet, errorCodeGet, err)
	}
	return walletFromModel(model), nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet) error {
	result := store.session(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", wallet.UserID).
		Updates(map[string]any{
			"available_fc":    wallet.AvailableFC,
			"locked_fc":       wallet.LockedFC,
			"total_deposited": wallet.TotalDeposited,
			"total_withdrawn": wallet.TotalWithdrawn,
			"updated_at":      wallet.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return storeError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := transactionToModel(transaction)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = store.nowFn().UTC()
	}
	err := store.session(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return storeError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByKey(ctx context.Context, idempotencyKey string) (ledger.Transaction, error) {
	var model Transaction
	err := store.session(ctx).Where("idempotency_key = ?", idempotencyKey).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, storeError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transactionFromModel(model), nil
}

func (store *Store) ListTransactionsByReference(ctx context.Context, refType string, refID string) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.session(ctx).
		Where("ref_type = ? AND ref_id = ?", refType, refID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, storeError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows), nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	query := store.session(ctx).
		Where("user_id = ? AND created_at < ?", userID, before.UTC()).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, storeError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows), nil
}

func (store *Store) CreateMatch(ctx context.Context, match ledger.Match) error {
	model := matchToModel(match)
	err := store.session(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectMatch, errorCodeDuplicate, ledger.ErrDuplicateMatch)
	}
	if err != nil {
		return storeError(errorSubjectMatch, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetMatch(ctx context.Context, matchID string) (ledger.Match, error) {
	var model Match
	err := store.locking(ctx).Where("id = ?", matchID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Match{}, wrapStoreError(errorSubjectMatch, errorCodeGet, ledger.ErrMatchNotFound)
	}
	if err != nil {
		return ledger.Match{}, storeError(errorSubjectMatch, errorCodeGet, err)
	}
	return matchFromModel(model), nil
}

func (store *Store) UpdateMatch(ctx context.Context, match ledger.Match) error {
	model := matchToModel(match)
	result := store.session(ctx).
		Model(&Match{}).
		Where("id = ?", match.ID).
		Updates(map[string]any{
			"opp_id":       model.OppID,
			"entry_fc":     model.EntryFC,
			"rake_percent": model.RakePercent,
			"state":        model.State,
			"winner_id":    model.WinnerID,
			"host_report":  model.HostReport,
			"opp_report":   model.OppReport,
			"checklist":    model.Checklist,
			"start_at":     model.StartAt,
			"complete_at":  model.CompleteAt,
			"updated_at":   model.UpdatedAt,
		})
	if result.Error != nil {
		return storeError(errorSubjectMatch, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectMatch, errorCodeUpdate, ledger.ErrMatchNotFound)
	}
	return nil
}

func (store *Store) ListMatchesByState(ctx context.Context, state ledger.MatchState, startedBefore time.Time, limit int) ([]ledger.Match, error) {
	var rows []Match
	query := store.session(ctx).
		Where("state = ? AND start_at IS NOT NULL AND start_at < ?", string(state), startedBefore.UTC()).
		Order("start_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, storeError(errorSubjectMatch, errorCodeList, err)
	}
	matches := make([]ledger.Match, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, matchFromModel(row))
	}
	return matches, nil
}

func (store *Store) CreateDispute(ctx context.Context, dispute ledger.Dispute) error {
	model := disputeToModel(dispute)
	err := store.session(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectDispute, errorCodeDuplicate, ledger.ErrDisputeExists)
	}
	if err != nil {
		return storeError(errorSubjectDispute, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetOpenDispute(ctx context.Context, matchID string) (ledger.Dispute, error) {
	var model Dispute
	err := store.locking(ctx).
		Where("match_id = ? AND status = ?", matchID, string(ledger.DisputeOpen)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Dispute{}, wrapStoreError(errorSubjectDispute, errorCodeGet, ledger.ErrDisputeNotFound)
	}
	if err != nil {
		return ledger.Dispute{}, storeError(errorSubjectDispute, errorCodeGet, err)
	}
	return disputeFromModel(model), nil
}

func (store *Store) GetLatestDispute(ctx context.Context, matchID string) (ledger.Dispute, error) {
	var model Dispute
	err := store.session(ctx).
		Where("match_id = ?", matchID).
		Order("created_at DESC").
		Order("id DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Dispute{}, wrapStoreError(errorSubjectDispute, errorCodeGet, ledger.ErrDisputeNotFound)
	}
	if err != nil {
		return ledger.Dispute{}, storeError(errorSubjectDispute, errorCodeGet, err)
	}
	return disputeFromModel(model), nil
}

func (store *Store) UpdateDispute(ctx context.Context, dispute ledger.Dispute) error {
	model := disputeToModel(dispute)
	result := store.session(ctx).
		Model(&Dispute{}).
		Where("id = ?", dispute.ID).
		Updates(map[string]any{
			"notes":       model.Notes,
			"evidence":    model.Evidence,
			"status":      model.Status,
			"resolution":  model.Resolution,
			"winner_id":   model.WinnerID,
			"resolved_by": model.ResolvedBy,
			"resolved_at": model.ResolvedAt,
			"open_guard":  model.OpenGuard,
		})
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectDispute, errorCodeDuplicate, ledger.ErrDisputeExists)
	}
	if result.Error != nil {
		return storeError(errorSubjectDispute, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectDispute, errorCodeUpdate, ledger.ErrDisputeNotFound)
	}
	return nil
}

func mapTransactions(rows []Transaction) []ledger.Transaction {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, transactionFromModel(row))
	}
	return transactions
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// storeError classifies driver failures; serialization failures and lock contention
// become ledger.ErrTransientConflict so the services retry them.
func storeError(subject string, code string, err error) error {
	if isTransient(err) {
		return wrapStoreError(subject, errorCodeTransient, fmt.Errorf("%w: %v", ledger.ErrTransientConflict, err))
	}
	return wrapStoreError(subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}

var _ ledger.Store = (*Store)(nil)
