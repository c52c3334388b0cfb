package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintIdempotencyKey = "wallet_transactions_idempotency_key_key"
	constraintMatchPrimary   = "matches_pkey"
	constraintOpenDispute    = "uniq_disputes_open_match"
	pgUniqueViolationCode    = "23505"
	pgSerializationFailure   = "40001"
	pgDeadlockDetected       = "40P01"
	errorOperationStore      = "store"
	errorSubjectSchema       = "schema"
	errorSubjectWallet       = "wallet"
	errorSubjectTransaction  = "transaction"
	errorSubjectMatch        = "match"
	errorSubjectDispute      = "dispute"
	errorSubjectTx           = "tx"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCreate          = "create"
	errorCodeDecode          = "decode"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeList            = "list"
	errorCodeMigrate         = "migrate"
	errorCodeTransient       = "transient"
	errorCodeUpdate          = "update"
	lockClauseForUpdate      = " for update"
	defaultListLimit         = 50
)

const (
	walletColumns = `wallet_id, user_id, available_fc::text, locked_fc::text, total_deposited::text, total_withdrawn::text, created_at, updated_at`

	transactionColumns = `id, user_id, wallet_id, type, state, amount_fc::text, balance_after_fc::text, ref_type, ref_id, coalesce(idempotency_key,''), metadata::text, created_at`

	matchColumns = `id, host_id, opp_id, entry_fc::text, rake_percent::text, state, winner_id, host_report, opp_report, checklist::text, start_at, complete_at, created_at, updated_at`

	disputeColumns = `id, match_id, opened_by, reason, notes, evidence::text, status, resolution, winner_id, resolved_by, resolved_at, created_at`

	sqlInsertWalletIfMissing = `
		insert into wallets(wallet_id, user_id, available_fc, locked_fc, total_deposited, total_withdrawn, created_at, updated_at)
		values($1, $2, 0, 0, 0, 0, $3, $3)
		on conflict (user_id) do nothing
	`

	sqlSelectWallet = `select ` + walletColumns + ` from wallets where user_id = $1`

	sqlUpdateWallet = `
		update wallets
		set available_fc = $2, locked_fc = $3, total_deposited = $4, total_withdrawn = $5, updated_at = $6
		where wallet_id = $1
	`

	sqlInsertTransaction = `
		insert into wallet_transactions(
			id, user_id, wallet_id, type, state, amount_fc, balance_after_fc, ref_type, ref_id, idempotency_key, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			nullif($10,''),
			coalesce(nullif($11,''),'{}')::jsonb,
			$12
		)
	`

	sqlSelectTransactionByKey = `select ` + transactionColumns + ` from wallet_transactions where idempotency_key = $1`

	sqlListTransactionsByRef = `select ` + transactionColumns + ` from wallet_transactions where ref_type = $1 and ref_id = $2 order by created_at asc, id asc`

	sqlListTransactionsByUser = `select ` + transactionColumns + ` from wallet_transactions where user_id = $1 and created_at < $2 order by created_at desc, id desc limit $3`

	sqlInsertMatch = `
		insert into matches(
			id, host_id, opp_id, entry_fc, rake_percent, state, winner_id, host_report, opp_report, checklist, start_at, complete_at, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14)
	`

	sqlSelectMatch = `select ` + matchColumns + ` from matches where id = $1`

	sqlUpdateMatch = `
		update matches
		set opp_id = $2, entry_fc = $3, rake_percent = $4, state = $5, winner_id = $6, host_report = $7, opp_report = $8,
			checklist = $9::jsonb, start_at = $10, complete_at = $11, updated_at = $12
		where id = $1
	`

	sqlListMatchesByState = `
		select ` + matchColumns + ` from matches
		where state = $1 and start_at is not null and start_at < $2
		order by start_at asc, id asc
		limit $3
	`

	sqlInsertDispute = `
		insert into disputes(
			id, match_id, opened_by, reason, notes, evidence, status, resolution, winner_id, resolved_by, resolved_at, created_at
		)
		values($1, $2, $3, $4, $5, coalesce(nullif($6,''),'{}')::jsonb, $7, $8, $9, $10, $11, $12)
	`

	sqlSelectOpenDispute = `select ` + disputeColumns + ` from disputes where match_id = $1 and status = 'OPEN'`

	sqlSelectLatestDispute = `select ` + disputeColumns + ` from disputes where match_id = $1 order by created_at desc, id desc limit 1`

	sqlUpdateDispute = `
		update disputes
		set notes = $2, evidence = coalesce(nullif($3,''),'{}')::jsonb, status = $4, resolution = $5, winner_id = $6,
			resolved_by = $7, resolved_at = $8
		where id = $1
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements ledger.Store with pgx. Outside WithTx every call autocommits.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate creates the tables and indexes when they are missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx runs fn in a SERIALIZABLE transaction. Nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return storeError(errorSubjectTx, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{pool: store.pool, db: tx, inTx: true}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) lockSuffix() string {
	if store.inTx {
		return lockClauseForUpdate
	}
	return ""
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID string) (ledger.Wallet, error) {
	now := time.Now().UTC()
	if _, err := store.db.Exec(ctx, sqlInsertWalletIfMissing, uuid.NewString(), userID, now); err != nil {
		return ledger.Wallet{}, storeError(errorSubjectWallet, errorCodeCreate, err)
	}
	return store.GetWallet(ctx, userID)
}

func (store *Store) GetWallet(ctx context.Context, userID string) (ledger.Wallet, error) {
	wallet, err := scanWallet(store.db.QueryRow(ctx, sqlSelectWallet+store.lockSuffix(), userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, storeError(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet, nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWallet,
		wallet.WalletID,
		wallet.AvailableFC,
		wallet.LockedFC,
		wallet.TotalDeposited,
		wallet.TotalWithdrawn,
		wallet.UpdatedAt.UTC(),
	)
	if err != nil {
		return storeError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.UserID,
		transaction.WalletID,
		string(transaction.Type),
		string(transaction.State),
		transaction.AmountFC,
		transaction.BalanceAfterFC,
		transaction.RefType,
		transaction.RefID,
		transaction.IdempotencyKey,
		transaction.Metadata,
		transaction.CreatedAt.UTC(),
	)
	if isConstraintViolation(err, constraintIdempotencyKey) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return storeError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByKey(ctx context.Context, idempotencyKey string) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransactionByKey, idempotencyKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, storeError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactionsByReference(ctx context.Context, refType string, refID string) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsByRef, refType, refID)
	if err != nil {
		return nil, storeError(errorSubjectTransaction, errorCodeList, err)
	}
	return collectTransactions(rows)
}

func (store *Store) ListTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := store.db.Query(ctx, sqlListTransactionsByUser, userID, before.UTC(), limit)
	if err != nil {
		return nil, storeError(errorSubjectTransaction, errorCodeList, err)
	}
	return collectTransactions(rows)
}

func (store *Store) CreateMatch(ctx context.Context, match ledger.Match) error {
	checklist, err := json.Marshal(match.Checklist)
	if err != nil {
		return wrapStoreError(errorSubjectMatch, errorCodeCreate, err)
	}
	_, err = store.db.Exec(ctx, sqlInsertMatch,
		match.ID,
		match.HostID,
		match.OppID,
		match.EntryFC,
		match.RakePercent,
		string(match.State),
		match.WinnerID,
		string(match.HostReport),
		string(match.OppReport),
		string(checklist),
		optionalTime(match.StartAt),
		optionalTime(match.CompleteAt),
		match.CreatedAt.UTC(),
		match.UpdatedAt.UTC(),
	)
	if isConstraintViolation(err, constraintMatchPrimary) {
		return wrapStoreError(errorSubjectMatch, errorCodeDuplicate, ledger.ErrDuplicateMatch)
	}
	if err != nil {
		return storeError(errorSubjectMatch, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetMatch(ctx context.Context, matchID string) (ledger.Match, error) {
	match, err := scanMatch(store.db.QueryRow(ctx, sqlSelectMatch+store.lockSuffix(), matchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Match{}, wrapStoreError(errorSubjectMatch, errorCodeGet, ledger.ErrMatchNotFound)
	}
	if err != nil {
		return ledger.Match{}, storeError(errorSubjectMatch, errorCodeGet, err)
	}
	return match, nil
}

func (store *Store) UpdateMatch(ctx context.Context, match ledger.Match) error {
	checklist, err := json.Marshal(match.Checklist)
	if err != nil {
		return wrapStoreError(errorSubjectMatch, errorCodeUpdate, err)
	}
	tag, err := store.db.Exec(ctx, sqlUpdateMatch,
		match.ID,
		match.OppID,
		match.EntryFC,
		match.RakePercent,
		string(match.State),
		match.WinnerID,
		string(match.HostReport),
		string(match.OppReport),
		string(checklist),
		optionalTime(match.StartAt),
		optionalTime(match.CompleteAt),
		match.UpdatedAt.UTC(),
	)
	if err != nil {
		return storeError(errorSubjectMatch, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectMatch, errorCodeUpdate, ledger.ErrMatchNotFound)
	}
	return nil
}

func (store *Store) ListMatchesByState(ctx context.Context, state ledger.MatchState, startedBefore time.Time, limit int) ([]ledger.Match, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := store.db.Query(ctx, sqlListMatchesByState, string(state), startedBefore.UTC(), limit)
	if err != nil {
		return nil, storeError(errorSubjectMatch, errorCodeList, err)
	}
	defer rows.Close()
	var matches []ledger.Match
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, storeError(errorSubjectMatch, errorCodeDecode, err)
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(errorSubjectMatch, errorCodeList, err)
	}
	return matches, nil
}

func (store *Store) CreateDispute(ctx context.Context, dispute ledger.Dispute) error {
	_, err := store.db.Exec(ctx, sqlInsertDispute,
		dispute.ID,
		dispute.MatchID,
		dispute.OpenedBy,
		dispute.Reason,
		dispute.Notes,
		dispute.Evidence,
		string(dispute.Status),
		string(dispute.Resolution),
		dispute.WinnerID,
		dispute.ResolvedBy,
		optionalTime(dispute.ResolvedAt),
		dispute.CreatedAt.UTC(),
	)
	if isConstraintViolation(err, constraintOpenDispute) {
		return wrapStoreError(errorSubjectDispute, errorCodeDuplicate, ledger.ErrDisputeExists)
	}
	if err != nil {
		return storeError(errorSubjectDispute, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetOpenDispute(ctx context.Context, matchID string) (ledger.Dispute, error) {
	return store.getDispute(ctx, sqlSelectOpenDispute+store.lockSuffix(), matchID)
}

func (store *Store) GetLatestDispute(ctx context.Context, matchID string) (ledger.Dispute, error) {
	return store.getDispute(ctx, sqlSelectLatestDispute, matchID)
}

func (store *Store) getDispute(ctx context.Context, query string, matchID string) (ledger.Dispute, error) {
	dispute, err := scanDispute(store.db.QueryRow(ctx, query, matchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Dispute{}, wrapStoreError(errorSubjectDispute, errorCodeGet, ledger.ErrDisputeNotFound)
	}
	if err != nil {
		return ledger.Dispute{}, storeError(errorSubjectDispute, errorCodeGet, err)
	}
	return dispute, nil
}

func (store *Store) UpdateDispute(ctx context.Context, dispute ledger.Dispute) error {
	tag, err := store.db.Exec(ctx, sqlUpdateDispute,
		dispute.ID,
		dispute.Notes,
		dispute.Evidence,
		string(dispute.Status),
		string(dispute.Resolution),
		dispute.WinnerID,
		dispute.ResolvedBy,
		optionalTime(dispute.ResolvedAt),
	)
	if isConstraintViolation(err, constraintOpenDispute) {
		return wrapStoreError(errorSubjectDispute, errorCodeDuplicate, ledger.ErrDisputeExists)
	}
	if err != nil {
		return storeError(errorSubjectDispute, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectDispute, errorCodeUpdate, ledger.ErrDisputeNotFound)
	}
	return nil
}

func scanWallet(row rowScanner) (ledger.Wallet, error) {
	var wallet ledger.Wallet
	err := row.Scan(
		&wallet.WalletID,
		&wallet.UserID,
		&wallet.AvailableFC,
		&wallet.LockedFC,
		&wallet.TotalDeposited,
		&wallet.TotalWithdrawn,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)
	if err != nil {
		return ledger.Wallet{}, err
	}
	wallet.CreatedAt = wallet.CreatedAt.UTC()
	wallet.UpdatedAt = wallet.UpdatedAt.UTC()
	return wallet, nil
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		transaction     ledger.Transaction
		transactionType string
		state           string
	)
	err := row.Scan(
		&transaction.ID,
		&transaction.UserID,
		&transaction.WalletID,
		&transactionType,
		&state,
		&transaction.AmountFC,
		&transaction.BalanceAfterFC,
		&transaction.RefType,
		&transaction.RefID,
		&transaction.IdempotencyKey,
		&transaction.Metadata,
		&transaction.CreatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction.Type = ledger.TransactionType(transactionType)
	transaction.State = ledger.TransactionState(state)
	transaction.CreatedAt = transaction.CreatedAt.UTC()
	return transaction, nil
}

func collectTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()
	var transactions []ledger.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, storeError(errorSubjectTransaction, errorCodeDecode, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func scanMatch(row rowScanner) (ledger.Match, error) {
	var (
		match      ledger.Match
		state      string
		hostReport string
		oppReport  string
		checklist  string
		startAt    *time.Time
		completeAt *time.Time
	)
	err := row.Scan(
		&match.ID,
		&match.HostID,
		&match.OppID,
		&match.EntryFC,
		&match.RakePercent,
		&state,
		&match.WinnerID,
		&hostReport,
		&oppReport,
		&checklist,
		&startAt,
		&completeAt,
		&match.CreatedAt,
		&match.UpdatedAt,
	)
	if err != nil {
		return ledger.Match{}, err
	}
	match.Checklist = ledger.NewReadyChecklist()
	if err := json.Unmarshal([]byte(checklist), &match.Checklist); err != nil {
		return ledger.Match{}, fmt.Errorf("checklist: %w", err)
	}
	match.State = ledger.MatchState(state)
	match.HostReport = ledger.ReportResult(hostReport)
	match.OppReport = ledger.ReportResult(oppReport)
	match.StartAt = timeOrZero(startAt)
	match.CompleteAt = timeOrZero(completeAt)
	match.CreatedAt = match.CreatedAt.UTC()
	match.UpdatedAt = match.UpdatedAt.UTC()
	return match, nil
}

func scanDispute(row rowScanner) (ledger.Dispute, error) {
	var (
		dispute    ledger.Dispute
		status     string
		resolution string
		resolvedAt *time.Time
	)
	err := row.Scan(
		&dispute.ID,
		&dispute.MatchID,
		&dispute.OpenedBy,
		&dispute.Reason,
		&dispute.Notes,
		&dispute.Evidence,
		&status,
		&resolution,
		&dispute.WinnerID,
		&dispute.ResolvedBy,
		&resolvedAt,
		&dispute.CreatedAt,
	)
	if err != nil {
		return ledger.Dispute{}, err
	}
	dispute.Status = ledger.DisputeStatus(status)
	dispute.Resolution = ledger.Resolution(resolution)
	dispute.ResolvedAt = timeOrZero(resolvedAt)
	dispute.CreatedAt = dispute.CreatedAt.UTC()
	return dispute, nil
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

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// storeError maps serialization failures and deadlocks to ledger.ErrTransientConflict.
func storeError(subject string, code string, err error) error {
	if isTransient(err) {
		return wrapStoreError(subject, errorCodeTransient, fmt.Errorf("%w: %v", ledger.ErrTransientConflict, err))
	}
	return wrapStoreError(subject, code, err)
}

func isConstraintViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

var _ ledger.Store = (*Store)(nil)
