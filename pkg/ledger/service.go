package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Service is the Wallet Ledger: the only component allowed to change wallet balances.
type Service struct {
	store          Store
	nowFn          func() time.Time
	logger         OperationLogger
	publisher      EventPublisher
	platformUserID string
	retry          RetryPolicy
	newID          func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		platformUserID: DefaultPlatformUserID,
		retry:          DefaultRetryPolicy(),
		newID:          uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WagerLock is the result of LockWager.
type WagerLock struct {
	TransactionID string
	UserID        string
	MatchID       string
	AmountFC      decimal.Decimal
	Replayed      bool
}

// Payout is the result of PayoutWinner.
type Payout struct {
	MatchID       string
	WinnerID      string
	LoserID       string
	TransactionID string
	Pot           decimal.Decimal
	WinnerTake    decimal.Decimal
	PlatformFee   decimal.Decimal
	Replayed      bool
}

// Refund is the result of RefundMatch.
type Refund struct {
	MatchID    string
	Refunded   decimal.Decimal
	HostRefund decimal.Decimal
	OppRefund  decimal.Decimal
	Replayed   bool
}

// Stakes are the ledger-derived wager totals of a match.
type Stakes struct {
	Host decimal.Decimal
	Opp  decimal.Decimal
}

// Pot is the sum of both stakes.
func (stakes Stakes) Pot() decimal.Decimal {
	return stakes.Host.Add(stakes.Opp)
}

// Of returns the stake held by one seat.
func (stakes Stakes) Of(role PlayerRole) decimal.Decimal {
	if role == RoleHost {
		return stakes.Host
	}
	return stakes.Opp
}

// DeriveStakes sums the completed WAGER entries of each participant.
func DeriveStakes(match Match, entries []Transaction) Stakes {
	stakes := Stakes{Host: decimal.Zero, Opp: decimal.Zero}
	for _, entry := range entries {
		if entry.Type != TransactionWager || entry.State != TransactionCompleted {
			continue
		}
		switch role, _ := match.RoleOf(entry.UserID); role {
		case RoleHost:
			stakes.Host = stakes.Host.Add(entry.AmountFC.Abs())
		case RoleOpp:
			stakes.Opp = stakes.Opp.Add(entry.AmountFC.Abs())
		}
	}
	stakes.Host = RoundFC(stakes.Host)
	stakes.Opp = RoundFC(stakes.Opp)
	return stakes
}

type settlementMetadata struct {
	Pot         string `json:"pot,omitempty"`
	PlatformFee string `json:"platformFee,omitempty"`
	WinnerID    string `json:"winnerId,omitempty"`
	LoserID     string `json:"loserId,omitempty"`
	WinnerStake string `json:"winnerStake,omitempty"`
	LoserStake  string `json:"loserStake,omitempty"`
	Role        string `json:"role,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (metadata settlementMetadata) String() string {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// LockWager moves a stake from available to locked funds for a match.
func (service *Service) LockWager(ctx context.Context, userID UserID, matchID MatchID, amount PositiveAmount, idempotencyKey IdempotencyKey) (WagerLock, error) {
	var result WagerLock
	operationError := RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := findTransactionByKey(ctx, transactionStore, idempotencyKey.String())
		if err != nil {
			return err
		}
		if found {
			if existing.Type != TransactionWager || existing.UserID != userID.String() || existing.RefID != matchID.String() {
				return ErrIdempotencyKeyConflict
			}
			result = WagerLock{
				TransactionID: existing.ID,
				UserID:        existing.UserID,
				MatchID:       existing.RefID,
				AmountFC:      existing.AmountFC.Abs(),
				Replayed:      true,
			}
			return nil
		}
		match, err := transactionStore.GetMatch(ctx, matchID.String())
		if err != nil {
			return err
		}
		role, ok := match.RoleOf(userID.String())
		if !ok {
			return ErrNotParticipant
		}
		if match.State != MatchReadyCheck && match.State != MatchActive {
			return fmt.Errorf("%w: state %s", ErrMatchClosed, match.State)
		}
		wallet, err := transactionStore.GetOrCreateWallet(ctx, userID.String())
		if err != nil {
			return err
		}
		if wallet.AvailableFC.LessThan(amount.Decimal()) {
			return ErrInsufficientFunds
		}
		wallet, err = service.adjustWallet(wallet, amount.Decimal().Neg(), amount.Decimal())
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateWallet(ctx, wallet); err != nil {
			return err
		}
		entry := service.newTransaction(wallet, TransactionWager, amount.Decimal().Neg(), RefTypeMatch, match.ID, idempotencyKey.String(), settlementMetadata{Role: string(role)}.String())
		if err := transactionStore.InsertTransaction(ctx, entry); err != nil {
			return err
		}
		result = WagerLock{
			TransactionID: entry.ID,
			UserID:        entry.UserID,
			MatchID:       match.ID,
			AmountFC:      amount.Decimal(),
		}
		return nil
	})
	EmitOperationLog(ctx, service.logger, OperationLog{
		Operation:      operationLockWager,
		UserID:         userID.String(),
		MatchID:        matchID.String(),
		Amount:         amount.Decimal(),
		IdempotencyKey: idempotencyKey.String(),
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return WagerLock{}, operationError
	}
	if !result.Replayed {
		PublishEvent(ctx, service.publisher, service.logger, TopicWagerLocked, WagerLockedEvent{
			MatchID:       result.MatchID,
			UserID:        result.UserID,
			TransactionID: result.TransactionID,
			AmountFC:      result.AmountFC.StringFixed(fcScale),
		})
	}
	return result, nil
}

// PayoutWinner settles a match in favour of winnerID. It is idempotent by match:
// once a WIN entry exists for the match, every call returns the recorded payout.
// ACTIVE and DISPUTED matches are payable; only the dispute resolver should pay a DISPUTED one.
func (service *Service) PayoutWinner(ctx context.Context, matchID MatchID, winnerID UserID, idempotencyKey IdempotencyKey) (Payout, error) {
	return service.settleWinner(ctx, matchID, winnerID, idempotencyKey, true)
}

// PayoutUndisputed is PayoutWinner for callers outside the dispute resolver.
// A DISPUTED match fails with ErrMatchNotPayable.
func (service *Service) PayoutUndisputed(ctx context.Context, matchID MatchID, winnerID UserID, idempotencyKey IdempotencyKey) (Payout, error) {
	return service.settleWinner(ctx, matchID, winnerID, idempotencyKey, false)
}

func (service *Service) settleWinner(ctx context.Context, matchID MatchID, winnerID UserID, idempotencyKey IdempotencyKey, allowDisputed bool) (Payout, error) {
	var payout Payout
	operationError := RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore Store) error {
		var err error
		payout, err = service.payoutWinner(ctx, transactionStore, matchID, winnerID, idempotencyKey, allowDisputed)
		return err
	})
	EmitOperationLog(ctx, service.logger, OperationLog{
		Operation:      operationPayoutWinner,
		UserID:         winnerID.String(),
		MatchID:        matchID.String(),
		Amount:         payout.WinnerTake,
		IdempotencyKey: idempotencyKey.String(),
		Replayed:       payout.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Payout{}, operationError
	}
	if !payout.Replayed {
		PublishEvent(ctx, service.publisher, service.logger, TopicWagerPayout, PayoutEvent{
			MatchID:     payout.MatchID,
			WinnerID:    payout.WinnerID,
			LoserID:     payout.LoserID,
			Pot:         payout.Pot.StringFixed(fcScale),
			WinnerTake:  payout.WinnerTake.StringFixed(fcScale),
			PlatformFee: payout.PlatformFee.StringFixed(fcScale),
		})
	}
	return payout, nil
}

func (service *Service) payoutWinner(ctx context.Context, transactionStore Store, matchID MatchID, winnerID UserID, idempotencyKey IdempotencyKey, allowDisputed bool) (Payout, error) {
	match, err := transactionStore.GetMatch(ctx, matchID.String())
	if err != nil {
		return Payout{}, err
	}
	entries, err := transactionStore.ListTransactionsByReference(ctx, RefTypeMatch, match.ID)
	if err != nil {
		return Payout{}, err
	}
	if winEntry, found := firstOfType(entries, TransactionWin); found {
		return payoutFromEntry(match, winEntry), nil
	}
	if _, found, err := findTransactionByKey(ctx, transactionStore, idempotencyKey.String()); err != nil {
		return Payout{}, err
	} else if found {
		return Payout{}, ErrIdempotencyKeyConflict
	}
	if match.OppID == "" {
		return Payout{}, ErrMissingOpponent
	}
	if _, refunded := firstOfType(entries, TransactionRefund); refunded {
		return Payout{}, fmt.Errorf("%w: match refunded", ErrMatchNotPayable)
	}
	if match.State != MatchActive && match.State != MatchDisputed {
		return Payout{}, fmt.Errorf("%w: state %s", ErrMatchNotPayable, match.State)
	}
	if match.State == MatchDisputed && !allowDisputed {
		return Payout{}, fmt.Errorf("%w: match disputed", ErrMatchNotPayable)
	}
	winnerRole, ok := match.RoleOf(winnerID.String())
	if !ok {
		return Payout{}, ErrNotParticipant
	}
	loserID := match.OpponentOf(winnerID.String())
	loserRole, _ := match.RoleOf(loserID)

	stakes := DeriveStakes(match, entries)
	pot := stakes.Pot()
	if !pot.IsPositive() {
		return Payout{}, ErrNoPot
	}
	platformFee := RoundFC(pot.Mul(match.RakePercent).Div(hundred))
	winnerTake := RoundFC(pot.Sub(platformFee))
	winnerStake := stakes.Of(winnerRole)
	loserStake := stakes.Of(loserRole)

	creditPlatform := service.platformUserID != "" && platformFee.IsPositive()
	userIDs := []string{winnerID.String(), loserID}
	if creditPlatform {
		userIDs = append(userIDs, service.platformUserID)
	}
	wallets, err := loadWallets(ctx, transactionStore, userIDs...)
	if err != nil {
		return Payout{}, err
	}
	metadata := settlementMetadata{
		Pot:         pot.StringFixed(fcScale),
		PlatformFee: platformFee.StringFixed(fcScale),
		WinnerID:    winnerID.String(),
		LoserID:     loserID,
		WinnerStake: winnerStake.StringFixed(fcScale),
		LoserStake:  loserStake.StringFixed(fcScale),
	}.String()

	winnerWallet, err := service.adjustWallet(wallets[winnerID.String()], winnerTake, winnerStake.Neg())
	if err != nil {
		return Payout{}, err
	}
	wallets[winnerID.String()] = winnerWallet
	winEntry := service.newTransaction(winnerWallet, TransactionWin, winnerTake, RefTypeMatch, match.ID, idempotencyKey.String(), metadata)

	loserWallet, err := service.adjustWallet(wallets[loserID], decimal.Zero, loserStake.Neg())
	if err != nil {
		return Payout{}, err
	}
	wallets[loserID] = loserWallet
	lossEntry := service.newTransaction(loserWallet, TransactionLoss, loserStake.Neg(), RefTypeMatch, match.ID,
		MatchIdempotencyKey(matchID, idempotencySuffixLoss, loserID).String(), metadata)

	entriesToInsert := []Transaction{winEntry, lossEntry}
	if creditPlatform {
		platformWallet, err := service.adjustWallet(wallets[service.platformUserID], platformFee, decimal.Zero)
		if err != nil {
			return Payout{}, err
		}
		wallets[service.platformUserID] = platformWallet
		entriesToInsert = append(entriesToInsert, service.newTransaction(platformWallet, TransactionPlatformFee, platformFee, RefTypeMatch, match.ID,
			MatchIdempotencyKey(matchID, idempotencySuffixPlatformFee).String(), metadata))
	}
	if err := updateWallets(ctx, transactionStore, wallets); err != nil {
		return Payout{}, err
	}
	for _, entry := range entriesToInsert {
		if err := transactionStore.InsertTransaction(ctx, entry); err != nil {
			return Payout{}, err
		}
	}

	now := service.nowFn().UTC()
	match.State = MatchComplete
	match.WinnerID = winnerID.String()
	match.CompleteAt = now
	match.UpdatedAt = now
	if err := transactionStore.UpdateMatch(ctx, match); err != nil {
		return Payout{}, err
	}
	return Payout{
		MatchID:       match.ID,
		WinnerID:      winnerID.String(),
		LoserID:       loserID,
		TransactionID: winEntry.ID,
		Pot:           pot,
		WinnerTake:    winnerTake,
		PlatformFee:   platformFee,
	}, nil
}

// RefundMatch returns every outstanding stake to its owner and cancels the match. No rake is taken.
func (service *Service) RefundMatch(ctx context.Context, matchID MatchID, idempotencyKey IdempotencyKey) (Refund, error) {
	return service.settleRefund(ctx, matchID, idempotencyKey, true)
}

// RefundUndisputed is RefundMatch for callers outside the dispute resolver.
// A DISPUTED match fails with ErrMatchNotPayable.
func (service *Service) RefundUndisputed(ctx context.Context, matchID MatchID, idempotencyKey IdempotencyKey) (Refund, error) {
	return service.settleRefund(ctx, matchID, idempotencyKey, false)
}

func (service *Service) settleRefund(ctx context.Context, matchID MatchID, idempotencyKey IdempotencyKey, allowDisputed bool) (Refund, error) {
	var refund Refund
	operationError := RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore Store) error {
		var err error
		refund, err = service.refundMatch(ctx, transactionStore, matchID, idempotencyKey, allowDisputed)
		return err
	})
	EmitOperationLog(ctx, service.logger, OperationLog{
		Operation:      operationRefundMatch,
		MatchID:        matchID.String(),
		Amount:         refund.Refunded,
		IdempotencyKey: idempotencyKey.String(),
		Replayed:       refund.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Refund{}, operationError
	}
	if !refund.Replayed {
		PublishEvent(ctx, service.publisher, service.logger, TopicWagerRefund, RefundEvent{
			MatchID:    refund.MatchID,
			Refunded:   refund.Refunded.StringFixed(fcScale),
			HostRefund: refund.HostRefund.StringFixed(fcScale),
			OppRefund:  refund.OppRefund.StringFixed(fcScale),
		})
	}
	return refund, nil
}

func (service *Service) refundMatch(ctx context.Context, transactionStore Store, matchID MatchID, idempotencyKey IdempotencyKey, allowDisputed bool) (Refund, error) {
	match, err := transactionStore.GetMatch(ctx, matchID.String())
	if err != nil {
		return Refund{}, err
	}
	if match.State == MatchComplete {
		return Refund{}, fmt.Errorf("%w: match complete", ErrMatchNotPayable)
	}
	if match.State == MatchDisputed && !allowDisputed {
		return Refund{}, fmt.Errorf("%w: match disputed", ErrMatchNotPayable)
	}
	entries, err := transactionStore.ListTransactionsByReference(ctx, RefTypeMatch, match.ID)
	if err != nil {
		return Refund{}, err
	}
	if _, paid := firstOfType(entries, TransactionWin); paid {
		return Refund{}, fmt.Errorf("%w: match paid out", ErrMatchNotPayable)
	}
	stakes := DeriveStakes(match, entries)
	alreadyRefunded := map[string]decimal.Decimal{}
	for _, entry := range entries {
		if entry.Type == TransactionRefund {
			alreadyRefunded[entry.UserID] = alreadyRefunded[entry.UserID].Add(entry.AmountFC)
		}
	}

	type seat struct {
		role   PlayerRole
		userID string
		stake  decimal.Decimal
	}
	seats := []seat{
		{role: RoleHost, userID: match.HostID, stake: stakes.Host},
		{role: RoleOpp, userID: match.OppID, stake: stakes.Opp},
	}
	var pending []string
	for _, candidate := range seats {
		if candidate.userID == "" || !candidate.stake.IsPositive() {
			continue
		}
		if _, done := alreadyRefunded[candidate.userID]; !done {
			pending = append(pending, candidate.userID)
		}
	}
	wallets, err := loadWallets(ctx, transactionStore, pending...)
	if err != nil {
		return Refund{}, err
	}

	refund := Refund{MatchID: match.ID, Refunded: decimal.Zero, HostRefund: decimal.Zero, OppRefund: decimal.Zero}
	issued := false
	for _, candidate := range seats {
		if candidate.userID == "" || !candidate.stake.IsPositive() {
			continue
		}
		amount, done := alreadyRefunded[candidate.userID]
		if !done {
			refundKey := deriveIdempotencyKey(idempotencyKey, string(candidate.role))
			if _, found, err := findTransactionByKey(ctx, transactionStore, refundKey.String()); err != nil {
				return Refund{}, err
			} else if found {
				return Refund{}, ErrIdempotencyKeyConflict
			}
			wallet, err := service.adjustWallet(wallets[candidate.userID], candidate.stake, candidate.stake.Neg())
			if err != nil {
				return Refund{}, err
			}
			if err := transactionStore.UpdateWallet(ctx, wallet); err != nil {
				return Refund{}, err
			}
			entry := service.newTransaction(wallet, TransactionRefund, candidate.stake, RefTypeMatch, match.ID, refundKey.String(),
				settlementMetadata{Role: string(candidate.role)}.String())
			if err := transactionStore.InsertTransaction(ctx, entry); err != nil {
				return Refund{}, err
			}
			amount = candidate.stake
			issued = true
		}
		if candidate.role == RoleHost {
			refund.HostRefund = amount
		} else {
			refund.OppRefund = amount
		}
		refund.Refunded = RoundFC(refund.Refunded.Add(amount))
	}

	wasCancelled := match.State == MatchCancelled
	if !wasCancelled {
		now := service.nowFn().UTC()
		match.State = MatchCancelled
		match.CompleteAt = now
		match.UpdatedAt = now
		if err := transactionStore.UpdateMatch(ctx, match); err != nil {
			return Refund{}, err
		}
	}
	refund.Replayed = wasCancelled && !issued
	return refund, nil
}

// MatchStakes reports the stakes currently attributed to each participant.
func (service *Service) MatchStakes(ctx context.Context, matchID MatchID) (Stakes, error) {
	match, err := service.store.GetMatch(ctx, matchID.String())
	if err != nil {
		return Stakes{}, err
	}
	entries, err := service.store.ListTransactionsByReference(ctx, RefTypeMatch, match.ID)
	if err != nil {
		return Stakes{}, err
	}
	return DeriveStakes(match, entries), nil
}

func (service *Service) adjustWallet(wallet Wallet, availableDelta decimal.Decimal, lockedDelta decimal.Decimal) (Wallet, error) {
	available := RoundFC(wallet.AvailableFC.Add(availableDelta))
	locked := RoundFC(wallet.LockedFC.Add(lockedDelta))
	if available.IsNegative() || locked.IsNegative() {
		return wallet, WrapError("service", "wallet", "negative_balance", ErrInvalidBalance)
	}
	wallet.AvailableFC = available
	wallet.LockedFC = locked
	wallet.UpdatedAt = service.nowFn().UTC()
	return wallet, nil
}

func (service *Service) newTransaction(wallet Wallet, transactionType TransactionType, amount decimal.Decimal, refType string, refID string, idempotencyKey string, metadata string) Transaction {
	return Transaction{
		ID:             service.newID(),
		UserID:         wallet.UserID,
		WalletID:       wallet.WalletID,
		Type:           transactionType,
		State:          TransactionCompleted,
		AmountFC:       RoundFC(amount),
		BalanceAfterFC: wallet.AvailableFC,
		RefType:        refType,
		RefID:          refID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      service.nowFn().UTC(),
	}
}

func payoutFromEntry(match Match, winEntry Transaction) Payout {
	var metadata settlementMetadata
	_ = json.Unmarshal([]byte(winEntry.Metadata), &metadata)
	pot, _ := decimal.NewFromString(metadata.Pot)
	platformFee, _ := decimal.NewFromString(metadata.PlatformFee)
	return Payout{
		MatchID:       match.ID,
		WinnerID:      winEntry.UserID,
		LoserID:       match.OpponentOf(winEntry.UserID),
		TransactionID: winEntry.ID,
		Pot:           pot,
		WinnerTake:    winEntry.AmountFC,
		PlatformFee:   platformFee,
		Replayed:      true,
	}
}

// loadWallets fetches wallets in id order so concurrent settlements lock rows consistently.
func loadWallets(ctx context.Context, transactionStore Store, userIDs ...string) (map[string]Wallet, error) {
	ordered := uniqueSorted(userIDs)
	wallets := make(map[string]Wallet, len(ordered))
	for _, userID := range ordered {
		wallet, err := transactionStore.GetOrCreateWallet(ctx, userID)
		if err != nil {
			return nil, err
		}
		wallets[userID] = wallet
	}
	return wallets, nil
}

func updateWallets(ctx context.Context, transactionStore Store, wallets map[string]Wallet) error {
	for _, userID := range uniqueSorted(mapKeys(wallets)) {
		if err := transactionStore.UpdateWallet(ctx, wallets[userID]); err != nil {
			return err
		}
	}
	return nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	sort.Strings(unique)
	return unique
}

func mapKeys(wallets map[string]Wallet) []string {
	keys := make([]string, 0, len(wallets))
	for key := range wallets {
		keys = append(keys, key)
	}
	return keys
}

func firstOfType(entries []Transaction, transactionType TransactionType) (Transaction, bool) {
	for _, entry := range entries {
		if entry.Type == transactionType {
			return entry, true
		}
	}
	return Transaction{}, false
}

func findTransactionByKey(ctx context.Context, transactionStore Store, idempotencyKey string) (Transaction, bool, error) {
	entry, err := transactionStore.FindTransactionByKey(ctx, idempotencyKey)
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return entry, true, nil
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) IdempotencyKey {
	return IdempotencyKey{value: baseKey.String() + idempotencyKeyDelimiter + suffix}
}
