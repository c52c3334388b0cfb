// Package dispute owns the lifecycle of contested matches. It never moves money
// itself; financial outcomes go through the wallet ledger.
package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

const (
	operationOpen     = "open_dispute"
	operationEscalate = "escalate_dispute"
	operationResolve  = "resolve_dispute"
	operationClose    = "close_dispute"

	defaultPlayerReason = "player_report"
	resolutionKeyPrefix = "dispute"
)

// WalletSettler is the subset of the wallet ledger used to settle a dispute.
type WalletSettler interface {
	PayoutWinner(ctx context.Context, matchID ledger.MatchID, winnerID ledger.UserID, idempotencyKey ledger.IdempotencyKey) (ledger.Payout, error)
	RefundMatch(ctx context.Context, matchID ledger.MatchID, idempotencyKey ledger.IdempotencyKey) (ledger.Refund, error)
}

// Evidence is attached to a dispute as a JSON object.
type Evidence map[string]any

// Ticket identifies an open or closed dispute.
type Ticket struct {
	DisputeID string
	MatchID   string
	Status    ledger.DisputeStatus
	Created   bool
}

// Verdict is the outcome of ResolveDispute.
type Verdict struct {
	DisputeID  string
	MatchID    string
	Status     ledger.DisputeStatus
	Resolution ledger.Resolution
	WinnerID   string
	Payout     *ledger.Payout
	Refund     *ledger.Refund
	Replayed   bool
}

// Option configures a Service.
type Option func(*Service)

// WithOperationLogger wires an operation logger.
func WithOperationLogger(logger ledger.OperationLogger) Option {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires the event notifier.
func WithEventPublisher(publisher ledger.EventPublisher) Option {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithRetryPolicy overrides the transient conflict retry policy.
func WithRetryPolicy(policy ledger.RetryPolicy) Option {
	return func(service *Service) {
		service.retry = policy
	}
}

// WithIDGenerator overrides dispute id and resolution key generation.
func WithIDGenerator(generator func() string) Option {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}

// Service is the Dispute Resolver.
type Service struct {
	store     ledger.Store
	wallet    WalletSettler
	nowFn     func() time.Time
	logger    ledger.OperationLogger
	publisher ledger.EventPublisher
	retry     ledger.RetryPolicy
	newID     func() string
}

// NewService wires a Service.
func NewService(store ledger.Store, wallet WalletSettler, now func() time.Time, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if wallet == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	service := &Service{
		store:  store,
		wallet: wallet,
		nowFn:  now,
		retry:  ledger.DefaultRetryPolicy(),
		newID:  uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenDispute lets a participant contest a match that has not been settled.
func (service *Service) OpenDispute(ctx context.Context, userID ledger.UserID, matchID ledger.MatchID, reason string, notes string) (Ticket, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultPlayerReason
	}
	var opened ledger.Dispute
	operationError := ledger.RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore ledger.Store) error {
		match, err := transactionStore.GetMatch(ctx, matchID.String())
		if err != nil {
			return err
		}
		if !match.IsParticipant(userID.String()) {
			return ledger.ErrNotParticipant
		}
		if _, err := transactionStore.GetOpenDispute(ctx, match.ID); err == nil {
			return ledger.ErrDisputeExists
		} else if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}
		opened, err = service.openLocked(ctx, transactionStore, match, userID.String(), reason, strings.TrimSpace(notes), nil)
		return err
	})
	service.emit(ctx, operationOpen, userID.String(), matchID.String(), opened.ID, reason, false, operationError)
	if operationError != nil {
		return Ticket{}, operationError
	}
	service.publishOpened(ctx, opened)
	return Ticket{DisputeID: opened.ID, MatchID: opened.MatchID, Status: opened.Status, Created: true}, nil
}

// Escalate opens a system dispute for a match. An already open dispute is returned as is.
func (service *Service) Escalate(ctx context.Context, matchID ledger.MatchID, reason string, evidence Evidence) (Ticket, error) {
	var ticket Ticket
	var opened ledger.Dispute
	operationError := ledger.RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore ledger.Store) error {
		match, err := transactionStore.GetMatch(ctx, matchID.String())
		if err != nil {
			return err
		}
		existing, err := transactionStore.GetOpenDispute(ctx, match.ID)
		if err == nil {
			ticket = Ticket{DisputeID: existing.ID, MatchID: existing.MatchID, Status: existing.Status}
			return nil
		}
		if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}
		opened, err = service.openLocked(ctx, transactionStore, match, ledger.SystemActor, reason, "", evidence)
		if err != nil {
			return err
		}
		ticket = Ticket{DisputeID: opened.ID, MatchID: opened.MatchID, Status: opened.Status, Created: true}
		return nil
	})
	service.emit(ctx, operationEscalate, ledger.SystemActor, matchID.String(), ticket.DisputeID, reason, operationError == nil && !ticket.Created, operationError)
	if operationError != nil {
		return Ticket{}, operationError
	}
	if ticket.Created {
		service.publishOpened(ctx, opened)
	}
	return ticket, nil
}

func (service *Service) openLocked(ctx context.Context, transactionStore ledger.Store, match ledger.Match, openedBy string, reason string, notes string, evidence Evidence) (ledger.Dispute, error) {
	if match.State.IsTerminal() {
		return ledger.Dispute{}, fmt.Errorf("%w: state %s", ledger.ErrMatchNotPayable, match.State)
	}
	combined := Evidence{
		"hostReport": string(match.HostReport),
		"oppReport":  string(match.OppReport),
		"priorState": string(match.State),
	}
	for key, value := range evidence {
		combined[key] = value
	}
	encoded, err := json.Marshal(combined)
	if err != nil {
		return ledger.Dispute{}, err
	}
	now := service.nowFn().UTC()
	dispute := ledger.Dispute{
		ID:        service.newID(),
		MatchID:   match.ID,
		OpenedBy:  openedBy,
		Reason:    reason,
		Notes:     notes,
		Evidence:  string(encoded),
		Status:    ledger.DisputeOpen,
		CreatedAt: now,
	}
	if err := transactionStore.CreateDispute(ctx, dispute); err != nil {
		return ledger.Dispute{}, err
	}
	match.State = ledger.MatchDisputed
	match.UpdatedAt = now
	if err := transactionStore.UpdateMatch(ctx, match); err != nil {
		return ledger.Dispute{}, err
	}
	return dispute, nil
}

// ResolveDispute applies an administrative outcome to the open dispute of a match.
// Money moves through the wallet ledger with a fresh idempotency key; because payouts
// are idempotent by match, repeating a resolution never moves money twice.
func (service *Service) ResolveDispute(ctx context.Context, adminID ledger.UserID, matchID ledger.MatchID, outcome ledger.Resolution, winnerID string) (Verdict, error) {
	verdict, operationError := service.resolve(ctx, adminID, matchID, outcome, strings.TrimSpace(winnerID))
	service.emit(ctx, operationResolve, adminID.String(), matchID.String(), verdict.DisputeID, string(outcome), verdict.Replayed, operationError)
	if operationError != nil {
		return Verdict{}, operationError
	}
	if !verdict.Replayed {
		ledger.PublishEvent(ctx, service.publisher, service.logger, ledger.TopicDisputeResolved, ledger.DisputeEvent{
			DisputeID:  verdict.DisputeID,
			MatchID:    verdict.MatchID,
			Status:     string(verdict.Status),
			Resolution: string(verdict.Resolution),
			WinnerID:   verdict.WinnerID,
			ResolvedBy: adminID.String(),
		})
		matchState := ledger.MatchComplete
		if verdict.Resolution == ledger.ResolutionRefund {
			matchState = ledger.MatchCancelled
		}
		ledger.PublishEvent(ctx, service.publisher, service.logger, ledger.TopicMatchCompleted, ledger.MatchEvent{
			MatchID:   verdict.MatchID,
			State:     string(matchState),
			WinnerID:  verdict.WinnerID,
			Reason:    "dispute_" + strings.ToLower(string(verdict.Resolution)),
			DisputeID: verdict.DisputeID,
		})
	}
	return verdict, nil
}

func (service *Service) resolve(ctx context.Context, adminID ledger.UserID, matchID ledger.MatchID, outcome ledger.Resolution, winnerID string) (Verdict, error) {
	if _, err := ledger.ParseResolution(string(outcome)); err != nil {
		return Verdict{}, err
	}
	var open ledger.Dispute
	var match ledger.Match
	var prior *Verdict
	err := ledger.RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore ledger.Store) error {
		var err error
		match, err = transactionStore.GetMatch(ctx, matchID.String())
		if err != nil {
			return err
		}
		open, err = transactionStore.GetOpenDispute(ctx, match.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}
		previous, err := service.priorVerdict(ctx, transactionStore, match.ID)
		if err != nil {
			return err
		}
		prior = &previous
		return nil
	})
	if err != nil {
		return Verdict{}, err
	}
	if prior != nil {
		return *prior, nil
	}

	var winner ledger.UserID
	if outcome == ledger.ResolutionPayout {
		if winnerID == "" {
			return Verdict{}, fmt.Errorf("%w: payout requires a winner", ledger.ErrInvalidResolution)
		}
		if !match.IsParticipant(winnerID) {
			return Verdict{}, ledger.ErrNotParticipant
		}
		winner, err = ledger.NewUserID(winnerID)
		if err != nil {
			return Verdict{}, err
		}
	}
	resolutionKey, err := ledger.NewIdempotencyKey(strings.Join([]string{resolutionKeyPrefix, open.ID, service.newID()}, ":"))
	if err != nil {
		return Verdict{}, err
	}

	verdict := Verdict{DisputeID: open.ID, MatchID: match.ID, Status: ledger.DisputeResolved, Resolution: outcome}
	switch outcome {
	case ledger.ResolutionPayout:
		payout, err := service.wallet.PayoutWinner(ctx, matchID, winner, resolutionKey)
		if err != nil {
			return Verdict{}, err
		}
		if payout.Replayed && payout.WinnerID != winner.String() {
			return Verdict{}, fmt.Errorf("%w: match already paid to %s", ledger.ErrMatchNotPayable, payout.WinnerID)
		}
		verdict.Payout = &payout
		verdict.WinnerID = payout.WinnerID
	case ledger.ResolutionRefund:
		refund, err := service.wallet.RefundMatch(ctx, matchID, resolutionKey)
		if err != nil {
			return Verdict{}, err
		}
		verdict.Refund = &refund
	}

	err = ledger.RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore ledger.Store) error {
		current, err := transactionStore.GetOpenDispute(ctx, match.ID)
		if errors.Is(err, ledger.ErrDisputeNotFound) {
			previous, priorErr := service.priorVerdict(ctx, transactionStore, match.ID)
			if priorErr != nil {
				return priorErr
			}
			prior = &previous
			return nil
		}
		if err != nil {
			return err
		}
		now := service.nowFn().UTC()
		if outcome == ledger.ResolutionVoid {
			voided, err := transactionStore.GetMatch(ctx, match.ID)
			if err != nil {
				return err
			}
			if voided.State.IsTerminal() {
				return fmt.Errorf("%w: state %s", ledger.ErrMatchNotPayable, voided.State)
			}
			voided.State = ledger.MatchComplete
			voided.WinnerID = ""
			voided.CompleteAt = now
			voided.UpdatedAt = now
			if err := transactionStore.UpdateMatch(ctx, voided); err != nil {
				return err
			}
		}
		current.Status = ledger.DisputeResolved
		current.Resolution = outcome
		current.WinnerID = verdict.WinnerID
		current.ResolvedBy = adminID.String()
		current.ResolvedAt = now
		return transactionStore.UpdateDispute(ctx, current)
	})
	if err != nil {
		return Verdict{}, err
	}
	if prior != nil {
		return *prior, nil
	}
	return verdict, nil
}

func (service *Service) priorVerdict(ctx context.Context, transactionStore ledger.Store, matchID string) (Verdict, error) {
	latest, err := transactionStore.GetLatestDispute(ctx, matchID)
	if err != nil {
		return Verdict{}, err
	}
	if latest.Status != ledger.DisputeResolved {
		return Verdict{}, fmt.Errorf("%w: status %s", ledger.ErrDisputeNotOpen, latest.Status)
	}
	return Verdict{
		DisputeID:  latest.ID,
		MatchID:    latest.MatchID,
		Status:     latest.Status,
		Resolution: latest.Resolution,
		WinnerID:   latest.WinnerID,
		Replayed:   true,
	}, nil
}

// CloseDispute closes an open dispute without a financial outcome. The match must
// already be settled, otherwise the dispute has to be resolved.
func (service *Service) CloseDispute(ctx context.Context, adminID ledger.UserID, matchID ledger.MatchID, notes string) (Ticket, error) {
	var closed ledger.Dispute
	operationError := ledger.RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore ledger.Store) error {
		match, err := transactionStore.GetMatch(ctx, matchID.String())
		if err != nil {
			return err
		}
		closed, err = transactionStore.GetOpenDispute(ctx, match.ID)
		if err != nil {
			return err
		}
		if !match.State.IsTerminal() {
			return fmt.Errorf("%w: state %s", ledger.ErrMatchUnsettled, match.State)
		}
		closed.Status = ledger.DisputeClosed
		closed.ResolvedBy = adminID.String()
		closed.ResolvedAt = service.nowFn().UTC()
		if trimmed := strings.TrimSpace(notes); trimmed != "" {
			closed.Notes = strings.TrimSpace(closed.Notes + "\n" + trimmed)
		}
		return transactionStore.UpdateDispute(ctx, closed)
	})
	service.emit(ctx, operationClose, adminID.String(), matchID.String(), closed.ID, "", false, operationError)
	if operationError != nil {
		return Ticket{}, operationError
	}
	return Ticket{DisputeID: closed.ID, MatchID: closed.MatchID, Status: closed.Status}, nil
}

// GetDispute returns the most recent dispute of a match.
func (service *Service) GetDispute(ctx context.Context, matchID ledger.MatchID) (ledger.Dispute, error) {
	return service.store.GetLatestDispute(ctx, matchID.String())
}

func (service *Service) publishOpened(ctx context.Context, dispute ledger.Dispute) {
	ledger.PublishEvent(ctx, service.publisher, service.logger, ledger.TopicDisputeOpened, ledger.DisputeEvent{
		DisputeID: dispute.ID,
		MatchID:   dispute.MatchID,
		Status:    string(dispute.Status),
		Reason:    dispute.Reason,
		OpenedBy:  dispute.OpenedBy,
	})
	ledger.PublishEvent(ctx, service.publisher, service.logger, ledger.TopicMatchDisputed, ledger.MatchEvent{
		MatchID:   dispute.MatchID,
		State:     string(ledger.MatchDisputed),
		Reason:    dispute.Reason,
		DisputeID: dispute.ID,
	})
}

func (service *Service) emit(ctx context.Context, operation string, actor string, matchID string, disputeID string, detail string, replayed bool, err error) {
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation: operation,
		UserID:    actor,
		MatchID:   matchID,
		DisputeID: disputeID,
		Detail:    detail,
		Replayed:  replayed,
		Error:     err,
	})
}
