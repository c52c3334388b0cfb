package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

// CreateMatchRequest describes a new match offered by its host.
type CreateMatchRequest struct {
	HostID      ledger.UserID
	Entry       ledger.PositiveAmount
	RakePercent *decimal.Decimal
}

// CreateMatch opens a READY_CHECK match waiting for an opponent.
func (service *Service) CreateMatch(ctx context.Context, request CreateMatchRequest) (ledger.Match, error) {
	rake := service.defaultRake
	if request.RakePercent != nil {
		rake = *request.RakePercent
	}
	var match ledger.Match
	operationError := validateRake(rake)
	if operationError == nil {
		now := service.nowFn().UTC()
		match = ledger.Match{
			ID:          service.newID(),
			HostID:      request.HostID.String(),
			EntryFC:     request.Entry.Decimal(),
			RakePercent: rake,
			State:       ledger.MatchReadyCheck,
			Checklist:   ledger.NewReadyChecklist(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		operationError = ledger.RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore ledger.Store) error {
			return transactionStore.CreateMatch(ctx, match)
		})
	}
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation: operationCreateMatch,
		UserID:    request.HostID.String(),
		MatchID:   match.ID,
		Amount:    request.Entry.Decimal(),
		Error:     operationError,
	})
	if operationError != nil {
		return ledger.Match{}, operationError
	}
	return match, nil
}

// JoinMatch seats the opponent of a READY_CHECK match.
func (service *Service) JoinMatch(ctx context.Context, matchID ledger.MatchID, oppID ledger.UserID) (ledger.Match, error) {
	match, operationError := service.mutateMatch(ctx, matchID, func(match *ledger.Match) error {
		if match.State != ledger.MatchReadyCheck {
			return fmt.Errorf("%w: state %s", ledger.ErrMatchClosed, match.State)
		}
		if match.HostID == oppID.String() {
			return fmt.Errorf("%w: host cannot join own match", ledger.ErrNotParticipant)
		}
		if match.OppID == oppID.String() {
			return nil
		}
		if match.OppID != "" {
			return ledger.ErrMatchFull
		}
		match.OppID = oppID.String()
		return nil
	})
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation: operationJoinMatch,
		UserID:    oppID.String(),
		MatchID:   matchID.String(),
		Error:     operationError,
	})
	return match, operationError
}

// ConfirmReady records a participant as ready and re-derives the stake conditions from
// the ledger. The match starts once every checklist condition is satisfied.
func (service *Service) ConfirmReady(ctx context.Context, matchID ledger.MatchID, userID ledger.UserID) (ledger.Match, error) {
	var match ledger.Match
	operationError := ledger.RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore ledger.Store) error {
		var err error
		match, err = transactionStore.GetMatch(ctx, matchID.String())
		if err != nil {
			return err
		}
		role, ok := match.RoleOf(userID.String())
		if !ok {
			return ledger.ErrNotParticipant
		}
		if match.State != ledger.MatchReadyCheck {
			return fmt.Errorf("%w: state %s", ledger.ErrMatchClosed, match.State)
		}
		if match.OppID == "" {
			return ledger.ErrMissingOpponent
		}
		entries, err := transactionStore.ListTransactionsByReference(ctx, ledger.RefTypeMatch, match.ID)
		if err != nil {
			return err
		}
		stakes := ledger.DeriveStakes(match, entries)
		readyCondition := ledger.ConditionHostReady
		if role == ledger.RoleOpp {
			readyCondition = ledger.ConditionOppReady
		}
		checklist, err := applyConditions(match.Checklist, []conditionUpdate{
			{condition: ledger.ConditionHostStake, satisfied: stakes.Host.GreaterThanOrEqual(match.EntryFC)},
			{condition: ledger.ConditionOppStake, satisfied: stakes.Opp.GreaterThanOrEqual(match.EntryFC)},
			{condition: readyCondition, satisfied: true},
		})
		if err != nil {
			return err
		}
		now := service.nowFn().UTC()
		match.Checklist = checklist
		match.UpdatedAt = now
		if checklist.Satisfied() {
			match.State = ledger.MatchActive
			match.StartAt = now
		}
		return transactionStore.UpdateMatch(ctx, match)
	})
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation: operationConfirmReady,
		UserID:    userID.String(),
		MatchID:   matchID.String(),
		Detail:    string(match.State),
		Error:     operationError,
	})
	if operationError != nil {
		return ledger.Match{}, operationError
	}
	return match, nil
}

// SubmitResult is the outcome of SubmitReport. Outcome is set once both reports are in.
type SubmitResult struct {
	Match   ledger.Match
	Outcome *Outcome
}

// SubmitReport stores one participant's result and resolves the match once both sides reported.
func (service *Service) SubmitReport(ctx context.Context, matchID ledger.MatchID, userID ledger.UserID, result ledger.ReportResult) (SubmitResult, error) {
	if result == ledger.ReportNone {
		return SubmitResult{}, fmt.Errorf("%w: empty report", ledger.ErrInvalidReport)
	}
	match, operationError := service.mutateMatch(ctx, matchID, func(match *ledger.Match) error {
		role, ok := match.RoleOf(userID.String())
		if !ok {
			return ledger.ErrNotParticipant
		}
		if match.State != ledger.MatchActive {
			return fmt.Errorf("%w: state %s", ledger.ErrMatchClosed, match.State)
		}
		current := &match.HostReport
		if role == ledger.RoleOpp {
			current = &match.OppReport
		}
		if *current != ledger.ReportNone && *current != result {
			return ledger.ErrReportSubmitted
		}
		*current = result
		return nil
	})
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation: operationSubmitReport,
		UserID:    userID.String(),
		MatchID:   matchID.String(),
		Detail:    string(result),
		Error:     operationError,
	})
	if operationError != nil {
		return SubmitResult{}, operationError
	}
	if match.HostReport == ledger.ReportNone || match.OppReport == ledger.ReportNone {
		return SubmitResult{Match: match}, nil
	}
	outcome, err := service.ResolveMatch(ctx, matchID, match.HostReport, match.OppReport)
	if err != nil {
		return SubmitResult{Match: match}, err
	}
	settled, err := service.store.GetMatch(ctx, matchID.String())
	if err != nil {
		return SubmitResult{Match: match, Outcome: &outcome}, err
	}
	return SubmitResult{Match: settled, Outcome: &outcome}, nil
}

// CancelMatch refunds every stake of a match that has not started yet.
func (service *Service) CancelMatch(ctx context.Context, matchID ledger.MatchID, idempotencyKey ledger.IdempotencyKey) (ledger.Refund, error) {
	match, err := service.store.GetMatch(ctx, matchID.String())
	if err == nil && match.State != ledger.MatchReadyCheck && match.State != ledger.MatchCancelled {
		err = fmt.Errorf("%w: state %s", ledger.ErrMatchClosed, match.State)
	}
	var refund ledger.Refund
	if err == nil {
		var outcome Outcome
		outcome, err = service.refund(ctx, match, idempotencyKey, "cancelled")
		if outcome.Refund != nil {
			refund = *outcome.Refund
		}
	}
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation:      operationCancelMatch,
		MatchID:        matchID.String(),
		Amount:         refund.Refunded,
		IdempotencyKey: idempotencyKey.String(),
		Replayed:       refund.Replayed,
		Error:          err,
	})
	return refund, err
}

// GetMatch returns the current state of a match.
func (service *Service) GetMatch(ctx context.Context, matchID ledger.MatchID) (ledger.Match, error) {
	return service.store.GetMatch(ctx, matchID.String())
}

func (service *Service) mutateMatch(ctx context.Context, matchID ledger.MatchID, mutate func(match *ledger.Match) error) (ledger.Match, error) {
	var match ledger.Match
	err := ledger.RunTx(ctx, service.store, service.retry, func(ctx context.Context, transactionStore ledger.Store) error {
		var err error
		match, err = transactionStore.GetMatch(ctx, matchID.String())
		if err != nil {
			return err
		}
		if err := mutate(&match); err != nil {
			return err
		}
		match.UpdatedAt = service.nowFn().UTC()
		return transactionStore.UpdateMatch(ctx, match)
	})
	if err != nil {
		return ledger.Match{}, err
	}
	return match, nil
}

type conditionUpdate struct {
	condition ledger.ChecklistCondition
	satisfied bool
}

func applyConditions(checklist ledger.ReadyChecklist, updates []conditionUpdate) (ledger.ReadyChecklist, error) {
	for _, update := range updates {
		status := ledger.ChecklistPending
		if update.satisfied {
			status = ledger.ChecklistSatisfied
		}
		var err error
		checklist, err = checklist.With(update.condition, status)
		if err != nil {
			return checklist, err
		}
	}
	return checklist, nil
}

func validateRake(rake decimal.Decimal) error {
	if rake.IsNegative() || rake.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidRakePercent, rake)
	}
	return nil
}
