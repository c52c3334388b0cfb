// Package settlement drives a match from the ready check to a terminal state and
// reconciles the result reports of both participants.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/pkg/dispute"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

const (
	operationCreateMatch  = "create_match"
	operationJoinMatch    = "join_match"
	operationConfirmReady = "confirm_ready"
	operationSubmitReport = "submit_report"
	operationResolveMatch = "resolve_match"
	operationForfeit      = "process_forfeit"
	operationAutoResolve  = "auto_resolve"
	operationCancelMatch  = "cancel_match"
	operationEvict        = "evict_cache"
	operationEvidence     = "heartbeat_lookup"

	ReasonConflictingReports = "conflicting_reports"
	ReasonStreamViolation    = "stream_violation"
	ReasonTimeout            = "timeout"

	keySuffixResolve = "resolve"
	keySuffixForfeit = "forfeit"

	defaultMatchTimeout    = 2 * time.Hour
	defaultEvidenceWindow  = 90 * time.Second
	defaultEvidenceTimeout = 2 * time.Second
	defaultSweepLimit      = 100
)

// WalletLedger is the subset of the wallet ledger used by the state machine.
// Disputed matches are settled by the dispute resolver, so only the undisputed variants are needed.
type WalletLedger interface {
	PayoutUndisputed(ctx context.Context, matchID ledger.MatchID, winnerID ledger.UserID, idempotencyKey ledger.IdempotencyKey) (ledger.Payout, error)
	RefundUndisputed(ctx context.Context, matchID ledger.MatchID, idempotencyKey ledger.IdempotencyKey) (ledger.Refund, error)
}

// DisputeEscalator opens system disputes.
type DisputeEscalator interface {
	Escalate(ctx context.Context, matchID ledger.MatchID, reason string, evidence dispute.Evidence) (dispute.Ticket, error)
}

// HeartbeatSource reports the most recent overlay heartbeat of a match.
type HeartbeatSource interface {
	LastHeartbeat(ctx context.Context, matchID string) (time.Time, bool, error)
}

// MatchCache holds live match state outside the ledger store.
type MatchCache interface {
	Evict(ctx context.Context, matchID string) error
}

// OutcomeKind names how a resolution ended.
type OutcomeKind string

const (
	OutcomePayout   OutcomeKind = "PAYOUT"
	OutcomeRefund   OutcomeKind = "REFUND"
	OutcomeDisputed OutcomeKind = "DISPUTED"
)

// Outcome is the result of ResolveMatch or ProcessForfeit.
type Outcome struct {
	MatchID   string
	Kind      OutcomeKind
	WinnerID  string
	DisputeID string
	Reason    string
	Payout    *ledger.Payout
	Refund    *ledger.Refund
}

// Decision is the pure reconciliation of two reports.
type Decision int

const (
	DecisionConflict Decision = iota
	DecisionHostWins
	DecisionOppWins
	DecisionPush
)

// Decide reconciles the host and opponent reports.
func Decide(hostReport ledger.ReportResult, oppReport ledger.ReportResult) Decision {
	switch {
	case hostReport == ledger.ReportWin && oppReport == ledger.ReportLoss:
		return DecisionHostWins
	case hostReport == ledger.ReportLoss && oppReport == ledger.ReportWin:
		return DecisionOppWins
	case hostReport == ledger.ReportDraw && oppReport == ledger.ReportDraw:
		return DecisionPush
	}
	return DecisionConflict
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

// WithHeartbeatSource wires the gameplay evidence used by ProcessForfeit.
func WithHeartbeatSource(source HeartbeatSource) Option {
	return func(service *Service) {
		service.heartbeats = source
	}
}

// WithMatchCache wires the cache evicted after a match settles.
func WithMatchCache(cache MatchCache) Option {
	return func(service *Service) {
		service.cache = cache
	}
}

// WithRetryPolicy overrides the transient conflict retry policy.
func WithRetryPolicy(policy ledger.RetryPolicy) Option {
	return func(service *Service) {
		service.retry = policy
	}
}

// WithTimings overrides the match timeout, heartbeat window and heartbeat lookup timeout. Zero values keep defaults.
func WithTimings(matchTimeout time.Duration, evidenceWindow time.Duration, evidenceTimeout time.Duration) Option {
	return func(service *Service) {
		if matchTimeout > 0 {
			service.matchTimeout = matchTimeout
		}
		if evidenceWindow > 0 {
			service.evidenceWindow = evidenceWindow
		}
		if evidenceTimeout > 0 {
			service.evidenceTimeout = evidenceTimeout
		}
	}
}

// WithDefaultRake sets the rake applied when CreateMatch receives none.
func WithDefaultRake(rakePercent decimal.Decimal) Option {
	return func(service *Service) {
		service.defaultRake = rakePercent
	}
}

// WithSweepLimit caps how many matches one AutoResolveMatches run escalates.
func WithSweepLimit(limit int) Option {
	return func(service *Service) {
		if limit > 0 {
			service.sweepLimit = limit
		}
	}
}

// WithIDGenerator overrides match id generation.
func WithIDGenerator(generator func() string) Option {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}

// Service is the Match Settlement State Machine.
type Service struct {
	store           ledger.Store
	wallet          WalletLedger
	disputes        DisputeEscalator
	heartbeats      HeartbeatSource
	cache           MatchCache
	logger          ledger.OperationLogger
	publisher       ledger.EventPublisher
	retry           ledger.RetryPolicy
	nowFn           func() time.Time
	newID           func() string
	defaultRake     decimal.Decimal
	matchTimeout    time.Duration
	evidenceWindow  time.Duration
	evidenceTimeout time.Duration
	sweepLimit      int
}

// NewService wires a Service.
func NewService(store ledger.Store, wallet WalletLedger, disputes DisputeEscalator, now func() time.Time, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if wallet == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if disputes == nil {
		return nil, fmt.Errorf("%w: dispute dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		wallet:          wallet,
		disputes:        disputes,
		retry:           ledger.DefaultRetryPolicy(),
		nowFn:           now,
		newID:           uuid.NewString,
		defaultRake:     decimal.NewFromInt(ledger.DefaultRakePercent),
		matchTimeout:    defaultMatchTimeout,
		evidenceWindow:  defaultEvidenceWindow,
		evidenceTimeout: defaultEvidenceTimeout,
		sweepLimit:      defaultSweepLimit,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := validateRake(service.defaultRake); err != nil {
		return nil, err
	}
	return service, nil
}

// ResolveMatch settles a match from the two reports: a consistent win pays the winner,
// a double draw refunds both stakes and anything else opens a dispute.
func (service *Service) ResolveMatch(ctx context.Context, matchID ledger.MatchID, hostReport ledger.ReportResult, oppReport ledger.ReportResult) (Outcome, error) {
	outcome, operationError := service.resolveMatch(ctx, matchID, hostReport, oppReport)
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation: operationResolveMatch,
		MatchID:   matchID.String(),
		UserID:    outcome.WinnerID,
		Detail:    string(outcome.Kind),
		Error:     operationError,
	})
	return outcome, operationError
}

func (service *Service) resolveMatch(ctx context.Context, matchID ledger.MatchID, hostReport ledger.ReportResult, oppReport ledger.ReportResult) (Outcome, error) {
	match, err := service.store.GetMatch(ctx, matchID.String())
	if err != nil {
		return Outcome{}, err
	}
	decision := Decide(hostReport, oppReport)
	if decision != DecisionConflict {
		if err := settleable(match); err != nil {
			return Outcome{}, err
		}
	}
	switch decision {
	case DecisionHostWins:
		return service.payout(ctx, match, match.HostID, ledger.MatchIdempotencyKey(matchID, keySuffixResolve), "reports")
	case DecisionOppWins:
		if match.OppID == "" {
			return Outcome{}, ledger.ErrMissingOpponent
		}
		return service.payout(ctx, match, match.OppID, ledger.MatchIdempotencyKey(matchID, keySuffixResolve), "reports")
	case DecisionPush:
		return service.refund(ctx, match, ledger.MatchIdempotencyKey(matchID, keySuffixResolve), "draw")
	}
	return service.escalate(ctx, matchID, ReasonConflictingReports, dispute.Evidence{
		"hostReport": string(hostReport),
		"oppReport":  string(oppReport),
	})
}

// ProcessForfeit pays the winner when the overlay heartbeat proves the match was
// being played; without fresh evidence the forfeit becomes a dispute.
func (service *Service) ProcessForfeit(ctx context.Context, matchID ledger.MatchID, forfeiterID ledger.UserID, winnerID ledger.UserID) (Outcome, error) {
	outcome, operationError := service.processForfeit(ctx, matchID, forfeiterID, winnerID)
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation: operationForfeit,
		MatchID:   matchID.String(),
		UserID:    forfeiterID.String(),
		Detail:    string(outcome.Kind),
		Error:     operationError,
	})
	return outcome, operationError
}

func (service *Service) processForfeit(ctx context.Context, matchID ledger.MatchID, forfeiterID ledger.UserID, winnerID ledger.UserID) (Outcome, error) {
	match, err := service.store.GetMatch(ctx, matchID.String())
	if err != nil {
		return Outcome{}, err
	}
	if forfeiterID.String() == winnerID.String() {
		return Outcome{}, fmt.Errorf("%w: forfeiter cannot win", ledger.ErrInvalidForfeit)
	}
	if !match.IsParticipant(forfeiterID.String()) || !match.IsParticipant(winnerID.String()) {
		return Outcome{}, ledger.ErrNotParticipant
	}
	if err := settleable(match); err != nil {
		return Outcome{}, err
	}
	lastHeartbeat, fresh := service.freshHeartbeat(ctx, match.ID)
	if fresh {
		return service.payout(ctx, match, winnerID.String(), ledger.MatchIdempotencyKey(matchID, keySuffixForfeit, forfeiterID.String()), "forfeit")
	}
	evidence := dispute.Evidence{
		"forfeiterId": forfeiterID.String(),
		"winnerId":    winnerID.String(),
	}
	if !lastHeartbeat.IsZero() {
		evidence["lastHeartbeat"] = lastHeartbeat.UTC().Format(time.RFC3339)
	}
	return service.escalate(ctx, matchID, ReasonStreamViolation, evidence)
}

// settleable admits ACTIVE matches and settled ones, whose replays the ledger answers.
// DISPUTED matches belong to the dispute resolver.
func settleable(match ledger.Match) error {
	switch match.State {
	case ledger.MatchActive, ledger.MatchComplete, ledger.MatchCancelled:
		return nil
	case ledger.MatchDisputed:
		return fmt.Errorf("%w: match disputed", ledger.ErrMatchNotPayable)
	default:
		return fmt.Errorf("%w: state %s", ledger.ErrMatchClosed, match.State)
	}
}

func (service *Service) freshHeartbeat(ctx context.Context, matchID string) (time.Time, bool) {
	if service.heartbeats == nil {
		return time.Time{}, false
	}
	lookupCtx, cancel := context.WithTimeout(ctx, service.evidenceTimeout)
	defer cancel()
	lastHeartbeat, found, err := service.heartbeats.LastHeartbeat(lookupCtx, matchID)
	if err != nil {
		ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
			Operation: operationEvidence,
			MatchID:   matchID,
			Error:     err,
		})
		return time.Time{}, false
	}
	if !found {
		return time.Time{}, false
	}
	age := service.nowFn().Sub(lastHeartbeat)
	return lastHeartbeat, age <= service.evidenceWindow
}

// SweepResult lists the matches escalated by one AutoResolveMatches run.
type SweepResult struct {
	Escalated []string
	Skipped   []string
}

// AutoResolveMatches escalates every ACTIVE match that started longer ago than the match timeout.
func (service *Service) AutoResolveMatches(ctx context.Context) (SweepResult, error) {
	cutoff := service.nowFn().Add(-service.matchTimeout).UTC()
	matches, err := service.store.ListMatchesByState(ctx, ledger.MatchActive, cutoff, service.sweepLimit)
	if err != nil {
		return SweepResult{}, err
	}
	var result SweepResult
	var failures []error
	for _, match := range matches {
		matchID, err := ledger.NewMatchID(match.ID)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		_, err = service.escalate(ctx, matchID, ReasonTimeout, dispute.Evidence{
			"startAt":   match.StartAt.UTC().Format(time.RFC3339),
			"timeoutAt": cutoff.Format(time.RFC3339),
		})
		switch {
		case err == nil:
			result.Escalated = append(result.Escalated, match.ID)
		case ledger.IsStateConflict(err):
			result.Skipped = append(result.Skipped, match.ID)
		default:
			failures = append(failures, fmt.Errorf("match %s: %w", match.ID, err))
		}
	}
	sweepError := errors.Join(failures...)
	ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
		Operation: operationAutoResolve,
		Detail:    fmt.Sprintf("escalated=%d skipped=%d", len(result.Escalated), len(result.Skipped)),
		Error:     sweepError,
	})
	return result, sweepError
}

func (service *Service) payout(ctx context.Context, match ledger.Match, winnerID string, key ledger.IdempotencyKey, reason string) (Outcome, error) {
	matchID, err := ledger.NewMatchID(match.ID)
	if err != nil {
		return Outcome{}, err
	}
	winner, err := ledger.NewUserID(winnerID)
	if err != nil {
		return Outcome{}, err
	}
	payout, err := service.wallet.PayoutUndisputed(ctx, matchID, winner, key)
	if err != nil {
		return Outcome{}, err
	}
	service.afterSettlement(ctx, match.ID, ledger.MatchComplete, payout.WinnerID, reason, payout.Replayed)
	return Outcome{MatchID: match.ID, Kind: OutcomePayout, WinnerID: payout.WinnerID, Reason: reason, Payout: &payout}, nil
}

func (service *Service) refund(ctx context.Context, match ledger.Match, key ledger.IdempotencyKey, reason string) (Outcome, error) {
	matchID, err := ledger.NewMatchID(match.ID)
	if err != nil {
		return Outcome{}, err
	}
	refund, err := service.wallet.RefundUndisputed(ctx, matchID, key)
	if err != nil {
		return Outcome{}, err
	}
	service.afterSettlement(ctx, match.ID, ledger.MatchCancelled, "", reason, refund.Replayed)
	return Outcome{MatchID: match.ID, Kind: OutcomeRefund, Reason: reason, Refund: &refund}, nil
}

func (service *Service) escalate(ctx context.Context, matchID ledger.MatchID, reason string, evidence dispute.Evidence) (Outcome, error) {
	ticket, err := service.disputes.Escalate(ctx, matchID, reason, evidence)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{MatchID: matchID.String(), Kind: OutcomeDisputed, DisputeID: ticket.DisputeID, Reason: reason}, nil
}

func (service *Service) afterSettlement(ctx context.Context, matchID string, state ledger.MatchState, winnerID string, reason string, replayed bool) {
	if service.cache != nil {
		if err := service.cache.Evict(ctx, matchID); err != nil {
			ledger.EmitOperationLog(ctx, service.logger, ledger.OperationLog{
				Operation: operationEvict,
				MatchID:   matchID,
				Error:     err,
			})
		}
	}
	if replayed {
		return
	}
	ledger.PublishEvent(ctx, service.publisher, service.logger, ledger.TopicMatchCompleted, ledger.MatchEvent{
		MatchID:  matchID,
		State:    string(state),
		WinnerID: winnerID,
		Reason:   strings.TrimSpace(reason),
	})
}
