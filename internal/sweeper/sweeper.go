// Package sweeper periodically escalates matches that ran past their timeout.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/wager/pkg/settlement"
)

// DefaultInterval is how often the sweep runs.
const DefaultInterval = time.Minute

var errNilResolver = errors.New("sweeper: resolver is required")

// Resolver is the slice of settlement.Service the sweeper drives.
type Resolver interface {
	AutoResolveMatches(ctx context.Context) (settlement.SweepResult, error)
}

// Sweeper runs AutoResolveMatches on a fixed interval.
type Sweeper struct {
	resolver Resolver
	interval time.Duration
	logger   *zap.Logger
}

// New returns a Sweeper; interval <= 0 selects DefaultInterval and a nil logger is replaced by zap.NewNop.
func New(resolver Resolver, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if resolver == nil {
		return nil, errNilResolver
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{resolver: resolver, interval: interval, logger: logger}, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	sweeper.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and logs its result.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) settlement.SweepResult {
	result, err := sweeper.resolver.AutoResolveMatches(ctx)
	if err != nil {
		sweeper.logger.Error("match sweep failed",
			zap.Error(err),
			zap.Strings("escalated", result.Escalated),
			zap.Strings("skipped", result.Skipped))
		return result
	}
	if len(result.Escalated) > 0 || len(result.Skipped) > 0 {
		sweeper.logger.Info("match sweep",
			zap.Strings("escalated", result.Escalated),
			zap.Strings("skipped", result.Skipped))
	}
	return result
}
