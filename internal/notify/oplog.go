package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

// ZapOperationLogger writes ledger.OperationLog records as structured zap entries.
type ZapOperationLogger struct {
	logger *zap.Logger
}

func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.MatchID != "" {
		fields = append(fields, zap.String("match_id", entry.MatchID))
	}
	if entry.DisputeID != "" {
		fields = append(fields, zap.String("dispute_id", entry.DisputeID))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount_fc", entry.Amount.StringFixed(2)))
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	if entry.Replayed {
		fields = append(fields, zap.Bool("replayed", true))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

var _ ledger.OperationLogger = (*ZapOperationLogger)(nil)
