package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by the ledger, settlement and dispute services.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing operation.
type OperationLog struct {
	Operation      string
	UserID         string
	MatchID        string
	DisputeID      string
	Amount         decimal.Decimal
	IdempotencyKey string
	Detail         string
	Status         string
	Replayed       bool
	Error          error
}

// EmitOperationLog fills the status and forwards the entry; a nil logger is a no-op.
func EmitOperationLog(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error != nil:
			entry.Status = operationStatusError
		case entry.Replayed:
			entry.Status = operationStatusReplayed
		default:
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}

// PublishEvent delivers an event and reports failures to the logger instead of the caller.
func PublishEvent(ctx context.Context, publisher EventPublisher, logger OperationLogger, topic string, payload any) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, topic, payload); err != nil {
		EmitOperationLog(ctx, logger, OperationLog{
			Operation: operationPublish,
			Detail:    topic,
			Error:     err,
		})
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires the notifier used after each committed operation.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithPlatformUserID sets the wallet that collects rake. An empty id disables fee crediting.
func WithPlatformUserID(userID string) ServiceOption {
	return func(service *Service) {
		service.platformUserID = userID
	}
}

// WithRetryPolicy overrides the transient conflict retry policy.
func WithRetryPolicy(policy RetryPolicy) ServiceOption {
	return func(service *Service) {
		service.retry = policy
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}

// FixedClock returns a clock that always reports the same instant.
func FixedClock(instant time.Time) func() time.Time {
	return func() time.Time {
		return instant
	}
}
