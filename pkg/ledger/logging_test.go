package ledger

import (
	"context"
	"errors"
	"testing"
)

type captureLogger struct {
	entries []OperationLog
}

func (logger *captureLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

type failingPublisher struct {
	err error
}

func (publisher failingPublisher) Publish(context.Context, string, any) error {
	return publisher.err
}

func TestEmitOperationLogDerivesStatus(test *testing.T) {
	testCases := []struct {
		name     string
		entry    OperationLog
		expected string
	}{
		{name: "success", entry: OperationLog{Operation: operationEarn}, expected: operationStatusOK},
		{name: "replay", entry: OperationLog{Operation: operationEarn, Replayed: true}, expected: operationStatusReplayed},
		{name: "error wins over replay", entry: OperationLog{Operation: operationEarn, Replayed: true, Error: errors.New("boom")}, expected: operationStatusError},
		{name: "explicit status kept", entry: OperationLog{Operation: operationEarn, Status: "skipped"}, expected: "skipped"},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			logger := &captureLogger{}
			EmitOperationLog(context.Background(), logger, testCase.entry)
			if len(logger.entries) != 1 || logger.entries[0].Status != testCase.expected {
				test.Fatalf("expected status %q, got %+v", testCase.expected, logger.entries)
			}
		})
	}
}

func TestEmitOperationLogIgnoresNilLogger(test *testing.T) {
	EmitOperationLog(context.Background(), nil, OperationLog{Operation: operationEarn})
}

func TestPublishEventLogsFailures(test *testing.T) {
	logger := &captureLogger{}
	PublishEvent(context.Background(), failingPublisher{err: errors.New("bus down")}, logger, TopicDisputeResolved, nil)
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationPublish || entry.Detail != TopicDisputeResolved || entry.Status != operationStatusError {
		test.Fatalf("unexpected log entry %+v", entry)
	}

	PublishEvent(context.Background(), nil, logger, TopicDisputeResolved, nil)
	if len(logger.entries) != 1 {
		test.Fatalf("nil publisher should not log, got %d entries", len(logger.entries))
	}
}
