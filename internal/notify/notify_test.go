package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/wager/internal/notify"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

type recordingRedis struct {
	redis.Cmdable
	channel string
	message any
	err     error
}

func (client *recordingRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	client.channel = channel
	client.message = message
	cmd := redis.NewIntCmd(ctx)
	if client.err != nil {
		cmd.SetErr(client.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

type failingPublisher struct {
	err error
}

func (publisher failingPublisher) Publish(context.Context, string, any) error {
	return publisher.err
}

func TestRedisPublisherSendsEnvelope(test *testing.T) {
	client := &recordingRedis{}
	occurredAt := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)
	publisher, err := notify.NewRedisPublisher(client, notify.WithChannelPrefix("test."), notify.WithClock(ledger.FixedClock(occurredAt)))
	if err != nil {
		test.Fatalf("publisher: %v", err)
	}
	event := ledger.MatchEvent{MatchID: "m-1", State: string(ledger.MatchComplete)}
	if err := publisher.Publish(context.Background(), ledger.TopicMatchCompleted, event); err != nil {
		test.Fatalf("publish: %v", err)
	}
	if client.channel != "test.match.completed" {
		test.Fatalf("unexpected channel %q", client.channel)
	}
	body, ok := client.message.([]byte)
	if !ok {
		test.Fatalf("expected []byte message, got %T", client.message)
	}
	var decoded struct {
		ID         string          `json:"id"`
		Topic      string          `json:"topic"`
		OccurredAt time.Time       `json:"occurredAt"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if decoded.ID == "" || decoded.Topic != ledger.TopicMatchCompleted || !decoded.OccurredAt.Equal(occurredAt) {
		test.Fatalf("unexpected envelope %+v", decoded)
	}
	var payload ledger.MatchEvent
	if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
		test.Fatalf("decode payload: %v", err)
	}
	if payload.MatchID != "m-1" {
		test.Fatalf("unexpected payload %+v", payload)
	}
}

func TestRedisPublisherReportsFailures(test *testing.T) {
	client := &recordingRedis{err: errors.New("connection refused")}
	publisher, err := notify.NewRedisPublisher(client)
	if err != nil {
		test.Fatalf("publisher: %v", err)
	}
	if err := publisher.Publish(context.Background(), ledger.TopicWagerRefund, struct{}{}); err == nil {
		test.Fatalf("expected publish error")
	}
	if client.channel != notify.DefaultChannelPrefix+ledger.TopicWagerRefund {
		test.Fatalf("unexpected channel %q", client.channel)
	}
	if _, err := notify.NewRedisPublisher(nil); err == nil {
		test.Fatalf("expected error for nil client")
	}
}

func TestFanoutJoinsFailures(test *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	failure := errors.New("bus down")
	fanout := notify.Fanout{notify.NewLogPublisher(zap.New(core)), failingPublisher{err: failure}, nil}
	err := fanout.Publish(context.Background(), ledger.TopicDisputeOpened, ledger.DisputeEvent{DisputeID: "d-1"})
	if !errors.Is(err, failure) {
		test.Fatalf("expected joined failure, got %v", err)
	}
	if logs.FilterMessage("event published").Len() != 1 {
		test.Fatalf("expected the log publisher to run")
	}
}

func TestZapOperationLogger(test *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	operationLogger := notify.NewZapOperationLogger(zap.New(core))
	ctx := context.Background()

	ledger.EmitOperationLog(ctx, operationLogger, ledger.OperationLog{
		Operation:      "payout_winner",
		UserID:         "alice",
		MatchID:        "m-1",
		Amount:         decimal.RequireFromString("180"),
		IdempotencyKey: "match:m-1:resolve",
	})
	ledger.EmitOperationLog(ctx, operationLogger, ledger.OperationLog{
		Operation: "lock_wager",
		UserID:    "bob",
		Error:     ledger.ErrInsufficientFunds,
	})

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0].ContextMap()
	if entries[0].Level != zapcore.InfoLevel || first["status"] != "ok" || first["amount_fc"] != "180.00" || first["match_id"] != "m-1" {
		test.Fatalf("unexpected first entry %+v", first)
	}
	second := entries[1].ContextMap()
	if entries[1].Level != zapcore.WarnLevel || second["status"] != "error" || second["error"] != ledger.ErrInsufficientFunds.Error() {
		test.Fatalf("unexpected second entry %+v", second)
	}
}
