// Package notify delivers committed domain events to the event bus.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

// DefaultChannelPrefix namespaces every Redis channel the engine publishes on.
const DefaultChannelPrefix = "wager."

var errNilRedisClient = errors.New("notify: redis client is required")

// Envelope is the JSON document published for every event.
type Envelope struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

// RedisPublisher publishes envelopes on prefix+topic channels.
type RedisPublisher struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisPublisher.
type RedisOption func(*RedisPublisher)

// WithChannelPrefix overrides DefaultChannelPrefix.
func WithChannelPrefix(prefix string) RedisOption {
	return func(publisher *RedisPublisher) {
		publisher.prefix = prefix
	}
}

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) RedisOption {
	return func(publisher *RedisPublisher) {
		if now != nil {
			publisher.now = now
		}
	}
}

// NewRedisPublisher validates the client and applies options.
func NewRedisPublisher(client redis.Cmdable, options ...RedisOption) (*RedisPublisher, error) {
	if client == nil {
		return nil, errNilRedisClient
	}
	publisher := &RedisPublisher{client: client, prefix: DefaultChannelPrefix, now: time.Now}
	for _, option := range options {
		option(publisher)
	}
	return publisher, nil
}

// Channel returns the Redis channel used for topic.
func (publisher *RedisPublisher) Channel(topic string) string {
	return publisher.prefix + topic
}

func (publisher *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Topic:      topic,
		OccurredAt: publisher.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", topic, err)
	}
	if err := publisher.client.Publish(ctx, publisher.Channel(topic), body).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", topic, err)
	}
	return nil
}

// LogPublisher writes events to a zap logger. Used when no bus is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher over logger; nil selects zap.NewNop.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (publisher *LogPublisher) Publish(_ context.Context, topic string, payload any) error {
	publisher.logger.Info("event published", zap.String("topic", topic), zap.Any("payload", payload))
	return nil
}

// Fanout delivers each event to every publisher and joins their failures.
type Fanout []ledger.EventPublisher

func (fanout Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var failures []error
	for _, publisher := range fanout {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, topic, payload); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

var (
	_ ledger.EventPublisher = (*RedisPublisher)(nil)
	_ ledger.EventPublisher = (*LogPublisher)(nil)
	_ ledger.EventPublisher = Fanout(nil)
)
