// Package livecache keeps short-lived match state in Redis: overlay heartbeats
// and the last known match snapshot shown to spectators.
package livecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

const (
	heartbeatKeyFormat = "match:%s:heartbeat"
	snapshotKeyFormat  = "match:%s:state"

	// DefaultTTL bounds how long an abandoned match lingers in the cache.
	DefaultTTL = 6 * time.Hour
)

var errNilClient = errors.New("livecache: redis client is required")

// Snapshot is the cached view of a match.
type Snapshot struct {
	MatchID   string    `json:"matchId"`
	State     string    `json:"state"`
	HostID    string    `json:"hostId"`
	OppID     string    `json:"oppId,omitempty"`
	EntryFC   string    `json:"entryFc"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cache implements settlement.HeartbeatSource and settlement.MatchCache.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// New returns a Cache; ttl <= 0 selects DefaultTTL.
func New(client redis.Cmdable, ttl time.Duration) (*Cache, error) {
	if client == nil {
		return nil, errNilClient
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// RecordHeartbeat stores the overlay heartbeat time of a match.
func (cache *Cache) RecordHeartbeat(ctx context.Context, matchID string, at time.Time) error {
	if err := cache.client.Set(ctx, heartbeatKey(matchID), at.UTC().UnixMilli(), cache.ttl).Err(); err != nil {
		return fmt.Errorf("livecache: record heartbeat %s: %w", matchID, err)
	}
	return nil
}

// LastHeartbeat reports the most recent heartbeat; found is false when none was recorded.
func (cache *Cache) LastHeartbeat(ctx context.Context, matchID string) (time.Time, bool, error) {
	millis, err := cache.client.Get(ctx, heartbeatKey(matchID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("livecache: heartbeat %s: %w", matchID, err)
	}
	return time.UnixMilli(millis).UTC(), true, nil
}

// Store caches a match snapshot.
func (cache *Cache) Store(ctx context.Context, match ledger.Match) error {
	body, err := json.Marshal(Snapshot{
		MatchID:   match.ID,
		State:     string(match.State),
		HostID:    match.HostID,
		OppID:     match.OppID,
		EntryFC:   match.EntryFC.StringFixed(2),
		UpdatedAt: match.UpdatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("livecache: encode %s: %w", match.ID, err)
	}
	if err := cache.client.Set(ctx, snapshotKey(match.ID), body, cache.ttl).Err(); err != nil {
		return fmt.Errorf("livecache: store %s: %w", match.ID, err)
	}
	return nil
}

// Snapshot returns the cached view of a match.
func (cache *Cache) Snapshot(ctx context.Context, matchID string) (Snapshot, bool, error) {
	body, err := cache.client.Get(ctx, snapshotKey(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("livecache: snapshot %s: %w", matchID, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("livecache: decode %s: %w", matchID, err)
	}
	return snapshot, true, nil
}

// Evict drops every cached key of a settled match.
func (cache *Cache) Evict(ctx context.Context, matchID string) error {
	if err := cache.client.Del(ctx, heartbeatKey(matchID), snapshotKey(matchID)).Err(); err != nil {
		return fmt.Errorf("livecache: evict %s: %w", matchID, err)
	}
	return nil
}

func heartbeatKey(matchID string) string {
	return fmt.Sprintf(heartbeatKeyFormat, matchID)
}

func snapshotKey(matchID string) string {
	return fmt.Sprintf(snapshotKeyFormat, matchID)
}
