package livecache_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/wager/internal/livecache"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/MarkoPoloResearchLab/wager/pkg/settlement"
)

var (
	_ settlement.HeartbeatSource = (*livecache.Cache)(nil)
	_ settlement.MatchCache      = (*livecache.Cache)(nil)
)

// memoryRedis implements the handful of commands the cache issues.
type memoryRedis struct {
	redis.Cmdable
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (client *memoryRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if client.err != nil {
		cmd.SetErr(client.err)
		return cmd
	}
	switch typed := value.(type) {
	case []byte:
		client.values[key] = string(typed)
	default:
		client.values[key] = fmt.Sprint(typed)
	}
	client.ttls[key] = expiration
	cmd.SetVal("OK")
	return cmd
}

func (client *memoryRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if client.err != nil {
		cmd.SetErr(client.err)
		return cmd
	}
	value, ok := client.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(value)
	return cmd
}

func (client *memoryRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if client.err != nil {
		cmd.SetErr(client.err)
		return cmd
	}
	var removed int64
	for _, key := range keys {
		if _, ok := client.values[key]; ok {
			delete(client.values, key)
			removed++
		}
	}
	cmd.SetVal(removed)
	return cmd
}

func TestHeartbeatRoundTrip(test *testing.T) {
	client := newMemoryRedis()
	cache, err := livecache.New(client, time.Minute)
	if err != nil {
		test.Fatalf("cache: %v", err)
	}
	ctx := context.Background()

	if _, found, err := cache.LastHeartbeat(ctx, "m-1"); err != nil || found {
		test.Fatalf("expected no heartbeat, got found=%v err=%v", found, err)
	}
	beat := time.Date(2026, time.August, 1, 20, 15, 30, 250_000_000, time.UTC)
	if err := cache.RecordHeartbeat(ctx, "m-1", beat); err != nil {
		test.Fatalf("record: %v", err)
	}
	if client.ttls["match:m-1:heartbeat"] != time.Minute {
		test.Fatalf("expected ttl to be applied, got %v", client.ttls)
	}
	got, found, err := cache.LastHeartbeat(ctx, "m-1")
	if err != nil || !found {
		test.Fatalf("expected heartbeat, got found=%v err=%v", found, err)
	}
	if !got.Equal(beat) {
		test.Fatalf("expected %s, got %s", beat, got)
	}
}

func TestSnapshotAndEvict(test *testing.T) {
	client := newMemoryRedis()
	cache, err := livecache.New(client, 0)
	if err != nil {
		test.Fatalf("cache: %v", err)
	}
	ctx := context.Background()
	match := ledger.Match{ID: "m-2", HostID: "alice", OppID: "bob", EntryFC: decimal.NewFromInt(100), State: ledger.MatchActive}
	if err := cache.Store(ctx, match); err != nil {
		test.Fatalf("store: %v", err)
	}
	if err := cache.RecordHeartbeat(ctx, "m-2", time.Now()); err != nil {
		test.Fatalf("record: %v", err)
	}
	snapshot, found, err := cache.Snapshot(ctx, "m-2")
	if err != nil || !found {
		test.Fatalf("expected snapshot, got found=%v err=%v", found, err)
	}
	if snapshot.EntryFC != "100.00" || snapshot.State != string(ledger.MatchActive) {
		test.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if client.ttls["match:m-2:state"] != livecache.DefaultTTL {
		test.Fatalf("expected default ttl, got %v", client.ttls["match:m-2:state"])
	}

	if err := cache.Evict(ctx, "m-2"); err != nil {
		test.Fatalf("evict: %v", err)
	}
	if len(client.values) != 0 {
		test.Fatalf("expected empty cache, got %v", client.values)
	}
	if _, found, _ := cache.Snapshot(ctx, "m-2"); found {
		test.Fatalf("expected evicted snapshot")
	}
}

func TestCacheSurfacesRedisErrors(test *testing.T) {
	client := newMemoryRedis()
	client.err = errors.New("i/o timeout")
	cache, err := livecache.New(client, time.Minute)
	if err != nil {
		test.Fatalf("cache: %v", err)
	}
	ctx := context.Background()
	if _, _, err := cache.LastHeartbeat(ctx, "m-3"); !errors.Is(err, client.err) {
		test.Fatalf("expected lookup error, got %v", err)
	}
	if err := cache.Evict(ctx, "m-3"); !errors.Is(err, client.err) {
		test.Fatalf("expected evict error, got %v", err)
	}
	if _, err := livecache.New(nil, 0); err == nil {
		test.Fatalf("expected error for nil client")
	}
}
