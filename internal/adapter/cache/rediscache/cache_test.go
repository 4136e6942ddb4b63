package rediscache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/openclaw-cloud/internal/adapter/cache/rediscache"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestTokenCache_MissThenHit(t *testing.T) {
	_, rdb := newRedis(t)
	c := rediscache.NewTokenCache(rdb, 5*time.Minute)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "raw-token")
	require.NoError(t, err)
	require.False(t, ok)

	claims := domain.TokenClaims{CustomerID: "c1", TokenID: "t1"}
	require.NoError(t, c.Set(ctx, "raw-token", claims))

	got, ok, err := c.Get(ctx, "raw-token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, claims, got)
}

func TestTokenCache_EntryExpires(t *testing.T) {
	mr, rdb := newRedis(t)
	c := rediscache.NewTokenCache(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "raw-token", domain.TokenClaims{CustomerID: "c1", TokenID: "t1"}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "raw-token")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLimitCache_AddBumpsUsedAndKeepsTTL(t *testing.T) {
	mr, rdb := newRedis(t)
	c := rediscache.NewLimitCache(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "c1", domain.LimitSnapshot{Used: 100, Limit: 1000, Tier: domain.TierStarter}))
	mr.FastForward(30 * time.Second)
	require.NoError(t, c.Add(ctx, "c1", 42))

	snap, ok, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(142), snap.Used)
	require.Equal(t, int64(1000), snap.Limit)

	// The bump preserved the original TTL; the entry still expires on
	// schedule.
	mr.FastForward(31 * time.Second)
	_, ok, err = c.Get(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLimitCache_AddOnAbsentEntryIsNoop(t *testing.T) {
	_, rdb := newRedis(t)
	c := rediscache.NewLimitCache(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "missing", 50))
	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUsageStream_PublishReadAck(t *testing.T) {
	_, rdb := newRedis(t)
	s := rediscache.NewUsageStream(rdb, "usage:events")
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx, "proxy-consumers"))
	// Idempotent when the group already exists.
	require.NoError(t, s.EnsureGroup(ctx, "proxy-consumers"))

	rec := domain.UsageRecord{
		CustomerID:       "c1",
		BoxID:            "b1",
		Model:            "kimi-coding/k2p5",
		PromptTokens:     120,
		CompletionTokens: 80,
		RequestID:        "req-1",
	}
	require.NoError(t, s.Publish(ctx, rec))

	entries, err := s.ReadBatch(ctx, "proxy-consumers", "proxy-worker", 100, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0].Record
	require.Equal(t, "c1", got.CustomerID)
	require.Equal(t, int64(120), got.PromptTokens)
	require.Equal(t, int64(80), got.CompletionTokens)
	require.Equal(t, int64(200), got.Total())

	require.NoError(t, s.Ack(ctx, "proxy-consumers", entries[0].ID))

	entries, err = s.ReadBatch(ctx, "proxy-consumers", "proxy-worker", 100, 10*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, entries)
}
