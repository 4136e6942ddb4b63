// Package rediscache holds the proxy's short-TTL caches: raw-token claims
// and per-customer monthly-limit snapshots.
package rediscache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

const (
	tokenKeyPrefix = "proxy_token:"
	limitKeyPrefix = "limit:"
)

// TokenCache maps raw bearer tokens to their claims so the O(N) bcrypt walk
// only happens on a miss.
type TokenCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTokenCache constructs a token cache; TTL defaults to 300 s.
func NewTokenCache(rdb *redis.Client, ttl time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &TokenCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached claims for a raw token.
func (c *TokenCache) Get(ctx domain.Context, raw string) (domain.TokenClaims, bool, error) {
	val, err := c.rdb.Get(ctx, tokenKeyPrefix+raw).Result()
	if errors.Is(err, redis.Nil) {
		return domain.TokenClaims{}, false, nil
	}
	if err != nil {
		return domain.TokenClaims{}, false, fmt.Errorf("op=token_cache.get: %w", err)
	}
	var claims domain.TokenClaims
	if err := json.Unmarshal([]byte(val), &claims); err != nil {
		return domain.TokenClaims{}, false, fmt.Errorf("op=token_cache.get: %w", err)
	}
	return claims, true, nil
}

// Set caches the claims behind a raw token.
func (c *TokenCache) Set(ctx domain.Context, raw string, claims domain.TokenClaims) error {
	buf, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("op=token_cache.set: %w", err)
	}
	if err := c.rdb.Set(ctx, tokenKeyPrefix+raw, buf, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=token_cache.set: %w", err)
	}
	return nil
}

// addScript bumps the used counter inside the cached snapshot without
// touching its remaining TTL. Absent entries stay absent; the next limit
// check reloads from the store.
var addScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if not val then
  return 0
end
local snap = cjson.decode(val)
snap.used = (snap.used or 0) + tonumber(ARGV[1])
redis.call("SET", KEYS[1], cjson.encode(snap), "KEEPTTL")
return 1
`)

// LimitCache holds per-customer budget snapshots.
type LimitCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLimitCache constructs a limit cache; TTL defaults to 60 s.
func NewLimitCache(rdb *redis.Client, ttl time.Duration) *LimitCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &LimitCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached snapshot for a customer.
func (c *LimitCache) Get(ctx domain.Context, customerID string) (domain.LimitSnapshot, bool, error) {
	val, err := c.rdb.Get(ctx, limitKeyPrefix+customerID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.LimitSnapshot{}, false, nil
	}
	if err != nil {
		return domain.LimitSnapshot{}, false, fmt.Errorf("op=limit_cache.get: %w", err)
	}
	var snap domain.LimitSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return domain.LimitSnapshot{}, false, fmt.Errorf("op=limit_cache.get: %w", err)
	}
	return snap, true, nil
}

// Set caches a snapshot with the configured TTL.
func (c *LimitCache) Set(ctx domain.Context, customerID string, snap domain.LimitSnapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("op=limit_cache.set: %w", err)
	}
	if err := c.rdb.Set(ctx, limitKeyPrefix+customerID, buf, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=limit_cache.set: %w", err)
	}
	return nil
}

// Add bumps the cached used counter in place after the usage consumer
// commits a batch, so the next request sees fresh consumption without
// waiting out the TTL.
func (c *LimitCache) Add(ctx domain.Context, customerID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	if err := addScript.Run(ctx, c.rdb, []string{limitKeyPrefix + customerID}, delta).Err(); err != nil {
		return fmt.Errorf("op=limit_cache.add: %w", err)
	}
	return nil
}
