// Package ratelimiter implements the proxy's per-customer token bucket as an
// atomic Lua script on the shared Redis.
package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
)

const keyPrefix = "ratelimit:"

// Bucket state lives in a hash {tokens, last} with elapsed-time refill. The
// key expires after 10 s of silence so idle customers cost nothing.
const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last = now

local data = redis.call("HMGET", key, "tokens", "last")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last = tonumber(data[2])
end

local delta = now - last
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last", now)
redis.call("EXPIRE", key, 10)

return allowed
`

// RedisLuaLimiter admits one request per call against the customer's bucket.
// Capacity and refill rate are both the configured RPS, so a full bucket
// absorbs a one-second burst and refills within the next.
type RedisLuaLimiter struct {
	rdb    *redis.Client
	rps    int
	script *redis.Script
	now    func() time.Time
}

// New constructs a limiter with the given requests-per-second budget.
func New(rdb *redis.Client, rps int) *RedisLuaLimiter {
	if rps <= 0 {
		rps = 10
	}
	return &RedisLuaLimiter{
		rdb:    rdb,
		rps:    rps,
		script: redis.NewScript(luaTokenBucketScript),
		now:    time.Now,
	}
}

// Allow reports whether the customer may proceed. Redis failures fail open:
// a broken limiter must not take the relay down with it.
func (l *RedisLuaLimiter) Allow(ctx context.Context, customerID string) (bool, error) {
	nowSec := float64(l.now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb, []string{keyPrefix + customerID}, l.rps, l.rps, nowSec).Int64()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("customer_id", customerID), slog.Any("error", err))
		return true, err
	}
	allowed := res == 1
	if !allowed {
		observability.RateLimitedTotal.Inc()
	}
	return allowed, nil
}
