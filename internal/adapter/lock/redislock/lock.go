// Package redislock provides the per-customer orchestrator lock on Redis.
//
// One lease per customer id serializes all cluster mutations for that
// customer. The lock is SET NX with an owner token and a 300 s lease;
// release is a compare-and-delete so a worker never drops a lease it lost.
package redislock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

const keyPrefix = "operator:lock:"

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker acquires per-customer leases.
type Locker struct {
	rdb   *redis.Client
	lease time.Duration
	wait  time.Duration
	poll  time.Duration
}

// New constructs a Locker. Defaults match the platform contract: 300 s lease,
// 30 s acquisition wait.
func New(rdb *redis.Client, lease, wait time.Duration) *Locker {
	if lease <= 0 {
		lease = 300 * time.Second
	}
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &Locker{rdb: rdb, lease: lease, wait: wait, poll: 250 * time.Millisecond}
}

type lease struct {
	rdb   *redis.Client
	key   string
	owner string
}

// Release drops the lease; losing it to expiry first is not an error.
func (l *lease) Release(ctx domain.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}

// Acquire blocks up to the acquisition wait for the customer's lock.
// ErrConflict when another worker still holds it afterwards; the caller
// drops the envelope and relies on the at-least-once producer.
func (l *Locker) Acquire(ctx domain.Context, customerID string) (domain.Lease, error) {
	key := keyPrefix + customerID
	owner := uuid.New().String()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.rdb.SetNX(ctx, key, owner, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("op=lock.acquire: %w", err)
		}
		if ok {
			return &lease{rdb: l.rdb, key: key, owner: owner}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("op=lock.acquire: customer %s: %w", customerID, domain.ErrConflict)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("op=lock.acquire: %w", ctx.Err())
		case <-time.After(l.poll):
		}
	}
}
