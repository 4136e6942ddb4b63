package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// LimitService enforces the monthly token budget in front of the relay. The
// cache keeps the hot path off Postgres; its short TTL bounds how stale a
// decision can be.
type LimitService struct {
	Usage domain.UsageRepository
	Cache domain.LimitCache

	// now is swapped in tests.
	now func() time.Time
}

// NewLimitService wires the service.
func NewLimitService(usage domain.UsageRepository, cache domain.LimitCache) *LimitService {
	return &LimitService{Usage: usage, Cache: cache, now: time.Now}
}

// Check admits or rejects one request. A missing bucket or subscription
// means there is nothing to bill against, which rejects the same way as an
// exhausted budget. The returned snapshot carries the near-limit warning
// state for the response header.
func (s *LimitService) Check(ctx domain.Context, customerID string) (domain.LimitSnapshot, error) {
	snap, ok, err := s.Cache.Get(ctx, customerID)
	if err != nil {
		slog.Warn("limit cache read failed", slog.Any("error", err))
		ok = false
	}
	if !ok {
		snap, err = s.Usage.CurrentLimit(ctx, customerID, s.now().UTC())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				observability.LimitRejectedTotal.Inc()
				return domain.LimitSnapshot{}, fmt.Errorf("op=limits.check: no active budget: %w", domain.ErrMonthlyLimitExceeded)
			}
			return domain.LimitSnapshot{}, fmt.Errorf("op=limits.check: %w", err)
		}
		if err := s.Cache.Set(ctx, customerID, snap); err != nil {
			slog.Warn("limit cache write failed", slog.Any("error", err))
		}
	}
	if snap.Exceeded() {
		observability.LimitRejectedTotal.Inc()
		return snap, fmt.Errorf("op=limits.check: used %d of %d: %w", snap.Used, snap.Limit, domain.ErrMonthlyLimitExceeded)
	}
	return snap, nil
}

// CurrentBucket returns the customer's bucket for the internal usage
// endpoint, bypassing the cache.
func (s *LimitService) CurrentBucket(ctx domain.Context, customerID string) (domain.UsageMonthly, error) {
	bucket, err := s.Usage.GetBucket(ctx, customerID, s.now().UTC())
	if err != nil {
		return domain.UsageMonthly{}, fmt.Errorf("op=limits.current_bucket: %w", err)
	}
	return bucket, nil
}
