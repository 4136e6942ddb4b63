package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// UsageRepo persists usage events and monthly buckets using a minimal pgx
// pool.
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

// CreateBucket inserts the per-period row. Duplicates on
// (customer_id, period_start) are skipped so replayed billing events stay
// idempotent.
func (r *UsageRepo) CreateBucket(ctx domain.Context, u domain.UsageMonthly) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.CreateBucket")
	defer span.End()
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO usage_monthly (id, customer_id, period_start, period_end, tokens_used, tokens_limit)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (customer_id, period_start) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, id, u.CustomerID, u.PeriodStart, u.PeriodEnd, u.TokensUsed, u.TokensLimit)
	if err != nil {
		return fmt.Errorf("op=usage.create_bucket: %w", err)
	}
	return nil
}

// GetBucket loads the bucket whose period covers at.
func (r *UsageRepo) GetBucket(ctx domain.Context, customerID string, at time.Time) (domain.UsageMonthly, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.GetBucket")
	defer span.End()
	q := `SELECT id, customer_id, period_start, period_end, tokens_used, tokens_limit, reset_at
		FROM usage_monthly WHERE customer_id=$1 AND period_start <= $2 AND period_end > $2
		ORDER BY period_start DESC LIMIT 1`
	var u domain.UsageMonthly
	err := r.Pool.QueryRow(ctx, q, customerID, at).Scan(&u.ID, &u.CustomerID, &u.PeriodStart, &u.PeriodEnd,
		&u.TokensUsed, &u.TokensLimit, &u.ResetAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.UsageMonthly{}, fmt.Errorf("op=usage.get_bucket: %w", domain.ErrNotFound)
		}
		return domain.UsageMonthly{}, fmt.Errorf("op=usage.get_bucket: %w", err)
	}
	return u, nil
}

// CurrentLimit joins the covering bucket with the customer's active
// subscription. ErrNotFound when either side is missing; a customer without
// a live subscription has no budget to spend.
func (r *UsageRepo) CurrentLimit(ctx domain.Context, customerID string, at time.Time) (domain.LimitSnapshot, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.CurrentLimit")
	defer span.End()
	q := `SELECT um.tokens_used, um.tokens_limit, s.tier
		FROM usage_monthly um
		JOIN subscriptions s ON s.customer_id = um.customer_id AND s.status = 'active'
		WHERE um.customer_id=$1 AND um.period_start <= $2 AND um.period_end > $2
		ORDER BY um.period_start DESC LIMIT 1`
	var snap domain.LimitSnapshot
	err := r.Pool.QueryRow(ctx, q, customerID, at).Scan(&snap.Used, &snap.Limit, &snap.Tier)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.LimitSnapshot{}, fmt.Errorf("op=usage.current_limit: %w", domain.ErrNotFound)
		}
		return domain.LimitSnapshot{}, fmt.Errorf("op=usage.current_limit: %w", err)
	}
	return snap, nil
}

// UpdateBucketLimit patches the current bucket's limit after a plan change.
func (r *UsageRepo) UpdateBucketLimit(ctx domain.Context, customerID string, periodStart time.Time, tokensLimit int64) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.UpdateBucketLimit")
	defer span.End()
	q := `UPDATE usage_monthly SET tokens_limit=$3 WHERE customer_id=$1 AND period_start=$2`
	if _, err := r.Pool.Exec(ctx, q, customerID, periodStart, tokensLimit); err != nil {
		return fmt.Errorf("op=usage.update_bucket_limit: %w", err)
	}
	return nil
}

// ApplyBatch persists one consumer batch atomically: every event that carries
// a box id is inserted (request-id duplicates skipped), then each customer's
// covering bucket is incremented by its aggregated total. The stream is only
// acked after this commits, so redelivery plus the request-id dedup gives
// effectively-once accounting.
func (r *UsageRepo) ApplyBatch(ctx domain.Context, events []domain.UsageEvent, perCustomer map[string]int64) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.ApplyBatch")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=usage.apply_batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertQ := `INSERT INTO usage_events (customer_id, box_id, model, prompt_tokens, completion_tokens, request_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (request_id) WHERE request_id <> '' DO NOTHING`
	for _, e := range events {
		if e.BoxID == "" {
			continue
		}
		at := e.CreatedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, insertQ, e.CustomerID, e.BoxID, e.Model, e.PromptTokens, e.CompletionTokens, e.RequestID, at); err != nil {
			return fmt.Errorf("op=usage.apply_batch.insert: %w", err)
		}
	}

	bumpQ := `UPDATE usage_monthly SET tokens_used = tokens_used + $2
		WHERE customer_id=$1 AND period_start <= now() AND period_end > now()`
	for cid, total := range perCustomer {
		if total <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx, bumpQ, cid, total); err != nil {
			return fmt.Errorf("op=usage.apply_batch.bump: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=usage.apply_batch.commit: %w", err)
	}
	return nil
}
