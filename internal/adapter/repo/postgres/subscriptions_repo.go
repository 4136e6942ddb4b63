package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// SubscriptionRepo persists and loads subscriptions using a minimal pgx pool.
type SubscriptionRepo struct{ Pool PgxPool }

// NewSubscriptionRepo constructs a SubscriptionRepo with the given pool.
func NewSubscriptionRepo(p PgxPool) *SubscriptionRepo { return &SubscriptionRepo{Pool: p} }

const subscriptionCols = `id, customer_id, stripe_subscription_id, stripe_price_id, tier, status,
	tokens_limit, current_period_start, current_period_end, created_at, updated_at`

// Create inserts a new subscription. A duplicate external id maps to
// ErrConflict so the billing reducer can detect replayed events.
func (r *SubscriptionRepo) Create(ctx domain.Context, s domain.Subscription) error {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.Create")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO subscriptions (id, customer_id, stripe_subscription_id, stripe_price_id, tier, status,
		tokens_limit, current_period_start, current_period_end, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, id, s.CustomerID, s.StripeSubscriptionID, s.StripePriceID, s.Tier, s.Status,
		s.TokensLimit, s.CurrentPeriodStart, s.CurrentPeriodEnd, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=subscription.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=subscription.create: %w", err)
	}
	return nil
}

// GetByStripeID loads a subscription by its external id.
func (r *SubscriptionRepo) GetByStripeID(ctx domain.Context, stripeSubscriptionID string) (domain.Subscription, error) {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.GetByStripeID")
	defer span.End()
	q := `SELECT ` + subscriptionCols + ` FROM subscriptions WHERE stripe_subscription_id=$1`
	return scanSubscription(r.Pool.QueryRow(ctx, q, stripeSubscriptionID), "subscription.get_by_stripe_id")
}

// GetActiveByCustomer loads the customer's newest non-terminal subscription.
func (r *SubscriptionRepo) GetActiveByCustomer(ctx domain.Context, customerID string) (domain.Subscription, error) {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.GetActiveByCustomer")
	defer span.End()
	q := `SELECT ` + subscriptionCols + ` FROM subscriptions
		WHERE customer_id=$1 AND status NOT IN ('cancelled') ORDER BY created_at DESC LIMIT 1`
	return scanSubscription(r.Pool.QueryRow(ctx, q, customerID), "subscription.get_active")
}

// UpdateStatus moves the subscription to the given status.
func (r *SubscriptionRepo) UpdateStatus(ctx domain.Context, id string, status domain.SubscriptionStatus) error {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.UpdateStatus")
	defer span.End()
	q := `UPDATE subscriptions SET status=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=subscription.update_status: %w", err)
	}
	return nil
}

// UpdatePeriods records the billing period boundaries from a paid invoice.
func (r *SubscriptionRepo) UpdatePeriods(ctx domain.Context, id string, start, end time.Time) error {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.UpdatePeriods")
	defer span.End()
	q := `UPDATE subscriptions SET current_period_start=$2, current_period_end=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, start, end, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=subscription.update_periods: %w", err)
	}
	return nil
}

// UpdatePlan switches the subscription to a new tier/limit/price id.
func (r *SubscriptionRepo) UpdatePlan(ctx domain.Context, id string, tier domain.Tier, tokensLimit int64, stripePriceID string) error {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.UpdatePlan")
	defer span.End()
	q := `UPDATE subscriptions SET tier=$2, tokens_limit=$3, stripe_price_id=COALESCE(NULLIF($4,''), stripe_price_id), updated_at=$5 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, tier, tokensLimit, stripePriceID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=subscription.update_plan: %w", err)
	}
	return nil
}

// UpdatePlanByCustomer retargets the customer's active subscription after a
// resize completes on the cluster.
func (r *SubscriptionRepo) UpdatePlanByCustomer(ctx domain.Context, customerID string, tier domain.Tier, tokensLimit int64) error {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.UpdatePlanByCustomer")
	defer span.End()
	q := `UPDATE subscriptions SET tier=$2, tokens_limit=$3, updated_at=$4
		WHERE customer_id=$1 AND status NOT IN ('cancelled')`
	if _, err := r.Pool.Exec(ctx, q, customerID, tier, tokensLimit, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=subscription.update_plan_by_customer: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row, op string) (domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.CustomerID, &s.StripeSubscriptionID, &s.StripePriceID, &s.Tier, &s.Status,
		&s.TokensLimit, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Subscription{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Subscription{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return s, nil
}
