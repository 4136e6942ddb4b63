package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// BoxRepo persists and loads boxes using a minimal pgx pool.
type BoxRepo struct{ Pool PgxPool }

// NewBoxRepo constructs a BoxRepo with the given pool.
func NewBoxRepo(p PgxPool) *BoxRepo { return &BoxRepo{Pool: p} }

const boxCols = `id, customer_id, subscription_id, k8s_namespace, telegram_user_ids, language, model,
	thinking_level, bundle_id, status, health_failures, last_seen, created_at, activated_at, last_updated, destroyed_at`

// Create inserts a new box. A duplicate namespace maps to ErrConflict.
func (r *BoxRepo) Create(ctx domain.Context, b domain.Box) error {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.Create")
	defer span.End()
	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO boxes (id, customer_id, subscription_id, k8s_namespace, telegram_user_ids, language, model,
		thinking_level, bundle_id, status, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, id, b.CustomerID, b.SubscriptionID, b.Namespace, b.TelegramUserIDs,
		b.Language, b.Model, b.ThinkingLevel, b.BundleID, b.Status, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=box.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=box.create: %w", err)
	}
	return nil
}

// Get loads a box by id.
func (r *BoxRepo) Get(ctx domain.Context, id string) (domain.Box, error) {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.Get")
	defer span.End()
	q := `SELECT ` + boxCols + ` FROM boxes WHERE id=$1`
	return scanBox(r.Pool.QueryRow(ctx, q, id), "box.get")
}

// GetLiveByCustomer returns the customer's box that has not been destroyed.
func (r *BoxRepo) GetLiveByCustomer(ctx domain.Context, customerID string) (domain.Box, error) {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.GetLiveByCustomer")
	defer span.End()
	q := `SELECT ` + boxCols + ` FROM boxes
		WHERE customer_id=$1 AND status <> 'destroyed' ORDER BY created_at DESC LIMIT 1`
	return scanBox(r.Pool.QueryRow(ctx, q, customerID), "box.get_live")
}

// GetByCustomerInStatus returns the customer's box only when its current
// status is one of the given set.
func (r *BoxRepo) GetByCustomerInStatus(ctx domain.Context, customerID string, statuses ...domain.BoxStatus) (domain.Box, error) {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.GetByCustomerInStatus")
	defer span.End()
	set := make([]string, 0, len(statuses))
	for _, s := range statuses {
		set = append(set, string(s))
	}
	q := `SELECT ` + boxCols + ` FROM boxes
		WHERE customer_id=$1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`
	return scanBox(r.Pool.QueryRow(ctx, q, customerID, set), "box.get_in_status")
}

// UpdateStatus moves the box to the given status. Terminal rows are never
// rewritten; a destroyed box stays destroyed.
func (r *BoxRepo) UpdateStatus(ctx domain.Context, id string, status domain.BoxStatus) error {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.UpdateStatus")
	defer span.End()
	q := `UPDATE boxes SET status=$2 WHERE id=$1 AND status <> 'destroyed'`
	tag, err := r.Pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("op=box.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=box.update_status: %w", domain.ErrInvalidState)
	}
	return nil
}

// MarkActive sets status active and stamps activated_at.
func (r *BoxRepo) MarkActive(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.MarkActive")
	defer span.End()
	q := `UPDATE boxes SET status='active', activated_at=COALESCE(activated_at, $2), last_updated=$2
		WHERE id=$1 AND status <> 'destroyed'`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=box.mark_active: %w", err)
	}
	return nil
}

// MarkDestroyed sets status destroyed and stamps destroyed_at.
func (r *BoxRepo) MarkDestroyed(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.MarkDestroyed")
	defer span.End()
	q := `UPDATE boxes SET status='destroyed', destroyed_at=COALESCE(destroyed_at, $2) WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=box.mark_destroyed: %w", err)
	}
	return nil
}

// UpdateSpec rewrites the mutable spec fields; nil/empty inputs keep the
// current values.
func (r *BoxRepo) UpdateSpec(ctx domain.Context, id string, telegramUserIDs []int64, model, thinkingLevel string) error {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.UpdateSpec")
	defer span.End()
	q := `UPDATE boxes SET
			telegram_user_ids = COALESCE($2, telegram_user_ids),
			model = COALESCE(NULLIF($3, ''), model),
			thinking_level = COALESCE(NULLIF($4, ''), thinking_level)
		WHERE id=$1 AND status <> 'destroyed'`
	var ids any
	if telegramUserIDs != nil {
		ids = telegramUserIDs
	}
	tag, err := r.Pool.Exec(ctx, q, id, ids, model, thinkingLevel)
	if err != nil {
		return fmt.Errorf("op=box.update_spec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=box.update_spec: %w", domain.ErrInvalidState)
	}
	return nil
}

// TouchUpdated stamps last_updated after a rollout.
func (r *BoxRepo) TouchUpdated(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.TouchUpdated")
	defer span.End()
	q := `UPDATE boxes SET last_updated=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=box.touch_updated: %w", err)
	}
	return nil
}

// TouchSeen stamps last_seen from an agent heartbeat and clears the
// health-failure counter.
func (r *BoxRepo) TouchSeen(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.TouchSeen")
	defer span.End()
	q := `UPDATE boxes SET last_seen=$2, health_failures=0 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=box.touch_seen: %w", err)
	}
	return nil
}

// UpdateHealth records the failure counter and any status change the health
// checker decided on.
func (r *BoxRepo) UpdateHealth(ctx domain.Context, id string, failures int, status domain.BoxStatus) error {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.UpdateHealth")
	defer span.End()
	q := `UPDATE boxes SET health_failures=$2, status=$3 WHERE id=$1 AND status <> 'destroyed'`
	if _, err := r.Pool.Exec(ctx, q, id, failures, status); err != nil {
		return fmt.Errorf("op=box.update_health: %w", err)
	}
	return nil
}

// List returns all boxes, newest first.
func (r *BoxRepo) List(ctx domain.Context) ([]domain.Box, error) {
	tracer := otel.Tracer("repo.boxes")
	ctx, span := tracer.Start(ctx, "boxes.List")
	defer span.End()
	q := `SELECT ` + boxCols + ` FROM boxes ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=box.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Box
	for rows.Next() {
		b, err := scanBoxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=box.list: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBox(row pgx.Row, op string) (domain.Box, error) {
	b, err := scanBoxRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Box{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Box{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return b, nil
}

func scanBoxRow(row pgx.Row) (domain.Box, error) {
	var b domain.Box
	err := row.Scan(&b.ID, &b.CustomerID, &b.SubscriptionID, &b.Namespace, &b.TelegramUserIDs, &b.Language,
		&b.Model, &b.ThinkingLevel, &b.BundleID, &b.Status, &b.HealthFailures, &b.LastSeen,
		&b.CreatedAt, &b.ActivatedAt, &b.LastUpdated, &b.DestroyedAt)
	return b, err
}
