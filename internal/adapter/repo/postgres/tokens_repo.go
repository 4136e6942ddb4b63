package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// ProxyTokenRepo persists proxy tokens using a minimal pgx pool. Only the
// bcrypt hash is stored; the raw secret lives with the caller for one
// response.
type ProxyTokenRepo struct{ Pool PgxPool }

// NewProxyTokenRepo constructs a ProxyTokenRepo with the given pool.
func NewProxyTokenRepo(p PgxPool) *ProxyTokenRepo { return &ProxyTokenRepo{Pool: p} }

const tokenCols = `id, customer_id, box_id, token_hash, created_at, revoked_at`

// Create inserts a new token row. A second live token for the same box hits
// the partial unique index and maps to ErrConflict.
func (r *ProxyTokenRepo) Create(ctx domain.Context, t domain.ProxyToken) error {
	tracer := otel.Tracer("repo.proxy_tokens")
	ctx, span := tracer.Start(ctx, "proxy_tokens.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO proxy_tokens (id, customer_id, box_id, token_hash, created_at) VALUES ($1,$2,$3,$4,$5)`
	_, err := r.Pool.Exec(ctx, q, id, t.CustomerID, t.BoxID, t.TokenHash, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=proxy_token.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=proxy_token.create: %w", err)
	}
	return nil
}

// ListActive returns every non-revoked token. The proxy walks this set on a
// cache miss, so N stays around the number of active boxes.
func (r *ProxyTokenRepo) ListActive(ctx domain.Context) ([]domain.ProxyToken, error) {
	tracer := otel.Tracer("repo.proxy_tokens")
	ctx, span := tracer.Start(ctx, "proxy_tokens.ListActive")
	defer span.End()
	q := `SELECT ` + tokenCols + ` FROM proxy_tokens WHERE revoked_at IS NULL`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=proxy_token.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.ProxyToken
	for rows.Next() {
		var t domain.ProxyToken
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.BoxID, &t.TokenHash, &t.CreatedAt, &t.RevokedAt); err != nil {
			return nil, fmt.Errorf("op=proxy_token.list_active: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetActiveByBox returns the box's live token.
func (r *ProxyTokenRepo) GetActiveByBox(ctx domain.Context, boxID string) (domain.ProxyToken, error) {
	tracer := otel.Tracer("repo.proxy_tokens")
	ctx, span := tracer.Start(ctx, "proxy_tokens.GetActiveByBox")
	defer span.End()
	q := `SELECT ` + tokenCols + ` FROM proxy_tokens WHERE box_id=$1 AND revoked_at IS NULL`
	var t domain.ProxyToken
	err := r.Pool.QueryRow(ctx, q, boxID).Scan(&t.ID, &t.CustomerID, &t.BoxID, &t.TokenHash, &t.CreatedAt, &t.RevokedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ProxyToken{}, fmt.Errorf("op=proxy_token.get_active_by_box: %w", domain.ErrNotFound)
		}
		return domain.ProxyToken{}, fmt.Errorf("op=proxy_token.get_active_by_box: %w", err)
	}
	return t, nil
}

// Revoke stamps revoked_at on a still-active token. ErrNotFound when the id
// is absent or the token was already revoked.
func (r *ProxyTokenRepo) Revoke(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.proxy_tokens")
	ctx, span := tracer.Start(ctx, "proxy_tokens.Revoke")
	defer span.End()
	q := `UPDATE proxy_tokens SET revoked_at=$2 WHERE id=$1 AND revoked_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=proxy_token.revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=proxy_token.revoke: %w", domain.ErrNotFound)
	}
	return nil
}
