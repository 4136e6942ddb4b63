package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// ConnectionRepo reads customer OAuth connections brokered by Nango. The API
// shell owns writes; the operator only needs the active set when rebuilding
// a box's connections config.
type ConnectionRepo struct{ Pool PgxPool }

// NewConnectionRepo constructs a ConnectionRepo with the given pool.
func NewConnectionRepo(p PgxPool) *ConnectionRepo { return &ConnectionRepo{Pool: p} }

// ListActiveByCustomer returns the customer's active connections.
func (r *ConnectionRepo) ListActiveByCustomer(ctx domain.Context, customerID string) ([]domain.Connection, error) {
	tracer := otel.Tracer("repo.connections")
	ctx, span := tracer.Start(ctx, "connections.ListActiveByCustomer")
	defer span.End()
	q := `SELECT id, customer_id, provider, nango_connection_id, status, created_at, updated_at
		FROM customer_connections WHERE customer_id=$1 AND status='active' ORDER BY provider`
	rows, err := r.Pool.Query(ctx, q, customerID)
	if err != nil {
		return nil, fmt.Errorf("op=connection.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Connection
	for rows.Next() {
		var c domain.Connection
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.Provider, &c.NangoConnectionID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=connection.list_active: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
