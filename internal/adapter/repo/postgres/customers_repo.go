package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// CustomerRepo persists and loads customers using a minimal pgx pool.
type CustomerRepo struct{ Pool PgxPool }

// NewCustomerRepo constructs a CustomerRepo with the given pool.
func NewCustomerRepo(p PgxPool) *CustomerRepo { return &CustomerRepo{Pool: p} }

const customerCols = `id, email, stripe_customer_id, created_at, deleted_at`

// Create inserts a new customer. A duplicate email maps to ErrConflict.
func (r *CustomerRepo) Create(ctx domain.Context, c domain.Customer) error {
	tracer := otel.Tracer("repo.customers")
	ctx, span := tracer.Start(ctx, "customers.Create")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO customers (id, email, stripe_customer_id, created_at) VALUES ($1,$2,$3,$4)`
	_, err := r.Pool.Exec(ctx, q, id, c.Email, c.StripeCustomerID, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=customer.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=customer.create: %w", err)
	}
	return nil
}

// Get loads a customer by id.
func (r *CustomerRepo) Get(ctx domain.Context, id string) (domain.Customer, error) {
	tracer := otel.Tracer("repo.customers")
	ctx, span := tracer.Start(ctx, "customers.Get")
	defer span.End()
	q := `SELECT ` + customerCols + ` FROM customers WHERE id=$1 AND deleted_at IS NULL`
	return r.scanOne(r.Pool.QueryRow(ctx, q, id), "customer.get")
}

// GetByEmail loads a customer by unique email.
func (r *CustomerRepo) GetByEmail(ctx domain.Context, email string) (domain.Customer, error) {
	tracer := otel.Tracer("repo.customers")
	ctx, span := tracer.Start(ctx, "customers.GetByEmail")
	defer span.End()
	q := `SELECT ` + customerCols + ` FROM customers WHERE email=$1 AND deleted_at IS NULL`
	return r.scanOne(r.Pool.QueryRow(ctx, q, email), "customer.get_by_email")
}

// SetStripeCustomerID records the external billing id after checkout.
func (r *CustomerRepo) SetStripeCustomerID(ctx domain.Context, id, stripeCustomerID string) error {
	tracer := otel.Tracer("repo.customers")
	ctx, span := tracer.Start(ctx, "customers.SetStripeCustomerID")
	defer span.End()
	q := `UPDATE customers SET stripe_customer_id=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, stripeCustomerID); err != nil {
		return fmt.Errorf("op=customer.set_stripe_id: %w", err)
	}
	return nil
}

// List returns all non-deleted customers, newest first.
func (r *CustomerRepo) List(ctx domain.Context) ([]domain.Customer, error) {
	tracer := otel.Tracer("repo.customers")
	ctx, span := tracer.Start(ctx, "customers.List")
	defer span.End()
	q := `SELECT ` + customerCols + ` FROM customers WHERE deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=customer.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Customer
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Email, &c.StripeCustomerID, &c.CreatedAt, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("op=customer.list: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CustomerRepo) scanOne(row pgx.Row, op string) (domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.Email, &c.StripeCustomerID, &c.CreatedAt, &c.DeletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Customer{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Customer{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return c, nil
}
