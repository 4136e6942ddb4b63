package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// JobAuditRepo persists operator job audit rows using a minimal pgx pool.
// Rows are append-mostly; a failed row never blocks a re-enqueue.
type JobAuditRepo struct{ Pool PgxPool }

// NewJobAuditRepo constructs a JobAuditRepo with the given pool.
func NewJobAuditRepo(p PgxPool) *JobAuditRepo { return &JobAuditRepo{Pool: p} }

const jobCols = `id, customer_id, box_id, job_type, status, payload, COALESCE(error_log,''), started_at, completed_at, created_at`

// Insert records a queued job at enqueue time.
func (r *JobAuditRepo) Insert(ctx domain.Context, j domain.OperatorJob) error {
	tracer := otel.Tracer("repo.operator_jobs")
	ctx, span := tracer.Start(ctx, "operator_jobs.Insert")
	defer span.End()
	q := `INSERT INTO operator_jobs (id, customer_id, box_id, job_type, status, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.CustomerID, j.BoxID, j.Type, j.Status, j.Payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job_audit.insert: %w", err)
	}
	return nil
}

// MarkRunning records the job as picked up, upserting over the producer's
// queued row when one exists. The envelope may predate the audit row when a
// producer crashed between enqueue and insert.
func (r *JobAuditRepo) MarkRunning(ctx domain.Context, j domain.OperatorJob) error {
	tracer := otel.Tracer("repo.operator_jobs")
	ctx, span := tracer.Start(ctx, "operator_jobs.MarkRunning")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO operator_jobs (id, customer_id, box_id, job_type, status, payload, started_at, created_at)
		VALUES ($1,$2,$3,$4,'running',$5,$6,$6)
		ON CONFLICT (id) DO UPDATE SET status='running', started_at=EXCLUDED.started_at`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.CustomerID, j.BoxID, j.Type, j.Payload, now)
	if err != nil {
		return fmt.Errorf("op=job_audit.mark_running: %w", err)
	}
	return nil
}

// Finish records the terminal outcome of a job run.
func (r *JobAuditRepo) Finish(ctx domain.Context, id string, status domain.JobState, errorLog string) error {
	tracer := otel.Tracer("repo.operator_jobs")
	ctx, span := tracer.Start(ctx, "operator_jobs.Finish")
	defer span.End()
	q := `UPDATE operator_jobs SET status=$2, error_log=$3, completed_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errorLog, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job_audit.finish: %w", err)
	}
	return nil
}

// ListRunningBefore pages through rows stuck in running since before cutoff,
// for the stale-job sweeper.
func (r *JobAuditRepo) ListRunningBefore(ctx domain.Context, cutoff time.Time, limit, offset int) ([]domain.OperatorJob, error) {
	tracer := otel.Tracer("repo.operator_jobs")
	ctx, span := tracer.Start(ctx, "operator_jobs.ListRunningBefore")
	defer span.End()
	q := `SELECT ` + jobCols + ` FROM operator_jobs
		WHERE status='running' AND started_at < $1 ORDER BY started_at LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job_audit.list_running: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "job_audit.list_running")
}

// ListByCustomer returns the customer's newest audit rows.
func (r *JobAuditRepo) ListByCustomer(ctx domain.Context, customerID string, limit int) ([]domain.OperatorJob, error) {
	tracer := otel.Tracer("repo.operator_jobs")
	ctx, span := tracer.Start(ctx, "operator_jobs.ListByCustomer")
	defer span.End()
	q := `SELECT ` + jobCols + ` FROM operator_jobs
		WHERE customer_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job_audit.list_by_customer: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "job_audit.list_by_customer")
}

func collectJobs(rows pgx.Rows, op string) ([]domain.OperatorJob, error) {
	var out []domain.OperatorJob
	for rows.Next() {
		var j domain.OperatorJob
		if err := rows.Scan(&j.ID, &j.CustomerID, &j.BoxID, &j.Type, &j.Status, &j.Payload,
			&j.ErrorLog, &j.StartedAt, &j.CompletedAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
