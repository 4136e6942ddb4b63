package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// PodMetricsRepo stores pod resource snapshots and their hourly rollups.
type PodMetricsRepo struct{ Pool PgxPool }

// NewPodMetricsRepo constructs a PodMetricsRepo with the given pool.
func NewPodMetricsRepo(p PgxPool) *PodMetricsRepo { return &PodMetricsRepo{Pool: p} }

// InsertSamples appends one collection pass.
func (r *PodMetricsRepo) InsertSamples(ctx domain.Context, samples []domain.PodMetricsSample) error {
	tracer := otel.Tracer("repo.pod_metrics")
	ctx, span := tracer.Start(ctx, "pod_metrics.InsertSamples")
	defer span.End()
	q := `INSERT INTO pod_metrics_snapshots (customer_id, k8s_namespace, pod_name, cpu_millicores, memory_bytes, collected_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	for _, s := range samples {
		at := s.CollectedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if _, err := r.Pool.Exec(ctx, q, s.CustomerID, s.Namespace, s.PodName, s.CPUMillicores, s.MemoryBytes, at); err != nil {
			return fmt.Errorf("op=pod_metrics.insert: %w", err)
		}
	}
	return nil
}

// RollupHourly aggregates snapshots taken since the cutoff into the hourly
// table, upserting per (namespace, hour).
func (r *PodMetricsRepo) RollupHourly(ctx domain.Context, since time.Time) error {
	tracer := otel.Tracer("repo.pod_metrics")
	ctx, span := tracer.Start(ctx, "pod_metrics.RollupHourly")
	defer span.End()
	q := `INSERT INTO pod_metrics_hourly (customer_id, k8s_namespace, hour_start,
			avg_cpu_millicores, max_cpu_millicores, avg_memory_bytes, max_memory_bytes, samples)
		SELECT MAX(customer_id), k8s_namespace, date_trunc('hour', collected_at),
			AVG(cpu_millicores)::BIGINT, MAX(cpu_millicores), AVG(memory_bytes)::BIGINT, MAX(memory_bytes), COUNT(*)
		FROM pod_metrics_snapshots WHERE collected_at >= $1
		GROUP BY k8s_namespace, date_trunc('hour', collected_at)
		ON CONFLICT (k8s_namespace, hour_start) DO UPDATE SET
			avg_cpu_millicores = EXCLUDED.avg_cpu_millicores,
			max_cpu_millicores = GREATEST(pod_metrics_hourly.max_cpu_millicores, EXCLUDED.max_cpu_millicores),
			avg_memory_bytes = EXCLUDED.avg_memory_bytes,
			max_memory_bytes = GREATEST(pod_metrics_hourly.max_memory_bytes, EXCLUDED.max_memory_bytes),
			samples = EXCLUDED.samples`
	if _, err := r.Pool.Exec(ctx, q, since); err != nil {
		return fmt.Errorf("op=pod_metrics.rollup: %w", err)
	}
	return nil
}

// PurgeSamples deletes raw snapshots older than the retention horizon and
// returns how many rows went away.
func (r *PodMetricsRepo) PurgeSamples(ctx domain.Context, before time.Time) (int64, error) {
	tracer := otel.Tracer("repo.pod_metrics")
	ctx, span := tracer.Start(ctx, "pod_metrics.PurgeSamples")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM pod_metrics_snapshots WHERE collected_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("op=pod_metrics.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
