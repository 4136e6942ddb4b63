package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// PodMetricsCollector periodically scrapes box pod usage from the cluster's
// metrics API into Postgres, rolls samples up hourly, and purges old rows.
type PodMetricsCollector struct {
	Source    domain.PodMetricsSource
	Repo      domain.PodMetricsRepository
	Interval  time.Duration
	Retention time.Duration

	lastRollup time.Time
}

// Run collects until the context is cancelled.
func (c *PodMetricsCollector) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collectOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("pod metrics collector stopping")
			return
		case <-ticker.C:
			c.collectOnce(ctx)
		}
	}
}

func (c *PodMetricsCollector) collectOnce(ctx context.Context) {
	tracer := otel.Tracer("operator.podmetrics")
	ctx, span := tracer.Start(ctx, "PodMetricsCollector.collectOnce")
	defer span.End()

	samples, err := c.Source.ListPodMetrics(ctx)
	if err != nil {
		observability.PodMetricsScrapesTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		slog.Warn("pod metrics scrape failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("podmetrics.samples", len(samples)))

	if len(samples) > 0 {
		if err := c.Repo.InsertSamples(ctx, samples); err != nil {
			observability.PodMetricsScrapesTotal.WithLabelValues("error").Inc()
			span.RecordError(err)
			slog.Error("pod metrics insert failed", slog.Any("error", err))
			return
		}
	}
	observability.PodMetricsScrapesTotal.WithLabelValues("ok").Inc()

	// Roll up and purge at most once per hour.
	now := time.Now().UTC()
	if now.Sub(c.lastRollup) < time.Hour {
		return
	}
	c.lastRollup = now

	if err := c.Repo.RollupHourly(ctx, now.Add(-2*time.Hour)); err != nil {
		slog.Error("pod metrics rollup failed", slog.Any("error", err))
		return
	}
	retention := c.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	purged, err := c.Repo.PurgeSamples(ctx, now.Add(-retention))
	if err != nil {
		slog.Error("pod metrics purge failed", slog.Any("error", err))
		return
	}
	if purged > 0 {
		slog.Info("pod metrics purged", slog.Int64("rows", purged))
	}
}
