package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// StuckJobSweeper marks audit rows stranded in running by a crashed worker
// as failed, so the audit trail stays truthful. The age threshold matches
// the per-customer lock lease: past it, no live worker can still hold the
// job.
type StuckJobSweeper struct {
	audit            domain.JobAuditRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper wires the sweeper; zero durations get safe defaults.
func NewStuckJobSweeper(audit domain.JobAuditRepository, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if audit == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		audit:            audit,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

// Run sweeps until the context is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.audit == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	const pageSize = 100

	totalChecked := 0
	totalMarkedFailed := 0

	for offset := 0; ; offset += pageSize {
		jobs, err := s.audit.ListRunningBefore(ctx, cutoff, pageSize, offset)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		totalChecked += len(jobs)
		if len(jobs) == 0 {
			break
		}

		for _, j := range jobs {
			msg := fmt.Sprintf("job exceeded maximum running age %v; marked failed by sweeper", s.maxProcessingAge)
			if err := s.audit.Finish(ctx, j.ID, domain.JobFailed, msg); err != nil {
				slog.Error("stuck job sweep failed to finish job",
					slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
			totalMarkedFailed++
		}

		if len(jobs) < pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_marked_failed", totalMarkedFailed),
	)
}
