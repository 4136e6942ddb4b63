// Package usecase contains the control-plane services: the operator's job
// dispatcher and lifecycle handlers, the billing reducer, and the proxy's
// token, limit and usage services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/adapter/queue/redisq"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// OperatorSettings carries the environment the handlers bake into box
// secrets, plus the rollout budgets.
type OperatorSettings struct {
	TokenProxyURL    string
	TelegramBotToken string
	GatewayImage     string
	NangoServerURL   string
	NangoSecretKey   string
	AgentAPISecret   string
	APIURL           string
	WebURL           string
	BrowserProxyURL  string
	PodReadyTimeout  time.Duration
	RolloutTimeout   time.Duration
}

// OperatorService consumes the job queue and drives box lifecycle against
// the cluster. All mutations for one customer run under that customer's
// lock.
type OperatorService struct {
	Boxes    domain.BoxRepository
	Subs     domain.SubscriptionRepository
	Conns    domain.ConnectionRepository
	Tokens   domain.TokenIssuer
	Cluster  domain.Cluster
	Audit    domain.JobAuditRepository
	Locker   domain.Locker
	Settings OperatorSettings
}

// jobSource is the consumer side of the queue; satisfied by redisq.Consumer.
type jobSource interface {
	Recover(ctx domain.Context) (int, error)
	Next(ctx domain.Context) (*redisq.Message, error)
	Ack(ctx domain.Context, m *redisq.Message) error
}

// Run drains the queue until ctx is cancelled. Leftovers from a crashed
// worker are recovered first. Handler errors never escape: they become
// failed audit rows and the envelope is acked.
func (s *OperatorService) Run(ctx domain.Context, src jobSource) error {
	n, err := src.Recover(ctx)
	if err != nil {
		return fmt.Errorf("op=operator.run: %w", err)
	}
	if n > 0 {
		slog.Info("recovered in-flight jobs", slog.Int("count", n))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("queue pop failed, backing off", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}
		s.process(ctx, msg.Envelope)
		if err := src.Ack(ctx, msg); err != nil {
			slog.Error("job ack failed", slog.String("job_id", msg.Envelope.JobID), slog.Any("error", err))
		}
	}
}

// process runs one envelope end to end: lock, audit, handler, audit, unlock.
func (s *OperatorService) process(ctx domain.Context, env domain.JobEnvelope) {
	tracer := otel.Tracer("usecase.operator")
	ctx, span := tracer.Start(ctx, "operator.process")
	defer span.End()

	log := slog.With(
		slog.String("job_id", env.JobID),
		slog.String("type", string(env.Type)),
		slog.String("customer_id", env.CustomerID),
	)
	if !env.Type.Known() {
		log.Error("unknown job type, dropping")
		return
	}

	lockStart := time.Now()
	lease, err := s.Locker.Acquire(ctx, env.CustomerID)
	if err != nil {
		// The producer is at-least-once; a held lock means another worker is
		// already on this customer, so the envelope is safe to drop.
		log.Warn("customer lock unavailable, dropping envelope", slog.Any("error", err))
		return
	}
	observability.LockAcquireDuration.Observe(time.Since(lockStart).Seconds())
	defer func() {
		if err := lease.Release(ctx); err != nil {
			log.Warn("lock release failed", slog.Any("error", err))
		}
	}()

	audit := domain.OperatorJob{
		ID:         env.JobID,
		CustomerID: env.CustomerID,
		Type:       env.Type,
		Payload:    env.Payload,
	}
	if env.BoxID != "" {
		audit.BoxID = &env.BoxID
	}
	if err := s.Audit.MarkRunning(ctx, audit); err != nil {
		log.Error("audit mark-running failed", slog.Any("error", err))
	}
	observability.StartProcessingJob(string(env.Type))

	if err := s.dispatch(ctx, env); err != nil {
		log.Error("job failed", slog.Any("error", err))
		observability.FailJob(string(env.Type))
		errLog := fmt.Sprintf("%v\n%s", err, debug.Stack())
		if aerr := s.Audit.Finish(ctx, env.JobID, domain.JobFailed, errLog); aerr != nil {
			log.Error("audit finish failed", slog.Any("error", aerr))
		}
		return
	}
	observability.CompleteJob(string(env.Type))
	if err := s.Audit.Finish(ctx, env.JobID, domain.JobComplete, ""); err != nil {
		log.Error("audit finish failed", slog.Any("error", err))
	}
	log.Info("job complete")
}

func (s *OperatorService) dispatch(ctx domain.Context, env domain.JobEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op=operator.dispatch: panic: %v", r)
		}
	}()
	switch env.Type {
	case domain.JobProvision:
		return s.handleProvision(ctx, env)
	case domain.JobUpdate:
		return s.handleUpdate(ctx, env)
	case domain.JobUpdateConnections:
		return s.handleUpdateConnections(ctx, env)
	case domain.JobDestroy:
		return s.handleDestroy(ctx, env)
	case domain.JobSuspend:
		return s.handleSuspend(ctx, env)
	case domain.JobReactivate:
		return s.handleReactivate(ctx, env)
	case domain.JobResize:
		return s.handleResize(ctx, env)
	case domain.JobHealthCheck:
		return s.handleHealthCheck(ctx, env)
	default:
		return fmt.Errorf("op=operator.dispatch: %w: job type %q", domain.ErrInvalidArgument, env.Type)
	}
}

// liveBox resolves the envelope to the customer's non-destroyed box,
// preferring the explicit box id when the producer set one.
func (s *OperatorService) liveBox(ctx domain.Context, env domain.JobEnvelope) (domain.Box, error) {
	if env.BoxID != "" {
		box, err := s.Boxes.Get(ctx, env.BoxID)
		if err == nil {
			return box, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Box{}, err
		}
	}
	return s.Boxes.GetLiveByCustomer(ctx, env.CustomerID)
}
