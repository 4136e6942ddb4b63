package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// ProvisioningService is the API shell's side of the lifecycle: it owns the
// store rows and the admissibility checks, and hands the cluster work to the
// operator through the queue. Rows are committed before the job is enqueued.
type ProvisioningService struct {
	Customers domain.CustomerRepository
	Subs      domain.SubscriptionRepository
	Boxes     domain.BoxRepository
	Usage     domain.UsageRepository
	Tokens    domain.ProxyTokenRepository
	Audit     domain.JobAuditRepository
	Queue     domain.JobQueue
}

// ProvisionInput is the validated request to create a customer box.
type ProvisionInput struct {
	CustomerEmail  string
	Tier           domain.Tier
	TelegramUserID int64
	BundleID       string
	Language       string
	Model          string
	ThinkingLevel  string
}

// ProvisionResult identifies the created rows and the enqueued job.
type ProvisionResult struct {
	CustomerID string `json:"customer_id"`
	BoxID      string `json:"box_id"`
	JobID      string `json:"job_id"`
}

// Provision creates (or reuses) the customer, then the subscription, box and
// usage bucket, and enqueues the provision job. A box past pending is a
// conflict; a pending box and its subscription are reused, so a retry after
// a partial failure converges instead of duplicating rows.
func (s *ProvisioningService) Provision(ctx domain.Context, in ProvisionInput) (ProvisionResult, error) {
	tracer := otel.Tracer("usecase.provisioning")
	ctx, span := tracer.Start(ctx, "provisioning.Provision")
	defer span.End()

	if !in.Tier.Valid() {
		return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w: tier %q", domain.ErrInvalidArgument, in.Tier)
	}
	limit, err := in.Tier.TokenLimit()
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
	}

	customer, err := s.Customers.GetByEmail(ctx, strings.ToLower(in.CustomerEmail))
	if errors.Is(err, domain.ErrNotFound) {
		customer = domain.Customer{ID: uuid.New().String(), Email: strings.ToLower(in.CustomerEmail)}
		if err := s.Customers.Create(ctx, customer); err != nil {
			return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
		}
	} else if err != nil {
		return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
	}

	// A box past pending is a real conflict. A pending one means an earlier
	// attempt stopped partway; the retry picks it up and finishes.
	var box domain.Box
	resume := false
	existing, err := s.Boxes.GetLiveByCustomer(ctx, customer.ID)
	switch {
	case err == nil && existing.Status != domain.BoxPending:
		return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: customer already has a box: %w", domain.ErrConflict)
	case err == nil:
		box, resume = existing, true
	case !errors.Is(err, domain.ErrNotFound):
		return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
	}

	// Reuse a subscription left by an earlier attempt instead of duplicating
	// it; the live-box check above guarantees no box is consuming it yet.
	sub, err := s.Subs.GetActiveByCustomer(ctx, customer.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		now := time.Now().UTC()
		sub = domain.Subscription{
			ID:         uuid.New().String(),
			CustomerID: customer.ID,
			// Internal provisioning precedes checkout; billing fills the real
			// id in when the webhook lands.
			StripeSubscriptionID: "internal-" + uuid.New().String(),
			Tier:                 in.Tier,
			Status:               domain.SubscriptionActive,
			TokensLimit:          limit,
			CurrentPeriodStart:   now,
			CurrentPeriodEnd:     now.Add(30 * 24 * time.Hour),
		}
		if err := s.Subs.Create(ctx, sub); err != nil {
			return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
		}
	case err != nil:
		return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
	case sub.Tier != in.Tier:
		if err := s.Subs.UpdatePlanByCustomer(ctx, customer.ID, in.Tier, limit); err != nil {
			return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
		}
		sub.Tier, sub.TokensLimit = in.Tier, limit
	}

	if !resume {
		box = domain.Box{
			ID:             uuid.New().String(),
			CustomerID:     customer.ID,
			SubscriptionID: sub.ID,
			Namespace:      "customer-" + customer.ID,
			Language:       defaultString(in.Language, "en"),
			Model:          defaultString(in.Model, "kimi-coding/k2p5"),
			ThinkingLevel:  defaultString(in.ThinkingLevel, "medium"),
			Status:         domain.BoxPending,
		}
		if in.TelegramUserID != 0 {
			box.TelegramUserIDs = []int64{in.TelegramUserID}
		}
		if in.BundleID != "" {
			box.BundleID = &in.BundleID
		}
		if err := s.Boxes.Create(ctx, box); err != nil {
			return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
		}
	}

	if err := s.Usage.CreateBucket(ctx, domain.UsageMonthly{
		ID:          uuid.New().String(),
		CustomerID:  customer.ID,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		TokensLimit: limit,
	}); err != nil {
		return ProvisionResult{}, fmt.Errorf("op=provisioning.provision: %w", err)
	}

	jobID, err := s.enqueueAudited(ctx, customer.ID, box.ID, domain.JobProvision, domain.ProvisionPayload{
		Tier:           in.Tier,
		SubscriptionID: sub.ID,
	})
	if err != nil {
		return ProvisionResult{}, err
	}
	return ProvisionResult{CustomerID: customer.ID, BoxID: box.ID, JobID: jobID}, nil
}

// Destroy moves the box to destroying and enqueues teardown with the live
// token id when one exists.
func (s *ProvisioningService) Destroy(ctx domain.Context, boxID string) (string, error) {
	box, err := s.Boxes.Get(ctx, boxID)
	if err != nil {
		return "", fmt.Errorf("op=provisioning.destroy: %w", err)
	}
	if !box.Status.Admits(domain.JobDestroy) {
		return "", fmt.Errorf("op=provisioning.destroy: box is %s: %w", box.Status, domain.ErrConflict)
	}
	payload := domain.DestroyPayload{}
	if token, err := s.Tokens.GetActiveByBox(ctx, box.ID); err == nil {
		payload.ProxyTokenID = token.ID
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("op=provisioning.destroy: %w", err)
	}
	if err := s.Boxes.UpdateStatus(ctx, box.ID, domain.BoxDestroying); err != nil {
		return "", fmt.Errorf("op=provisioning.destroy: %w", err)
	}
	return s.enqueueAudited(ctx, box.CustomerID, box.ID, domain.JobDestroy, payload)
}

// Suspend enqueues a suspension for an active box.
func (s *ProvisioningService) Suspend(ctx domain.Context, boxID string) (string, error) {
	box, err := s.Boxes.Get(ctx, boxID)
	if err != nil {
		return "", fmt.Errorf("op=provisioning.suspend: %w", err)
	}
	if !box.Status.Admits(domain.JobSuspend) {
		return "", fmt.Errorf("op=provisioning.suspend: box is %s: %w", box.Status, domain.ErrConflict)
	}
	return s.enqueueAudited(ctx, box.CustomerID, box.ID, domain.JobSuspend, nil)
}

// Reactivate enqueues a wake-up for a suspended box.
func (s *ProvisioningService) Reactivate(ctx domain.Context, boxID string) (string, error) {
	box, err := s.Boxes.Get(ctx, boxID)
	if err != nil {
		return "", fmt.Errorf("op=provisioning.reactivate: %w", err)
	}
	if !box.Status.Admits(domain.JobReactivate) {
		return "", fmt.Errorf("op=provisioning.reactivate: box is %s: %w", box.Status, domain.ErrConflict)
	}
	return s.enqueueAudited(ctx, box.CustomerID, box.ID, domain.JobReactivate, nil)
}

// UpdateInput is the mutable subset of a box spec.
type UpdateInput struct {
	TelegramUserIDs []int64
	Model           string
	ThinkingLevel   string
}

// Update persists the spec change and enqueues the secret patch + rollout.
func (s *ProvisioningService) Update(ctx domain.Context, boxID string, in UpdateInput) (string, error) {
	box, err := s.Boxes.Get(ctx, boxID)
	if err != nil {
		return "", fmt.Errorf("op=provisioning.update: %w", err)
	}
	if !box.Status.Admits(domain.JobUpdate) {
		return "", fmt.Errorf("op=provisioning.update: box is %s: %w", box.Status, domain.ErrConflict)
	}
	secretData := map[string]string{}
	if in.TelegramUserIDs != nil {
		ids := make([]string, 0, len(in.TelegramUserIDs))
		for _, id := range in.TelegramUserIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		secretData["TELEGRAM_ALLOW_FROM"] = strings.Join(ids, ",")
	}
	if in.Model != "" {
		secretData["OPENCLAW_MODEL"] = in.Model
	}
	if in.ThinkingLevel != "" {
		secretData["OPENCLAW_THINKING"] = in.ThinkingLevel
	}
	if len(secretData) == 0 {
		return "", fmt.Errorf("op=provisioning.update: %w: nothing to update", domain.ErrInvalidArgument)
	}
	if err := s.Boxes.UpdateSpec(ctx, box.ID, in.TelegramUserIDs, in.Model, in.ThinkingLevel); err != nil {
		return "", fmt.Errorf("op=provisioning.update: %w", err)
	}
	if err := s.Boxes.UpdateStatus(ctx, box.ID, domain.BoxUpdating); err != nil {
		return "", fmt.Errorf("op=provisioning.update: %w", err)
	}
	return s.enqueueAudited(ctx, box.CustomerID, box.ID, domain.JobUpdate, domain.UpdatePayload{SecretData: secretData})
}

// ChangeTier moves the box's subscription to a new tier and enqueues the
// resize.
func (s *ProvisioningService) ChangeTier(ctx domain.Context, boxID string, tier domain.Tier) (string, error) {
	if !tier.Valid() {
		return "", fmt.Errorf("op=provisioning.change_tier: %w: tier %q", domain.ErrInvalidArgument, tier)
	}
	box, err := s.Boxes.Get(ctx, boxID)
	if err != nil {
		return "", fmt.Errorf("op=provisioning.change_tier: %w", err)
	}
	if !box.Status.Admits(domain.JobResize) {
		return "", fmt.Errorf("op=provisioning.change_tier: box is %s: %w", box.Status, domain.ErrConflict)
	}
	sub, err := s.Subs.GetActiveByCustomer(ctx, box.CustomerID)
	if err != nil {
		return "", fmt.Errorf("op=provisioning.change_tier: %w", err)
	}
	if sub.Tier == tier {
		return "", fmt.Errorf("op=provisioning.change_tier: already on %s: %w", tier, domain.ErrConflict)
	}
	limit, err := tier.TokenLimit()
	if err != nil {
		return "", fmt.Errorf("op=provisioning.change_tier: %w", err)
	}
	if err := s.Subs.UpdatePlan(ctx, sub.ID, tier, limit, sub.StripePriceID); err != nil {
		return "", fmt.Errorf("op=provisioning.change_tier: %w", err)
	}
	if err := s.Boxes.UpdateStatus(ctx, box.ID, domain.BoxUpdating); err != nil {
		return "", fmt.Errorf("op=provisioning.change_tier: %w", err)
	}
	return s.enqueueAudited(ctx, box.CustomerID, box.ID, domain.JobResize, domain.ResizePayload{
		NewTier: tier,
		OldTier: sub.Tier,
	})
}

// Heartbeat records agent liveness for the customer's live box.
func (s *ProvisioningService) Heartbeat(ctx domain.Context, customerID string) error {
	box, err := s.Boxes.GetLiveByCustomer(ctx, customerID)
	if err != nil {
		return fmt.Errorf("op=provisioning.heartbeat: %w", err)
	}
	if err := s.Boxes.TouchSeen(ctx, box.ID); err != nil {
		return fmt.Errorf("op=provisioning.heartbeat: %w", err)
	}
	return nil
}

// ListBoxes returns every box for the admin listing.
func (s *ProvisioningService) ListBoxes(ctx domain.Context) ([]domain.Box, error) {
	return s.Boxes.List(ctx)
}

// ListCustomers returns every customer for the admin listing.
func (s *ProvisioningService) ListCustomers(ctx domain.Context) ([]domain.Customer, error) {
	return s.Customers.List(ctx)
}

// enqueueAudited writes the queued audit row, then enqueues. The row exists
// before the operator can possibly pick the job up.
func (s *ProvisioningService) enqueueAudited(ctx domain.Context, customerID, boxID string, t domain.JobType, payload any) (string, error) {
	jobID := uuid.New().String()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("op=provisioning.enqueue: %w", err)
		}
		raw = b
	}
	audit := domain.OperatorJob{
		ID:         jobID,
		CustomerID: customerID,
		Type:       t,
		Status:     domain.JobQueued,
		Payload:    raw,
	}
	if boxID != "" {
		audit.BoxID = &boxID
	}
	if err := s.Audit.Insert(ctx, audit); err != nil {
		return "", fmt.Errorf("op=provisioning.enqueue: %w", err)
	}
	if err := s.Queue.Enqueue(ctx, domain.JobEnvelope{
		JobID:      jobID,
		Type:       t,
		CustomerID: customerID,
		BoxID:      boxID,
		Payload:    raw,
	}); err != nil {
		return "", fmt.Errorf("op=provisioning.enqueue: %w", err)
	}
	return jobID, nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
