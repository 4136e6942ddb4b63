package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/adapter/stripe"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// Billing outcomes reported back to the webhook endpoint.
const (
	BillingOK      = "ok"
	BillingIgnored = "ignored"
)

// BillingService reduces verified billing events to subscription state and
// orchestrator jobs. Delivery is at-least-once, so every handler converges
// under replay: writes are skip-on-exists or re-applied, and a delivery that
// failed partway finishes on the next one.
type BillingService struct {
	Customers domain.CustomerRepository
	Subs      domain.SubscriptionRepository
	Boxes     domain.BoxRepository
	Usage     domain.UsageRepository
	Tokens    domain.ProxyTokenRepository
	Queue     domain.JobQueue
}

// Process dispatches one verified event. Unknown types are acknowledged as
// ignored; handler errors surface so the webhook returns 500 and the
// provider retries.
func (s *BillingService) Process(ctx domain.Context, ev stripe.Event) (string, error) {
	tracer := otel.Tracer("usecase.billing")
	ctx, span := tracer.Start(ctx, "billing.process")
	defer span.End()

	switch ev.Type {
	case stripe.EventCheckoutCompleted:
		return BillingOK, s.handleCheckoutCompleted(ctx, ev)
	case stripe.EventInvoicePaid:
		return BillingOK, s.handleInvoicePaid(ctx, ev)
	case stripe.EventInvoiceFailed:
		return BillingOK, s.handleInvoiceFailed(ctx, ev)
	case stripe.EventSubscriptionUpdated:
		return BillingOK, s.handleSubscriptionUpdated(ctx, ev)
	case stripe.EventSubscriptionDeleted:
		return BillingOK, s.handleSubscriptionDeleted(ctx, ev)
	default:
		slog.Debug("ignoring billing event", slog.String("type", ev.Type))
		return BillingIgnored, nil
	}
}

// handleCheckoutCompleted creates the subscription and first usage bucket,
// then enqueues provisioning. Replays of the same session settle whatever an
// earlier delivery left unfinished.
func (s *BillingService) handleCheckoutCompleted(ctx domain.Context, ev stripe.Event) error {
	var session stripe.CheckoutSession
	if err := ev.DecodeObject(&session); err != nil {
		return err
	}
	customerID := session.Metadata.OpenclawCustomerID
	if customerID == "" {
		return fmt.Errorf("op=billing.checkout: %w: missing openclaw_customer_id metadata", domain.ErrInvalidArgument)
	}
	if session.Subscription == "" {
		return fmt.Errorf("op=billing.checkout: %w: missing subscription id", domain.ErrInvalidArgument)
	}

	if existing, err := s.Subs.GetByStripeID(ctx, session.Subscription); err == nil {
		slog.Info("checkout replay, subscription exists", slog.String("stripe_subscription_id", session.Subscription))
		return s.settleCheckout(ctx, existing)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=billing.checkout: %w", err)
	}

	if session.Customer != "" {
		if err := s.Customers.SetStripeCustomerID(ctx, customerID, session.Customer); err != nil {
			return fmt.Errorf("op=billing.checkout: %w", err)
		}
	}

	tier := domain.TierStarter
	if session.Metadata.Tier != "" {
		parsed, err := domain.ParseTier(session.Metadata.Tier)
		if err != nil {
			return fmt.Errorf("op=billing.checkout: %w", err)
		}
		tier = parsed
	}
	limit, err := tier.TokenLimit()
	if err != nil {
		return fmt.Errorf("op=billing.checkout: %w", err)
	}

	start, end := periodOrDefault(session.PeriodStart, session.PeriodEnd)
	sub := domain.Subscription{
		ID:                   uuid.New().String(),
		CustomerID:           customerID,
		StripeSubscriptionID: session.Subscription,
		StripePriceID:        session.PriceID,
		Tier:                 tier,
		Status:               domain.SubscriptionActive,
		TokensLimit:          limit,
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     end,
	}
	if err := s.Subs.Create(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			won, gerr := s.Subs.GetByStripeID(ctx, session.Subscription)
			if gerr != nil {
				return fmt.Errorf("op=billing.checkout: %w", gerr)
			}
			return s.settleCheckout(ctx, won)
		}
		return fmt.Errorf("op=billing.checkout: %w", err)
	}
	return s.settleCheckout(ctx, sub)
}

// settleCheckout drives a checkout to its end state from whatever a previous
// delivery left behind. The bucket create skips an existing row, and
// provisioning is re-enqueued until the box has made it past pending. A
// duplicate provision envelope is harmless: the operator's handlers are
// idempotent and serialized per customer.
func (s *BillingService) settleCheckout(ctx domain.Context, sub domain.Subscription) error {
	if err := s.Usage.CreateBucket(ctx, domain.UsageMonthly{
		ID:          uuid.New().String(),
		CustomerID:  sub.CustomerID,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		TokensLimit: sub.TokensLimit,
	}); err != nil {
		return fmt.Errorf("op=billing.checkout: %w", err)
	}
	box, err := s.Boxes.GetLiveByCustomer(ctx, sub.CustomerID)
	if err == nil && box.Status != domain.BoxPending {
		return nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=billing.checkout: %w", err)
	}
	return s.enqueue(ctx, sub.CustomerID, "", domain.JobProvision, domain.ProvisionPayload{
		Tier:           sub.Tier,
		SubscriptionID: sub.ID,
	})
}

// handleInvoicePaid advances the billing period and reactivates a
// payment-suspended box. The subscription-create invoice is already covered
// by checkout.
func (s *BillingService) handleInvoicePaid(ctx domain.Context, ev stripe.Event) error {
	var inv stripe.Invoice
	if err := ev.DecodeObject(&inv); err != nil {
		return err
	}
	if inv.BillingReason == "subscription_create" {
		return nil
	}
	if inv.Subscription == "" {
		return nil
	}
	sub, err := s.Subs.GetByStripeID(ctx, inv.Subscription)
	if err != nil {
		return fmt.Errorf("op=billing.invoice_paid: %w", err)
	}
	startUnix, endUnix := inv.Period()
	start, end := periodOrDefault(startUnix, endUnix)
	if err := s.Subs.UpdatePeriods(ctx, sub.ID, start, end); err != nil {
		return fmt.Errorf("op=billing.invoice_paid: %w", err)
	}
	if err := s.Usage.CreateBucket(ctx, domain.UsageMonthly{
		ID:          uuid.New().String(),
		CustomerID:  sub.CustomerID,
		PeriodStart: start,
		PeriodEnd:   end,
		TokensLimit: sub.TokensLimit,
	}); err != nil {
		return fmt.Errorf("op=billing.invoice_paid: %w", err)
	}

	if sub.Status != domain.SubscriptionSuspended {
		return nil
	}
	if err := s.Subs.UpdateStatus(ctx, sub.ID, domain.SubscriptionActive); err != nil {
		return fmt.Errorf("op=billing.invoice_paid: %w", err)
	}
	box, err := s.Boxes.GetByCustomerInStatus(ctx, sub.CustomerID, domain.BoxSuspended)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=billing.invoice_paid: %w", err)
	}
	return s.enqueue(ctx, sub.CustomerID, box.ID, domain.JobReactivate, nil)
}

// handleInvoiceFailed suspends after the third failed attempt; earlier
// attempts only log.
func (s *BillingService) handleInvoiceFailed(ctx domain.Context, ev stripe.Event) error {
	var inv stripe.Invoice
	if err := ev.DecodeObject(&inv); err != nil {
		return err
	}
	if inv.AttemptCount < 3 {
		slog.Warn("invoice payment failed",
			slog.String("invoice_id", inv.ID),
			slog.Int("attempt_count", inv.AttemptCount))
		return nil
	}
	if inv.Subscription == "" {
		return nil
	}
	sub, err := s.Subs.GetByStripeID(ctx, inv.Subscription)
	if err != nil {
		return fmt.Errorf("op=billing.invoice_failed: %w", err)
	}
	if err := s.Subs.UpdateStatus(ctx, sub.ID, domain.SubscriptionSuspended); err != nil {
		return fmt.Errorf("op=billing.invoice_failed: %w", err)
	}
	box, err := s.Boxes.GetByCustomerInStatus(ctx, sub.CustomerID, domain.BoxActive, domain.BoxUnhealthy)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=billing.invoice_failed: %w", err)
	}
	return s.enqueue(ctx, sub.CustomerID, box.ID, domain.JobSuspend, nil)
}

// handleSubscriptionUpdated applies plan changes (tier, price, limit) and
// resizes the box; period-only updates skip the cluster entirely.
func (s *BillingService) handleSubscriptionUpdated(ctx domain.Context, ev stripe.Event) error {
	var obj stripe.SubscriptionObject
	if err := ev.DecodeObject(&obj); err != nil {
		return err
	}
	sub, err := s.Subs.GetByStripeID(ctx, obj.ID)
	if err != nil {
		return fmt.Errorf("op=billing.subscription_updated: %w", err)
	}

	tierStr := obj.Tier()
	if tierStr == "" || domain.Tier(tierStr) == sub.Tier {
		start, end := periodOrDefault(obj.CurrentPeriodStart, obj.CurrentPeriodEnd)
		if err := s.Subs.UpdatePeriods(ctx, sub.ID, start, end); err != nil {
			return fmt.Errorf("op=billing.subscription_updated: %w", err)
		}
		return nil
	}

	newTier, err := domain.ParseTier(tierStr)
	if err != nil {
		return fmt.Errorf("op=billing.subscription_updated: %w", err)
	}
	limit, err := newTier.TokenLimit()
	if err != nil {
		return fmt.Errorf("op=billing.subscription_updated: %w", err)
	}
	if err := s.Usage.UpdateBucketLimit(ctx, sub.CustomerID, sub.CurrentPeriodStart, limit); err != nil {
		return fmt.Errorf("op=billing.subscription_updated: %w", err)
	}

	box, err := s.Boxes.GetLiveByCustomer(ctx, sub.CustomerID)
	switch {
	case err == nil:
		if box.Status != domain.BoxDestroying {
			if err := s.enqueue(ctx, sub.CustomerID, box.ID, domain.JobResize, domain.ResizePayload{
				NewTier: newTier,
				OldTier: sub.Tier,
			}); err != nil {
				return err
			}
		}
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("op=billing.subscription_updated: %w", err)
	}

	// The plan row moves last. Until it lands the stored tier still differs
	// from the payload, so a failed delivery replays down this branch instead
	// of the periods-only one.
	if err := s.Subs.UpdatePlan(ctx, sub.ID, newTier, limit, obj.PriceID()); err != nil {
		return fmt.Errorf("op=billing.subscription_updated: %w", err)
	}
	return nil
}

// handleSubscriptionDeleted cancels the subscription and tears the box down.
func (s *BillingService) handleSubscriptionDeleted(ctx domain.Context, ev stripe.Event) error {
	var obj stripe.SubscriptionObject
	if err := ev.DecodeObject(&obj); err != nil {
		return err
	}
	sub, err := s.Subs.GetByStripeID(ctx, obj.ID)
	if err != nil {
		return fmt.Errorf("op=billing.subscription_deleted: %w", err)
	}
	if err := s.Subs.UpdateStatus(ctx, sub.ID, domain.SubscriptionCancelled); err != nil {
		return fmt.Errorf("op=billing.subscription_deleted: %w", err)
	}
	box, err := s.Boxes.GetLiveByCustomer(ctx, sub.CustomerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=billing.subscription_deleted: %w", err)
	}
	payload := domain.DestroyPayload{}
	if token, err := s.Tokens.GetActiveByBox(ctx, box.ID); err == nil {
		payload.ProxyTokenID = token.ID
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=billing.subscription_deleted: %w", err)
	}
	if err := s.Boxes.UpdateStatus(ctx, box.ID, domain.BoxDestroying); err != nil {
		return fmt.Errorf("op=billing.subscription_deleted: %w", err)
	}
	return s.enqueue(ctx, sub.CustomerID, box.ID, domain.JobDestroy, payload)
}

func (s *BillingService) enqueue(ctx domain.Context, customerID, boxID string, t domain.JobType, payload any) error {
	env := domain.JobEnvelope{
		JobID:      uuid.New().String(),
		Type:       t,
		CustomerID: customerID,
		BoxID:      boxID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("op=billing.enqueue: %w", err)
		}
		env.Payload = raw
	}
	if err := s.Queue.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("op=billing.enqueue: %w", err)
	}
	return nil
}

// periodOrDefault converts unix boundaries to UTC timestamps, substituting a
// 30-day window when the payload omitted them.
func periodOrDefault(startUnix, endUnix int64) (time.Time, time.Time) {
	if startUnix > 0 && endUnix > startUnix {
		return time.Unix(startUnix, 0).UTC(), time.Unix(endUnix, 0).UTC()
	}
	now := time.Now().UTC()
	return now, now.Add(30 * 24 * time.Hour)
}
