package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// Event types the reducer handles; anything else is acknowledged and
// ignored.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Event is the outer webhook envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes the outer envelope.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("op=stripe.parse_event: %w: %v", domain.ErrInvalidArgument, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("op=stripe.parse_event: %w: missing event type", domain.ErrInvalidArgument)
	}
	return ev, nil
}

// CheckoutSession is the object of checkout.session.completed.
type CheckoutSession struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Metadata     struct {
		OpenclawCustomerID string `json:"openclaw_customer_id"`
		Tier               string `json:"tier"`
	} `json:"metadata"`
	// Period boundaries forwarded from the subscription at session
	// expansion time; zero when the producer omitted them.
	PeriodStart int64 `json:"current_period_start"`
	PeriodEnd   int64 `json:"current_period_end"`
	PriceID     string `json:"price_id"`
}

// Invoice is the object of invoice.payment_succeeded / payment_failed.
type Invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	AttemptCount  int    `json:"attempt_count"`
	PeriodStart   int64  `json:"period_start"`
	PeriodEnd     int64  `json:"period_end"`
	Lines         struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// Period returns the invoice's covered period, preferring the line item's
// boundaries when present.
func (in Invoice) Period() (start, end int64) {
	if len(in.Lines.Data) > 0 && in.Lines.Data[0].Period.End > 0 {
		return in.Lines.Data[0].Period.Start, in.Lines.Data[0].Period.End
	}
	return in.PeriodStart, in.PeriodEnd
}

// SubscriptionObject is the object of customer.subscription.updated /
// deleted.
type SubscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID       string `json:"id"`
				Metadata struct {
					Tier string `json:"tier"`
				} `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata struct {
		Tier string `json:"tier"`
	} `json:"metadata"`
}

// Tier returns the plan tag from the price metadata, falling back to the
// subscription metadata.
func (s SubscriptionObject) Tier() string {
	if len(s.Items.Data) > 0 && s.Items.Data[0].Price.Metadata.Tier != "" {
		return s.Items.Data[0].Price.Metadata.Tier
	}
	return s.Metadata.Tier
}

// PriceID returns the active price id when the payload carries one.
func (s SubscriptionObject) PriceID() string {
	if len(s.Items.Data) > 0 {
		return s.Items.Data[0].Price.ID
	}
	return ""
}

// DecodeObject unmarshals the event's inner object into v.
func (e Event) DecodeObject(v any) error {
	if err := json.Unmarshal(e.Data.Object, v); err != nil {
		return fmt.Errorf("op=stripe.decode_object: %w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
