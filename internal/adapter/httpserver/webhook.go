package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/adapter/stripe"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// maxWebhookBody caps the webhook payload; provider events are small.
const maxWebhookBody = 1 << 20

// eventProcessor reduces one verified provider event into store state.
type eventProcessor interface {
	Process(ctx domain.Context, ev stripe.Event) (string, error)
}

// WebhookServer terminates the billing provider's webhook. Verification
// failures are 400 so the provider stops retrying; handler failures are 500
// so it retries.
type WebhookServer struct {
	Billing   eventProcessor
	Secret    string
	Tolerance time.Duration

	// now is swapped in tests.
	Now func() time.Time
}

func (s *WebhookServer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// StripeHandler verifies the signature, parses the event and hands it to the
// reducer.
func (s *WebhookServer) StripeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
		if err := stripe.VerifySignature(payload, r.Header.Get("Stripe-Signature"), s.Secret, s.Tolerance, s.now()); err != nil {
			slog.Warn("webhook signature rejected", slog.Any("error", err))
			http.Error(w, "Invalid signature", http.StatusBadRequest)
			return
		}
		ev, err := stripe.ParseEvent(payload)
		if err != nil {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

		outcome, err := s.Billing.Process(r.Context(), ev)
		if err != nil {
			observability.ObserveWebhook(ev.Type, "error")
			slog.Error("webhook handler failed",
				slog.String("event_id", ev.ID),
				slog.String("event_type", ev.Type),
				slog.Any("error", err))
			writeError(w, r, err, nil)
			return
		}
		observability.ObserveWebhook(ev.Type, outcome)
		writeJSON(w, http.StatusOK, map[string]string{"status": outcome})
	}
}
