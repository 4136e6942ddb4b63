// Package app wires the binaries together: routers, readiness checks and the
// background loops that don't belong to any one adapter.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/openclaw/openclaw-cloud/internal/adapter/httpserver"
	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func baseRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	return r
}

func mountOps(r chi.Router, ready http.HandlerFunc) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	if ready != nil {
		r.Get("/readyz", ready)
	}
}

// BuildAPIRouter constructs the control-plane shell's handler.
func BuildAPIRouter(cfg config.API, admin *httpserver.AdminServer, ready http.HandlerFunc) http.Handler {
	r := baseRouter()
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(g chi.Router) {
		g.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		g.Use(httpserver.InternalKeyAuth(cfg.InternalAPIKey))
		g.Post("/internal/provision", admin.ProvisionHandler())
		g.Post("/internal/boxes/{id}/destroy", admin.DestroyHandler())
		g.Post("/internal/boxes/{id}/suspend", admin.SuspendHandler())
		g.Post("/internal/boxes/{id}/reactivate", admin.ReactivateHandler())
		g.Patch("/internal/boxes/{id}", admin.UpdateHandler())
		g.Patch("/internal/boxes/{id}/tier", admin.TierHandler())
		g.Get("/internal/boxes", admin.ListBoxesHandler())
		g.Get("/internal/customers", admin.ListCustomersHandler())
	})

	r.Group(func(g chi.Router) {
		g.Use(httpserver.AgentSecretAuth(cfg.AgentAPISecret))
		g.Post("/agent/heartbeat", admin.HeartbeatHandler())
	})

	mountOps(r, ready)
	return httpserver.SecurityHeaders(r)
}

// BuildProxyRouter constructs the metered relay's handler. The completion
// route carries no timeout middleware; streams run as long as the upstream
// does.
func BuildProxyRouter(cfg config.Proxy, proxy *httpserver.ProxyServer, internal *httpserver.InternalTokenServer, ready http.HandlerFunc) http.Handler {
	r := baseRouter()

	r.Post("/v1/chat/completions", proxy.ChatCompletionsHandler())
	r.Get("/health", proxy.HealthHandler())

	r.Group(func(g chi.Router) {
		g.Use(httpserver.InternalKeyAuth(cfg.InternalAPIKey))
		g.Post("/internal/tokens", internal.MintHandler())
		g.Delete("/internal/tokens/{id}", internal.RevokeHandler())
		g.Get("/internal/tokens/{customer_id}/usage", internal.UsageHandler())
	})

	mountOps(r, ready)
	return r
}

// BuildOpsRouter constructs a bare operational handler for headless binaries:
// healthz, metrics and readiness only.
func BuildOpsRouter(ready http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	mountOps(r, ready)
	return r
}

// BuildBillingRouter constructs the webhook endpoint's handler.
func BuildBillingRouter(cfg config.Billing, webhook *httpserver.WebhookServer, ready http.HandlerFunc) http.Handler {
	r := baseRouter()
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))

	r.Group(func(g chi.Router) {
		g.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		g.Post("/webhooks/stripe", webhook.StripeHandler())
	})

	mountOps(r, ready)
	return httpserver.SecurityHeaders(r)
}
