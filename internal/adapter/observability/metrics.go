package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_jobs_enqueued_total",
			Help: "Total number of operator jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "operator_jobs_processing",
			Help: "Number of operator jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_jobs_completed_total",
			Help: "Total number of operator jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_jobs_failed_total",
			Help: "Total number of operator jobs failed",
		},
		[]string{"type"},
	)
	LockAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "operator_lock_acquire_seconds",
			Help:    "Time spent waiting for the per-customer lock",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 30},
		},
	)
	PodMetricsScrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_pod_metrics_scrapes_total",
			Help: "Total pod-metrics collection passes by outcome",
		},
		[]string{"status"},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_upstream_requests_total",
			Help: "Total requests forwarded to the upstream model API",
		},
		[]string{"mode", "status"},
	)
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_upstream_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)
	TokensMeteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_tokens_metered_total",
			Help: "Tokens metered from upstream usage blocks",
		},
		[]string{"direction"},
	)
	UnmeteredTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_unmetered_tokens_total",
			Help: "Estimated tokens for responses the upstream returned without a usage block; never billed",
		},
	)
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_rate_limited_total",
			Help: "Requests rejected by the per-customer rate limiter",
		},
	)
	LimitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_monthly_limit_rejected_total",
			Help: "Requests rejected because the monthly token limit was reached",
		},
	)
	UsageEventsFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_usage_events_flushed_total",
			Help: "Usage events persisted by the stream consumer",
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Stripe webhook events by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(LockAcquireDuration)
	prometheus.MustRegister(PodMetricsScrapesTotal)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(TokensMeteredTotal)
	prometheus.MustRegister(UnmeteredTokensTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(LimitRejectedTotal)
	prometheus.MustRegister(UsageEventsFlushedTotal)
	prometheus.MustRegister(WebhookEventsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// ObserveUpstream records one forwarded request to the model API.
func ObserveUpstream(mode string, status int, dur time.Duration) {
	UpstreamRequestsTotal.WithLabelValues(mode, strconv.Itoa(status)).Inc()
	UpstreamRequestDuration.WithLabelValues(mode).Observe(dur.Seconds())
}

// MeterTokens records tokens reported by an upstream usage block.
func MeterTokens(prompt, completion int64) {
	if prompt > 0 {
		TokensMeteredTotal.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		TokensMeteredTotal.WithLabelValues("completion").Add(float64(completion))
	}
}

// ObserveWebhook records one processed Stripe event.
func ObserveWebhook(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}
