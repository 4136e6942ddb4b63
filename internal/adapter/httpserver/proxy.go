package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/adapter/upstream"
	"github.com/openclaw/openclaw-cloud/internal/domain"
	"github.com/openclaw/openclaw-cloud/pkg/redact"
)

// maxProxyBody caps the request body the relay will buffer.
const maxProxyBody = 10 << 20

// tokenAuthenticator resolves a raw bearer token to claims.
type tokenAuthenticator interface {
	Authenticate(ctx domain.Context, raw string) (domain.TokenClaims, error)
}

// limitChecker admits one request against the customer's monthly budget.
type limitChecker interface {
	Check(ctx domain.Context, customerID string) (domain.LimitSnapshot, error)
}

// usageEstimator approximates token counts for responses the upstream
// returned without a usage block.
type usageEstimator interface {
	Estimate(model, text string) int64
}

// ProxyServer is the metered relay in front of the vendor model API. Every
// request runs the same pipeline: authenticate, rate limit, budget check,
// forward, record usage.
type ProxyServer struct {
	Auth     tokenAuthenticator
	Limits   limitChecker
	Limiter  domain.RateLimiter
	Upstream *upstream.Client
	Usage    domain.UsageStream
	Counter  usageEstimator
}

// HealthHandler reports process liveness.
func (s *ProxyServer) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ChatCompletionsHandler relays one completion request. The body is
// forwarded verbatim with the customer's bearer swapped for the vendor key;
// the usage block of the response feeds the metering stream.
func (s *ProxyServer) ChatCompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		raw := bearerToken(r)
		if raw == "" {
			writeError(w, r, fmt.Errorf("missing bearer token: %w", domain.ErrUnauthorized), nil)
			return
		}
		claims, err := s.Auth.Authenticate(ctx, raw)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				slog.Debug("token rejected", slog.String("token", redact.Token(raw)))
			}
			writeError(w, r, err, nil)
			return
		}

		allowed, err := s.Limiter.Allow(ctx, claims.CustomerID)
		if err == nil && !allowed {
			writeRateLimited(w)
			return
		}
		// Limiter failure falls through: a broken limiter must not take the
		// relay down.

		snap, err := s.Limits.Check(ctx, claims.CustomerID)
		if err != nil {
			if errors.Is(err, domain.ErrMonthlyLimitExceeded) {
				writeMonthlyLimit(w, snap)
				return
			}
			writeError(w, r, err, nil)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
		if err != nil {
			writeError(w, r, fmt.Errorf("read body: %w", domain.ErrInvalidArgument), nil)
			return
		}

		if upstream.IsStreaming(body) {
			s.relayStream(w, r, claims, snap, body)
			return
		}
		s.relayUnary(w, r, claims, snap, body)
	}
}

func (s *ProxyServer) relayUnary(w http.ResponseWriter, r *http.Request, claims domain.TokenClaims, snap domain.LimitSnapshot, body []byte) {
	start := time.Now()
	resp, err := s.Upstream.ChatCompletions(r.Context(), body)
	if err != nil {
		observability.ObserveUpstream("unary", http.StatusBadGateway, time.Since(start))
		writeError(w, r, err, nil)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ObserveUpstream("unary", http.StatusBadGateway, time.Since(start))
		writeError(w, r, fmt.Errorf("op=proxy.relay: %w: %v", domain.ErrUpstream, err), nil)
		return
	}
	observability.ObserveUpstream("unary", resp.StatusCode, time.Since(start))

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if snap.NearLimit() {
		w.Header().Set("X-Token-Warning", "90%")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)

	if resp.StatusCode != http.StatusOK {
		return
	}
	meta := upstream.ParseUnary(respBody)
	s.recordUsage(r, claims, meta, body, string(respBody))
}

func (s *ProxyServer) relayStream(w http.ResponseWriter, r *http.Request, claims domain.TokenClaims, snap domain.LimitSnapshot, body []byte) {
	start := time.Now()
	resp, err := s.Upstream.ChatCompletions(r.Context(), body)
	if err != nil {
		observability.ObserveUpstream("stream", http.StatusBadGateway, time.Since(start))
		writeError(w, r, err, nil)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstream("stream", resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("op=proxy.relay: streaming unsupported: %w", domain.ErrInternal), nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	if snap.NearLimit() {
		w.Header().Set("X-Token-Warning", "90%")
	}
	w.WriteHeader(http.StatusOK)

	var scanner upstream.StreamScanner
	var relayed strings.Builder
	lines := bufio.NewScanner(resp.Body)
	lines.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for lines.Scan() {
		line := lines.Text()
		scanner.Observe(line)
		if relayed.Len() < 256<<10 {
			relayed.WriteString(line)
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			// Downstream went away; the deferred body close cancels upstream.
			return
		}
		flusher.Flush()
	}
	if err := lines.Err(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("stream relay interrupted", slog.Any("error", err))
	}

	s.recordUsage(r, claims, scanner.Meta(), body, relayed.String())
}

// recordUsage publishes the usage block to the metering stream after the
// response is fully relayed. Responses without a usage block are estimated
// and counted but never billed.
func (s *ProxyServer) recordUsage(r *http.Request, claims domain.TokenClaims, meta upstream.Meta, reqBody []byte, respText string) {
	if !meta.SawUsage || meta.Usage.PromptTokens+meta.Usage.CompletionTokens <= 0 {
		s.countUnmetered(reqBody, respText)
		return
	}
	observability.MeterTokens(meta.Usage.PromptTokens, meta.Usage.CompletionTokens)

	rec := domain.UsageRecord{
		CustomerID:       claims.CustomerID,
		BoxID:            claims.BoxID,
		Model:            meta.Model,
		PromptTokens:     meta.Usage.PromptTokens,
		CompletionTokens: meta.Usage.CompletionTokens,
		RequestID:        meta.ID,
		At:               time.Now().UTC(),
	}
	if rec.RequestID == "" {
		rec.RequestID = r.Header.Get("X-Request-Id")
	}
	if rec.RequestID == "" {
		rec.RequestID = uuid.New().String()
	}
	// Fire and forget: the response is already on the wire, and a lost record
	// only under-bills one request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Usage.Publish(ctx, rec); err != nil {
			slog.Error("usage publish failed",
				slog.String("customer_id", rec.CustomerID),
				slog.String("request_id", rec.RequestID),
				slog.Any("error", err))
		}
	}()
}

func (s *ProxyServer) countUnmetered(reqBody []byte, respText string) {
	if s.Counter == nil {
		return
	}
	var probe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(reqBody, &probe)
	est := s.Counter.Estimate(probe.Model, string(reqBody)) + s.Counter.Estimate(probe.Model, respText)
	if est <= 0 {
		return
	}
	observability.UnmeteredTokensTotal.Add(float64(est))
	slog.Warn("upstream response carried no usage block",
		slog.String("model", probe.Model),
		slog.Int64("estimated_tokens", est))
}
