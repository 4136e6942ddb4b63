// Package upstream is the proxy's client for the vendor model API. It
// forwards chat-completion bodies verbatim, swapping the customer's bearer
// token for the vendor key, and extracts the usage block the metering
// pipeline bills from.
package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// Usage is the token accounting block of one completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Meta is what the metering pipeline needs from one upstream response.
type Meta struct {
	Usage    Usage
	Model    string
	ID       string
	SawUsage bool
}

// Client is the shared, pooled HTTP client for the upstream API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *Breaker
}

// NewClient constructs the client. One instance is shared per proxy process
// so the connection pool and circuit breaker are process-wide. The timeout
// bounds dial, TLS and the wait for response headers; it deliberately does
// not bound the body read, which for streamed completions stays open as long
// as the upstream keeps emitting events.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
		breaker: NewBreaker(),
	}
}

// ChatCompletions forwards one request body to the upstream completions
// endpoint. The caller owns the response body; streaming callers relay it,
// unary callers read it whole. Network failures and an open breaker both
// surface as ErrUpstream.
func (c *Client) ChatCompletions(ctx domain.Context, body []byte) (*http.Response, error) {
	if !c.breaker.ShouldAttempt() {
		return nil, fmt.Errorf("op=upstream.chat_completions: circuit open: %w", domain.ErrUpstream)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=upstream.chat_completions: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("op=upstream.chat_completions: %w: %v", domain.ErrUpstream, err)
	}
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	return resp, nil
}

// unaryBody is the subset of a completion response the meter reads.
type unaryBody struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage *Usage `json:"usage"`
}

// ParseUnary extracts metering metadata from a non-streaming 200 body.
func ParseUnary(body []byte) Meta {
	var parsed unaryBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Meta{}
	}
	meta := Meta{Model: parsed.Model, ID: parsed.ID}
	if parsed.Usage != nil {
		meta.Usage = *parsed.Usage
		meta.SawUsage = true
	}
	return meta
}

// IsStreaming reports whether the request body asked for SSE delivery.
func IsStreaming(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}
