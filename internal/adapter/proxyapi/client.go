// Package proxyapi is the operator's client for the token proxy's internal
// token API. Both sides authenticate with the shared internal key.
package proxyapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// Client implements domain.TokenIssuer over HTTP.
type Client struct {
	baseURL     string
	internalKey string
	http        *http.Client
}

// New constructs the issuer client against the proxy base URL.
func New(baseURL, internalKey string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
	}
}

// Mint asks the proxy to create a token for the box. The raw secret in the
// response is handed straight into the box secret and never persisted.
func (c *Client) Mint(ctx domain.Context, customerID, boxID string) (domain.MintedToken, error) {
	body, err := json.Marshal(map[string]string{
		"customer_id": customerID,
		"box_id":      boxID,
	})
	if err != nil {
		return domain.MintedToken{}, fmt.Errorf("op=proxyapi.mint: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/tokens", bytes.NewReader(body))
	if err != nil {
		return domain.MintedToken{}, fmt.Errorf("op=proxyapi.mint: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", c.internalKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.MintedToken{}, fmt.Errorf("op=proxyapi.mint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return domain.MintedToken{}, fmt.Errorf("op=proxyapi.mint: status %d: %w", resp.StatusCode, statusErr(resp.StatusCode))
	}
	var minted domain.MintedToken
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&minted); err != nil {
		return domain.MintedToken{}, fmt.Errorf("op=proxyapi.mint: decode: %w", err)
	}
	if minted.TokenID == "" || minted.Token == "" {
		return domain.MintedToken{}, fmt.Errorf("op=proxyapi.mint: incomplete response: %w", domain.ErrInternal)
	}
	return minted, nil
}

// Revoke deletes a token by id. A 404 means the token is already gone, which
// is success for the caller.
func (c *Client) Revoke(ctx domain.Context, tokenID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/internal/tokens/"+tokenID, nil)
	if err != nil {
		return fmt.Errorf("op=proxyapi.revoke: %w", err)
	}
	req.Header.Set("X-Internal-Key", c.internalKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=proxyapi.revoke: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("op=proxyapi.revoke: status %d: %w", resp.StatusCode, statusErr(resp.StatusCode))
	}
}

func statusErr(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	default:
		return domain.ErrInternal
	}
}
