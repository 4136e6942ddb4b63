package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// tokenMinter is the proxy-side token lifecycle the internal endpoints call.
type tokenMinter interface {
	Mint(ctx domain.Context, customerID, boxID string) (domain.MintedToken, error)
	Revoke(ctx domain.Context, tokenID string) error
}

// bucketReader resolves a customer's current usage bucket.
type bucketReader interface {
	CurrentBucket(ctx domain.Context, customerID string) (domain.UsageMonthly, error)
}

// InternalTokenServer serves the operator-facing token endpoints. The router
// guards every route with InternalKeyAuth.
type InternalTokenServer struct {
	Tokens  tokenMinter
	Buckets bucketReader
}

type mintRequest struct {
	CustomerID string `json:"customer_id"`
	BoxID      string `json:"box_id"`
}

type mintResponse struct {
	TokenID string `json:"token_id"`
	Token   string `json:"token"`
}

// MintHandler mints one token for a box. The raw secret appears in this
// response and nowhere else.
func (s *InternalTokenServer) MintHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mintRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		minted, err := s.Tokens.Mint(r.Context(), req.CustomerID, req.BoxID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, mintResponse{TokenID: minted.TokenID, Token: minted.Token})
	}
}

// RevokeHandler stamps a token revoked; already-revoked or unknown ids are
// 404.
func (s *InternalTokenServer) RevokeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Tokens.Revoke(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type usageResponse struct {
	CustomerID  string    `json:"customer_id"`
	TokensUsed  int64     `json:"tokens_used"`
	TokensLimit int64     `json:"tokens_limit"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// UsageHandler reports the customer's current bucket for the operator and
// support tooling.
func (s *InternalTokenServer) UsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := chi.URLParam(r, "customer_id")
		bucket, err := s.Buckets.CurrentBucket(r.Context(), customerID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, usageResponse{
			CustomerID:  bucket.CustomerID,
			TokensUsed:  bucket.TokensUsed,
			TokensLimit: bucket.TokensLimit,
			PeriodStart: bucket.PeriodStart,
			PeriodEnd:   bucket.PeriodEnd,
		})
	}
}
