// Package httpserver contains the HTTP handlers and middleware shared by the
// control-plane binaries: the metered proxy surface, the internal token
// endpoints, the billing webhook and the admin API.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

// limitBody is the 429 shape; used and limit are present only for monthly
// budget rejections.
type limitBody struct {
	Type  string `json:"type"`
	Used  *int64 `json:"used,omitempty"`
	Limit *int64 `json:"limit,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrMonthlyLimitExceeded):
		code = http.StatusTooManyRequests
		codeStr = "MONTHLY_LIMIT_EXCEEDED"
	case errors.Is(err, domain.ErrUpstream):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// writeRateLimited emits the proxy's 429 for the per-second bucket.
func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, limitBody{Type: "rate_limited"})
}

// writeMonthlyLimit emits the proxy's 429 for an exhausted monthly budget.
// A zero-valued snapshot (no bucket found) omits the counters.
func writeMonthlyLimit(w http.ResponseWriter, snap domain.LimitSnapshot) {
	body := limitBody{Type: "monthly_limit_exceeded"}
	if snap.Limit > 0 {
		used, limit := snap.Used, snap.Limit
		body.Used = &used
		body.Limit = &limit
	}
	writeJSON(w, http.StatusTooManyRequests, body)
}
