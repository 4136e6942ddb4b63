package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openclaw/openclaw-cloud/internal/domain"
	"github.com/openclaw/openclaw-cloud/internal/usecase"
)

var validate = validator.New()

// boxLifecycle is the admin surface over the provisioning service.
type boxLifecycle interface {
	Provision(ctx domain.Context, in usecase.ProvisionInput) (usecase.ProvisionResult, error)
	Destroy(ctx domain.Context, boxID string) (string, error)
	Suspend(ctx domain.Context, boxID string) (string, error)
	Reactivate(ctx domain.Context, boxID string) (string, error)
	Update(ctx domain.Context, boxID string, in usecase.UpdateInput) (string, error)
	ChangeTier(ctx domain.Context, boxID string, tier domain.Tier) (string, error)
	Heartbeat(ctx domain.Context, customerID string) error
	ListBoxes(ctx domain.Context) ([]domain.Box, error)
	ListCustomers(ctx domain.Context) ([]domain.Customer, error)
}

// AdminServer exposes the internal control-plane API of cmd/api.
type AdminServer struct {
	Lifecycle boxLifecycle
}

// decodeValid decodes the body into dst and runs struct validation; both
// failure modes get their own status.
func decodeValid(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var details []map[string]string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				details = append(details, map[string]string{
					"field": fe.Field(),
					"rule":  fe.Tag(),
				})
			}
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Error: apiError{
			Code:    "VALIDATION",
			Message: "request validation failed",
			Details: details,
		}})
		return false
	}
	return true
}

type provisionRequest struct {
	CustomerEmail  string `json:"customer_email" validate:"required,email"`
	Tier           string `json:"tier" validate:"required,oneof=starter pro team"`
	TelegramUserID int64  `json:"telegram_user_id" validate:"required"`
	BundleID       string `json:"bundle_id,omitempty"`
	Language       string `json:"language,omitempty"`
	Model          string `json:"model,omitempty"`
	ThinkingLevel  string `json:"thinking_level,omitempty" validate:"omitempty,oneof=low medium high"`
}

// ProvisionHandler creates the store rows for a new box and enqueues the
// cluster work.
func (s *AdminServer) ProvisionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req provisionRequest
		if !decodeValid(w, r, &req) {
			return
		}
		res, err := s.Lifecycle.Provision(r.Context(), usecase.ProvisionInput{
			CustomerEmail:  req.CustomerEmail,
			Tier:           domain.Tier(req.Tier),
			TelegramUserID: req.TelegramUserID,
			BundleID:       req.BundleID,
			Language:       req.Language,
			Model:          req.Model,
			ThinkingLevel:  req.ThinkingLevel,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type jobResponse struct {
	JobID string `json:"job_id"`
}

func (s *AdminServer) action(fn func(ctx domain.Context, boxID string) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse{JobID: jobID})
	}
}

// DestroyHandler tears a box down.
func (s *AdminServer) DestroyHandler() http.HandlerFunc { return s.action(s.Lifecycle.Destroy) }

// SuspendHandler scales a box to zero.
func (s *AdminServer) SuspendHandler() http.HandlerFunc { return s.action(s.Lifecycle.Suspend) }

// ReactivateHandler wakes a suspended box.
func (s *AdminServer) ReactivateHandler() http.HandlerFunc { return s.action(s.Lifecycle.Reactivate) }

type updateRequest struct {
	TelegramUserIDs []int64 `json:"telegram_user_ids,omitempty"`
	Model           string  `json:"model,omitempty"`
	ThinkingLevel   string  `json:"thinking_level,omitempty" validate:"omitempty,oneof=low medium high"`
}

// UpdateHandler patches the mutable box spec.
func (s *AdminServer) UpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateRequest
		if !decodeValid(w, r, &req) {
			return
		}
		jobID, err := s.Lifecycle.Update(r.Context(), chi.URLParam(r, "id"), usecase.UpdateInput{
			TelegramUserIDs: req.TelegramUserIDs,
			Model:           req.Model,
			ThinkingLevel:   req.ThinkingLevel,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse{JobID: jobID})
	}
}

type tierRequest struct {
	Tier string `json:"tier" validate:"required,oneof=starter pro team"`
}

// TierHandler moves a box's subscription to a new tier.
func (s *AdminServer) TierHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tierRequest
		if !decodeValid(w, r, &req) {
			return
		}
		jobID, err := s.Lifecycle.ChangeTier(r.Context(), chi.URLParam(r, "id"), domain.Tier(req.Tier))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse{JobID: jobID})
	}
}

// ListBoxesHandler returns every box.
func (s *AdminServer) ListBoxesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		boxes, err := s.Lifecycle.ListBoxes(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"boxes": boxes})
	}
}

// ListCustomersHandler returns every customer.
func (s *AdminServer) ListCustomersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customers, err := s.Lifecycle.ListCustomers(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"customers": customers})
	}
}

type heartbeatRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
}

// HeartbeatHandler records box-agent liveness.
func (s *AdminServer) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		if !decodeValid(w, r, &req) {
			return
		}
		if err := s.Lifecycle.Heartbeat(r.Context(), req.CustomerID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"at":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}
