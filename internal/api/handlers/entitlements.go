package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tripbilling/internal/billing"
	"tripbilling/internal/core"
	"tripbilling/internal/types"
)

// EntitlementService answers access questions for a user.
type EntitlementService interface {
	Entitlements(ctx context.Context, userID string, usage billing.Usage) (billing.Summary, error)
	Check(ctx context.Context, userID string, req billing.Request) (billing.Decision, error)
}

// EntitlementHandler serves the entitlement summary and single checks.
type EntitlementHandler struct {
	service   EntitlementService
	validator *core.Validator
	logger    *slog.Logger
}

// NewEntitlementHandler creates an EntitlementHandler.
func NewEntitlementHandler(service EntitlementService, validator *core.Validator, logger *slog.Logger) *EntitlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementHandler{service: service, validator: validator, logger: logger}
}

// RegisterRoutes mounts the entitlement routes.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Get("/entitlements", h.Summary)
	r.Post("/entitlements/check", h.Check)
}

// Summary handles GET /v1/entitlements. Current usage comes from the
// query string: active_trips, photos_in_trip, group_participants.
func (h *EntitlementHandler) Summary(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	usage, err := parseUsage(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	summary, err := h.service.Entitlements(r.Context(), userID, usage)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}

// Check handles POST /v1/entitlements/check. A denial is a normal 200
// response with allowed=false.
func (h *EntitlementHandler) Check(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req billing.Request
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	decision, err := h.service.Check(r.Context(), userID, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !decision.Allowed {
		types.LoggerFromContext(r.Context(), h.logger).DebugContext(r.Context(), "entitlement denied",
			"feature", decision.Feature, "reason", decision.Reason, "plan", decision.CurrentPlan)
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}

func parseUsage(r *http.Request) (billing.Usage, error) {
	q := r.URL.Query()
	var usage billing.Usage
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"active_trips", &usage.ActiveTrips},
		{"photos_in_trip", &usage.PhotosInTrip},
		{"group_participants", &usage.GroupParticipants},
	} {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return billing.Usage{}, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				f.name+" must be a non-negative integer", err, map[string]any{"field": f.name, "value": raw})
		}
		*f.dst = n
	}
	return usage, nil
}
