package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tripbilling/internal/core"
	"tripbilling/internal/subscription"
	"tripbilling/internal/types"
)

// SubscriptionService is the subset of subscription.Service used over HTTP.
type SubscriptionService interface {
	ListPlans() []types.Plan
	Start(ctx context.Context, in subscription.StartInput) (types.Subscription, error)
	ChangePlan(ctx context.Context, in subscription.ChangePlanInput) (types.Subscription, error)
	Cancel(ctx context.Context, userID, subscriptionID string, immediate bool) (types.Subscription, error)
	Get(ctx context.Context, userID string) (types.Subscription, error)
	Invoices(ctx context.Context, userID string) ([]types.Invoice, error)
}

// SubscriptionHandler serves plan listing and the subscription lifecycle.
type SubscriptionHandler struct {
	service   SubscriptionService
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(service SubscriptionService, validator *core.Validator, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{service: service, validator: validator, logger: logger}
}

// RegisterPublicRoutes mounts the routes that need no caller identity.
func (h *SubscriptionHandler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/plans", h.ListPlans)
}

// RegisterRoutes mounts the user-scoped subscription routes.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/current", h.Current)
		r.Get("/invoices", h.Invoices)
		r.Post("/", h.Start)
		r.Put("/{id}", h.ChangePlan)
		r.Delete("/{id}", h.Cancel)
	})
}

// ListPlans handles GET /v1/plans.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: h.service.ListPlans()})
}

// Current handles GET /v1/subscriptions/current. A user without a
// subscription gets 404.
func (h *SubscriptionHandler) Current(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	sub, err := h.service.Get(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// Start handles POST /v1/subscriptions.
func (h *SubscriptionHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var in subscription.StartInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(in); err != nil {
		core.Error(w, r, err)
		return
	}
	in.UserID = userID

	sub, err := h.service.Start(r.Context(), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	types.LoggerFromContext(r.Context(), h.logger).InfoContext(r.Context(), "subscription started",
		"subscription_id", sub.ID, "plan", sub.PlanCode, "status", sub.Status)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sub})
}

// ChangePlan handles PUT /v1/subscriptions/{id}.
func (h *SubscriptionHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var in subscription.ChangePlanInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(in); err != nil {
		core.Error(w, r, err)
		return
	}
	in.UserID = userID
	in.SubscriptionID = chi.URLParam(r, "id")

	sub, err := h.service.ChangePlan(r.Context(), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// Cancel handles DELETE /v1/subscriptions/{id}. The default is a
// cancellation at period end; ?immediate=true ends access now.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	immediate := false
	if raw := r.URL.Query().Get("immediate"); raw != "" {
		immediate, err = strconv.ParseBool(raw)
		if err != nil {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				"immediate must be a boolean", err, map[string]any{"immediate": raw}))
			return
		}
	}

	sub, err := h.service.Cancel(r.Context(), userID, chi.URLParam(r, "id"), immediate)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// Invoices handles GET /v1/subscriptions/invoices.
func (h *SubscriptionHandler) Invoices(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	invoices, err := h.service.Invoices(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []types.Invoice{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: invoices})
}
