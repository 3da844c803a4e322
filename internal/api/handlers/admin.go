package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tripbilling/internal/core"
	"tripbilling/internal/db"
	"tripbilling/internal/types"
)

// StatsSource aggregates subscriptions for the operator view.
type StatsSource interface {
	CountByStatusAndPlan(ctx context.Context) ([]db.StatusPlanCount, error)
}

// RetentionPurger deletes CANCELED subscriptions past the retention window.
type RetentionPurger interface {
	PurgeCanceled(ctx context.Context, now time.Time, dryRun bool) (int, error)
}

// AlertLister reads recent operator alerts.
type AlertLister interface {
	ListRecent(ctx context.Context, limit int) ([]types.OperatorAlert, error)
}

// AdminHandler serves operator endpoints. Routes are mounted behind
// core.AdminTokenMiddleware by the caller.
type AdminHandler struct {
	stats  StatsSource
	purger RetentionPurger
	alerts AlertLister
	clock  types.Clock
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(stats StatsSource, purger RetentionPurger, alerts AlertLister, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{stats: stats, purger: purger, alerts: alerts, clock: types.RealClock{}, logger: logger}
}

// RegisterRoutes mounts /admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/alerts", h.Alerts)
		r.Post("/cleanup", h.Cleanup)
	})
}

type statsResponse struct {
	Total    int                              `json:"total"`
	ByStatus map[types.SubscriptionStatus]int `json:"by_status"`
	ByPlan   map[types.PlanCode]int           `json:"by_plan"`
	Rows     []db.StatusPlanCount             `json:"rows"`
}

// Stats handles GET /v1/admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	rows, err := h.stats.CountByStatusAndPlan(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	resp := statsResponse{
		ByStatus: make(map[types.SubscriptionStatus]int),
		ByPlan:   make(map[types.PlanCode]int),
		Rows:     rows,
	}
	if resp.Rows == nil {
		resp.Rows = []db.StatusPlanCount{}
	}
	for _, row := range rows {
		resp.Total += row.Count
		resp.ByStatus[row.Status] += row.Count
		resp.ByPlan[row.Plan] += row.Count
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// Alerts handles GET /v1/admin/alerts?limit=N.
func (h *AdminHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAlertLimit {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				"limit must be between 1 and 500", err, map[string]any{"limit": raw}))
			return
		}
		limit = n
	}
	alerts, err := h.alerts.ListRecent(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []types.OperatorAlert{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: alerts})
}

type cleanupResponse struct {
	Purged int  `json:"purged"`
	DryRun bool `json:"dry_run"`
}

// Cleanup handles POST /v1/admin/cleanup?dry_run=true.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		var err error
		if dryRun, err = strconv.ParseBool(raw); err != nil {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				"dry_run must be a boolean", err, map[string]any{"dry_run": raw}))
			return
		}
	}

	n, err := h.purger.PurgeCanceled(r.Context(), h.clock.Now(), dryRun)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalDB, "retention cleanup failed", err))
		return
	}
	types.LoggerFromContext(r.Context(), h.logger).InfoContext(r.Context(), "admin retention cleanup",
		"purged", n, "dry_run", dryRun)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: cleanupResponse{Purged: n, DryRun: dryRun}})
}
