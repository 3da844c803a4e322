// Package handlers contains the HTTP handlers of the billing API.
//
// Each handler declares the narrow interface it needs from the domain
// services and mounts its own routes through RegisterRoutes.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tripbilling/internal/core"
	"tripbilling/internal/types"
	"tripbilling/internal/webhook"
)

// Provider payloads are small; anything larger is rejected unread.
const maxWebhookBodySize = 64 * 1024

// WebhookProcessor verifies and applies one provider delivery.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signatureHeader, secret string) (webhook.Result, error)
}

// WebhookLedger reports the event ledger state.
type WebhookLedger interface {
	CountByOutcome(ctx context.Context) (map[types.EventOutcome]int, error)
}

// StripeWebhookHandler receives provider events. It is unauthenticated; the
// Stripe-Signature header is the only proof of origin.
type StripeWebhookHandler struct {
	processor WebhookProcessor
	ledger    WebhookLedger
	secret    types.SecretString
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(processor WebhookProcessor, ledger WebhookLedger, secret types.SecretString, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{processor: processor, ledger: ledger, secret: secret, logger: logger}
}

// RegisterRoutes mounts the public delivery endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// RegisterStatusRoutes mounts the ledger status endpoint. The caller puts
// it behind the operator guard.
func (h *StripeWebhookHandler) RegisterStatusRoutes(r chi.Router) {
	r.Get("/webhooks/stripe/status", h.HandleStatus)
}

// Handle answers 401 for signature failures so the provider stops, 5xx for
// storage failures so the provider retries, and 200 for everything else,
// including events that were ignored or left pending.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationWebhookBody, "webhook payload exceeds 64KB", err))
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationWebhookBody, "failed to read webhook payload", err))
		return
	}

	// The Lambda proxy splits comma-separated headers into values.
	sigHeader := strings.Join(r.Header.Values("Stripe-Signature"), ",")
	if sigHeader == "" {
		logger.WarnContext(ctx, "webhook delivery without signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthWebhookSignature, "missing Stripe-Signature header", nil))
		return
	}

	result, err := h.processor.Process(ctx, payload, sigHeader, h.secret.Unmask())
	if err != nil {
		if strings.HasPrefix(string(types.CodeOf(err)), "auth_") {
			logger.WarnContext(ctx, "webhook signature rejected", "error", err)
		}
		core.Error(w, r, err)
		return
	}

	logger.InfoContext(ctx, "webhook event acknowledged",
		"event_id", result.EventID,
		"event_type", result.EventType,
		"outcome", result.Outcome,
		"duplicate", result.Duplicate,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

type ledgerStatus struct {
	Outcomes map[types.EventOutcome]int `json:"outcomes"`
	Total    int                        `json:"total"`
}

// HandleStatus reports how many ledger rows are in each outcome.
func (h *StripeWebhookHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.ledger.CountByOutcome(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	status := ledgerStatus{Outcomes: counts}
	for _, n := range counts {
		status.Total += n
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: status})
}
