package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tripbilling/internal/types"
	"tripbilling/internal/webhook"
)

// Default sweep settings.
const (
	DefaultBatchLimit             = 100
	DefaultPendingReplayAfter     = time.Minute
	DefaultPendingEscalationAfter = time.Hour
	DefaultTrialReminderDays      = 3
	DefaultTrialExpiryGrace       = time.Hour
	DefaultRetentionWindow        = 90 * 24 * time.Hour
)

// ReconciliationDB holds the cross-subscription queries the sweeps start from.
// *db.ReconciliationRepository implements it.
type ReconciliationDB interface {
	ListEndedCancellations(ctx context.Context, now time.Time, limit int) ([]types.Subscription, error)
	ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]types.Subscription, error)
	DeleteCanceledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the transactional repository access the sweeps write through.
type Store interface {
	types.RepositoryRegistry
	types.TransactionManager
}

// Replayer re-applies a stored webhook event. *webhook.Processor implements it.
type Replayer interface {
	Reprocess(ctx context.Context, rec types.WebhookEventRecord) (webhook.Result, error)
}

// AlertNotifier pushes operator alerts to an external queue.
type AlertNotifier interface {
	Notify(ctx context.Context, alert types.OperatorAlert) error
}

// Settings tunes the sweeps. Zero values take the defaults above.
type Settings struct {
	BatchLimit             int
	PendingReplayAfter     time.Duration
	PendingEscalationAfter time.Duration
	TrialReminderDays      int
	TrialExpiryGrace       time.Duration
	RetentionWindow        time.Duration
	MaxAttempts            int
}

func (s Settings) withDefaults() Settings {
	if s.BatchLimit <= 0 {
		s.BatchLimit = DefaultBatchLimit
	}
	if s.PendingReplayAfter <= 0 {
		s.PendingReplayAfter = DefaultPendingReplayAfter
	}
	if s.PendingEscalationAfter <= 0 {
		s.PendingEscalationAfter = DefaultPendingEscalationAfter
	}
	if s.TrialReminderDays <= 0 {
		s.TrialReminderDays = DefaultTrialReminderDays
	}
	if s.TrialExpiryGrace < 0 {
		s.TrialExpiryGrace = 0
	}
	if s.RetentionWindow <= 0 {
		s.RetentionWindow = DefaultRetentionWindow
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = webhook.DefaultMaxAttempts
	}
	return s
}

// Reconciler runs the individual sweeps.
type Reconciler struct {
	store       Store
	queries     ReconciliationDB
	replayer    Replayer
	publisher   types.EventPublisher
	alerts      AlertNotifier
	invalidator webhook.SnapshotInvalidator
	freePlan    types.PlanCode
	settings    Settings
	newID       types.IDGenerator
	logger      *slog.Logger
}

// ReconcilerDeps groups the Reconciler's collaborators. Replayer, Alerts and
// Invalidator are optional.
type ReconcilerDeps struct {
	Store       Store
	Queries     ReconciliationDB
	Replayer    Replayer
	Publisher   types.EventPublisher
	Alerts      AlertNotifier
	Invalidator webhook.SnapshotInvalidator
	FreePlan    types.PlanCode
	IDGenerator types.IDGenerator
	Logger      *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(deps ReconcilerDeps, settings Settings) *Reconciler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &Reconciler{
		store:       deps.Store,
		queries:     deps.Queries,
		replayer:    deps.Replayer,
		publisher:   deps.Publisher,
		alerts:      deps.Alerts,
		invalidator: deps.Invalidator,
		freePlan:    deps.FreePlan,
		settings:    settings.withDefaults(),
		newID:       newID,
		logger:      logger,
	}
}

// -----------------------------------------------------------------------------
// Period-end cancellations
// -----------------------------------------------------------------------------

// ExpireEndedCancellations cancels subscriptions whose pending end-of-period
// cancellation has come due.
func (r *Reconciler) ExpireEndedCancellations(ctx context.Context, now time.Time, dryRun bool) (int, error) {
	subs, err := r.queries.ListEndedCancellations(ctx, now, r.settings.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing ended cancellations: %w", err)
	}
	if dryRun {
		r.logger.InfoContext(ctx, "dry run: period-end cancellations due", "count", len(subs))
		return len(subs), nil
	}

	done := 0
	for _, sub := range subs {
		updated, ok, err := r.transition(ctx, sub.ID, func(cur types.Subscription) (types.Subscription, error) {
			return cur.ExpireAtPeriodEnd(now)
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to expire subscription at period end",
				"subscription_id", sub.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		done++
		r.after(ctx, updated, r.event(types.EventSubscriptionCanceled, updated, now, map[string]any{
			"plan":   string(updated.PlanCode),
			"reason": "period_end",
		}))
	}

	r.logger.InfoContext(ctx, "period-end cancellation sweep complete",
		"candidates", len(subs),
		"canceled", done,
	)
	return done, nil
}

// -----------------------------------------------------------------------------
// Trial expiry
// -----------------------------------------------------------------------------

// ExpireTrials downgrades lapsed trials to the perpetual free plan. Trials are
// only picked up TrialExpiryGrace after they end, leaving the provider time to
// deliver the activation.
func (r *Reconciler) ExpireTrials(ctx context.Context, now time.Time, dryRun bool) (int, error) {
	subs, err := r.queries.ListExpiredTrials(ctx, now.Add(-r.settings.TrialExpiryGrace), r.settings.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing expired trials: %w", err)
	}
	if dryRun {
		r.logger.InfoContext(ctx, "dry run: expired trials due", "count", len(subs))
		return len(subs), nil
	}

	done := 0
	for _, sub := range subs {
		previous := sub.PlanCode
		updated, ok, err := r.transition(ctx, sub.ID, func(cur types.Subscription) (types.Subscription, error) {
			previous = cur.PlanCode
			return cur.ExpireTrial(r.freePlan, now)
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to expire trial",
				"subscription_id", sub.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		done++
		data := map[string]any{
			"previous_plan": string(previous),
			"plan":          string(updated.PlanCode),
		}
		if sub.TrialEnd != nil {
			data["trial_end"] = *sub.TrialEnd
		}
		r.after(ctx, updated, r.event(types.EventSubscriptionExpired, updated, now, data))
	}

	r.logger.InfoContext(ctx, "trial expiry sweep complete",
		"candidates", len(subs),
		"expired", done,
	)
	return done, nil
}

// -----------------------------------------------------------------------------
// Pending webhook events
// -----------------------------------------------------------------------------

// ReplayPending re-applies pending events whose subscription may have appeared
// since they were received. It returns how many left the pending state.
func (r *Reconciler) ReplayPending(ctx context.Context, now time.Time, dryRun bool) (int, error) {
	if r.replayer == nil {
		return 0, nil
	}
	recs, err := r.store.WebhookEvents().ListPending(ctx, now.Add(-r.settings.PendingReplayAfter), r.settings.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing pending events: %w", err)
	}
	if dryRun {
		r.logger.InfoContext(ctx, "dry run: pending events to replay", "count", len(recs))
		return len(recs), nil
	}

	resolved := 0
	for _, rec := range recs {
		res, err := r.replayer.Reprocess(ctx, rec)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to replay pending event",
				"event_id", rec.ExternalEventID,
				"error", err,
			)
			continue
		}
		if res.Outcome != types.OutcomePending {
			resolved++
			r.logger.InfoContext(ctx, "pending event resolved",
				"event_id", rec.ExternalEventID,
				"outcome", res.Outcome,
				"subscription_id", res.SubscriptionID,
			)
		}
	}
	return resolved, nil
}

// EscalatePending moves pending events older than PendingEscalationAfter that
// still match no subscription to the escalated outcome and raises an alert
// for each. Steady state should never produce one: an escalation means a
// subscription-created event was missed.
func (r *Reconciler) EscalatePending(ctx context.Context, now time.Time, dryRun bool) (int, error) {
	recs, err := r.store.WebhookEvents().ListPending(ctx, now.Add(-r.settings.PendingEscalationAfter), r.settings.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing pending events: %w", err)
	}
	if dryRun {
		r.logger.InfoContext(ctx, "dry run: pending events past escalation window", "count", len(recs))
		return len(recs), nil
	}

	escalated := 0
	for _, rec := range recs {
		alert, ok, err := r.escalate(ctx, rec, now)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to escalate pending event",
				"event_id", rec.ExternalEventID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		escalated++
		r.logger.ErrorContext(ctx, "webhook event escalated: no matching subscription",
			"event_id", rec.ExternalEventID,
			"event_type", rec.EventType,
			"external_subscription_id", rec.ExternalSubscriptionID,
			"received_at", rec.ReceivedAt,
		)
		if r.alerts != nil {
			if err := r.alerts.Notify(ctx, alert); err != nil {
				r.logger.WarnContext(ctx, "failed to send operator alert",
					"alert_id", alert.ID,
					"error", err,
				)
			}
		}
	}
	return escalated, nil
}

// escalate marks one record escalated and stores the alert in the same
// transaction. Events whose subscription resolves now are left for replay.
func (r *Reconciler) escalate(ctx context.Context, rec types.WebhookEventRecord, now time.Time) (types.OperatorAlert, bool, error) {
	alert := types.OperatorAlert{
		ID:              r.newID(),
		Kind:            types.AlertKindUnresolvedEvent,
		ExternalEventID: rec.ExternalEventID,
		Message:         fmt.Sprintf("%s for %s matched no subscription", rec.EventType, rec.ExternalSubscriptionID),
		Details: map[string]any{
			"event_type":               rec.EventType,
			"external_subscription_id": rec.ExternalSubscriptionID,
			"received_at":              rec.ReceivedAt,
			"attempts":                 rec.Attempts,
		},
		CreatedAt: now,
	}

	escalated := false
	err := r.store.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
		if rec.ExternalSubscriptionID != "" {
			sub, err := repos.Subscriptions().FindByExternalSubscriptionID(ctx, rec.ExternalSubscriptionID)
			if err != nil {
				return err
			}
			if sub != nil {
				return nil
			}
		}
		if err := repos.WebhookEvents().MarkOutcome(ctx, rec.ExternalEventID, types.OutcomeEscalated, now, alert.Message); err != nil {
			return err
		}
		if err := repos.Alerts().Insert(ctx, alert); err != nil {
			return err
		}
		escalated = true
		return nil
	})
	return alert, escalated, err
}

// -----------------------------------------------------------------------------
// Trial reminders
// -----------------------------------------------------------------------------

// SendTrialReminders emits trial.ending_soon once per trial for trials ending
// within TrialReminderDays.
func (r *Reconciler) SendTrialReminders(ctx context.Context, now time.Time, dryRun bool) (int, error) {
	subs, err := r.store.Subscriptions().FindEndingInDays(ctx, r.settings.TrialReminderDays, now)
	if err != nil {
		return 0, fmt.Errorf("finding trials ending soon: %w", err)
	}
	if dryRun {
		r.logger.InfoContext(ctx, "dry run: trial reminders due", "count", len(subs))
		return len(subs), nil
	}

	sent := 0
	for _, sub := range subs {
		first, err := r.store.Subscriptions().MarkTrialReminderSent(ctx, sub.ID, now)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to mark trial reminder",
				"subscription_id", sub.ID,
				"error", err,
			)
			continue
		}
		if !first {
			continue
		}
		sent++
		r.publish(ctx, webhook.TrialEndingSoonEvent(r.newID(), sub, now))
	}
	return sent, nil
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

// PurgeCanceled deletes CANCELED subscriptions, and finalized ledger rows, older
// than RetentionWindow.
func (r *Reconciler) PurgeCanceled(ctx context.Context, now time.Time, dryRun bool) (int, error) {
	cutoff := now.Add(-r.settings.RetentionWindow)
	if dryRun {
		r.logger.InfoContext(ctx, "dry run: retention purge skipped", "cutoff", cutoff.Format(time.RFC3339))
		return 0, nil
	}
	n, err := r.queries.DeleteCanceledBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging canceled subscriptions: %w", err)
	}
	r.logger.InfoContext(ctx, "retention purge complete",
		"deleted", n,
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return int(n), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// transition re-reads the subscription and applies fn under the version
// compare-and-swap. ok is false when the subscription is gone or no longer in
// a state fn accepts; that is the expected result of racing a webhook.
func (r *Reconciler) transition(ctx context.Context, id string, fn func(types.Subscription) (types.Subscription, error)) (types.Subscription, bool, error) {
	for attempt := 1; ; attempt++ {
		var (
			out     types.Subscription
			applied bool
		)
		err := r.store.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
			cur, err := repos.Subscriptions().GetByID(ctx, id)
			if err != nil || cur == nil {
				return err
			}
			next, err := fn(*cur)
			var te *types.InvalidTransitionError
			if errors.As(err, &te) {
				r.logger.DebugContext(ctx, "subscription no longer eligible",
					"subscription_id", id,
					"status", cur.Status,
				)
				return nil
			}
			if err != nil {
				return err
			}
			out, err = repos.Subscriptions().Update(ctx, next)
			applied = err == nil
			return err
		})
		if err == nil {
			return out, applied, nil
		}
		if errors.Is(err, types.ErrVersionConflict) && attempt < r.settings.MaxAttempts {
			continue
		}
		return types.Subscription{}, false, err
	}
}

func (r *Reconciler) after(ctx context.Context, sub types.Subscription, event types.DomainEvent) {
	if r.invalidator != nil {
		if err := r.invalidator.Invalidate(ctx, sub.UserID); err != nil {
			r.logger.WarnContext(ctx, "failed to invalidate entitlement snapshot",
				"user_id", sub.UserID,
				"error", err,
			)
		}
	}
	r.publish(ctx, event)
}

func (r *Reconciler) publish(ctx context.Context, event types.DomainEvent) {
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish domain event",
			"domain_event", event.Type,
			"subscription_id", event.SubscriptionID,
			"error", err,
		)
	}
}

func (r *Reconciler) event(t types.EventType, sub types.Subscription, now time.Time, data map[string]any) types.DomainEvent {
	return types.DomainEvent{
		ID:             r.newID(),
		Type:           t,
		OccurredAt:     now,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Data:           data,
	}
}
