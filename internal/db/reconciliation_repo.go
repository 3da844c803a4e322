package db

import (
	"context"
	"time"

	"tripbilling/internal/types"
)

// StatusPlanCount is one row of the admin statistics.
type StatusPlanCount struct {
	Status types.SubscriptionStatus `json:"status"`
	Plan   types.PlanCode           `json:"plan"`
	Count  int                      `json:"count"`
}

// ReconciliationRepository holds the queries behind the reconciler sweeps
// and the admin endpoints. Candidate queries only select; the sweeps apply
// transitions through SubscriptionRepository.Update so every write keeps
// the version guard.
type ReconciliationRepository struct {
	db DBTX
}

// NewReconciliationRepository creates a new ReconciliationRepository backed
// by the given database connection (pool or transaction).
func NewReconciliationRepository(db DBTX) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// ListEndedCancellations returns live subscriptions flagged to cancel at
// period end whose period has elapsed.
func (r *ReconciliationRepository) ListEndedCancellations(ctx context.Context, now time.Time, limit int) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE cancel_at_period_end = TRUE
		   AND status IN ('ACTIVE', 'TRIALING', 'PAST_DUE')
		   AND current_period_end IS NOT NULL
		   AND current_period_end < $1
		 ORDER BY current_period_end ASC
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ended cancellations", err)
	}
	return collectSubscriptions(rows)
}

// ListExpiredTrials returns TRIALING subscriptions whose trial has ended.
func (r *ReconciliationRepository) ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = 'TRIALING'
		   AND trial_end IS NOT NULL
		   AND trial_end <= $1
		 ORDER BY trial_end ASC
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired trials", err)
	}
	return collectSubscriptions(rows)
}

// DeleteCanceledBefore removes CANCELED subscriptions last touched before
// cutoff, together with finalized ledger rows older than cutoff.
func (r *ReconciliationRepository) DeleteCanceledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM subscriptions WHERE status = 'CANCELED' AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete canceled subscriptions", err)
	}

	if _, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events
		 WHERE outcome NOT IN ('received', 'pending') AND received_at < $1`,
		cutoff,
	); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete old webhook events", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatusAndPlan aggregates subscriptions for the admin stats view.
func (r *ReconciliationRepository) CountByStatusAndPlan(ctx context.Context) ([]StatusPlanCount, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, plan_code, COUNT(*) FROM subscriptions
		 GROUP BY status, plan_code
		 ORDER BY status, plan_code`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count subscriptions", err)
	}
	defer rows.Close()

	var out []StatusPlanCount
	for rows.Next() {
		var (
			status, plan string
			n            int
		)
		if err := rows.Scan(&status, &plan, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription count", err)
		}
		out = append(out, StatusPlanCount{
			Status: types.SubscriptionStatus(status),
			Plan:   types.PlanCode(plan),
			Count:  n,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription counts", err)
	}
	return out, nil
}
