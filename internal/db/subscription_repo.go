package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tripbilling/internal/types"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

const subscriptionColumns = `id, user_id, plan_code, status, external_subscription_id, external_customer_id,
	current_period_start, current_period_end, is_perpetual, cancel_at_period_end, canceled_at,
	trial_start, trial_end, trial_reminder_sent_at, last_event_at, version, created_at, updated_at`

// SubscriptionRepository persists the subscription aggregate.
//
// Every write is a compare-and-swap on the version column: Update only
// succeeds when the stored version equals the one the caller read, and bumps
// it by one. The partial unique index subscriptions_one_open_per_user keeps a
// user to a single non-canceled subscription.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by
// the given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a new subscription at version 1.
func (r *SubscriptionRepository) Create(ctx context.Context, sub types.Subscription) (types.Subscription, error) {
	sub.Version = 1
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		sub.ID,
		sub.UserID,
		string(sub.PlanCode),
		string(sub.Status),
		nilIfEmpty(sub.ExternalSubscriptionID),
		nilIfEmpty(sub.ExternalCustomerID),
		sub.CurrentPeriodStart,
		nilIfZeroTime(sub.CurrentPeriodEnd),
		sub.IsPerpetual,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.TrialStart,
		sub.TrialEnd,
		sub.TrialReminderSentAt,
		sub.LastEventAt,
		sub.Version,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return types.Subscription{}, types.NewAppError(
				types.ErrCodeConflictSubscriptionExists,
				"user already has an open subscription",
				err,
			)
		}
		return types.Subscription{}, types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return sub, nil
}

// GetByID returns the subscription or nil when it does not exist.
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`,
		id,
	)
	return r.scanOptional(row, "failed to get subscription")
}

// FindActiveByUserID returns the user's newest non-canceled subscription.
// INACTIVE placeholders count: a user waiting on provider confirmation
// already has a subscription in flight.
func (r *SubscriptionRepository) FindActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1 AND status <> 'CANCELED'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
	)
	return r.scanOptional(row, "failed to find subscription for user")
}

// FindByExternalSubscriptionID resolves a provider reference.
func (r *SubscriptionRepository) FindByExternalSubscriptionID(ctx context.Context, externalID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`,
		externalID,
	)
	return r.scanOptional(row, "failed to find subscription by external id")
}

// FindEndingInDays returns unreminded trials ending in (now, now+days].
func (r *SubscriptionRepository) FindEndingInDays(ctx context.Context, days int, now time.Time) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = 'TRIALING'
		   AND trial_reminder_sent_at IS NULL
		   AND trial_end > $1
		   AND trial_end <= $2
		 ORDER BY trial_end ASC`,
		now,
		now.Add(time.Duration(days)*24*time.Hour),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query ending trials", err)
	}
	return collectSubscriptions(rows)
}

// Update writes every mutable column of sub guarded by its version. The
// trial reminder column is excluded; MarkTrialReminderSent owns it.
func (r *SubscriptionRepository) Update(ctx context.Context, sub types.Subscription) (types.Subscription, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan_code = $3,
		     status = $4,
		     external_subscription_id = $5,
		     external_customer_id = $6,
		     current_period_start = $7,
		     current_period_end = $8,
		     is_perpetual = $9,
		     cancel_at_period_end = $10,
		     canceled_at = $11,
		     trial_start = $12,
		     trial_end = $13,
		     last_event_at = $14,
		     updated_at = $15,
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		sub.ID,
		sub.Version,
		string(sub.PlanCode),
		string(sub.Status),
		nilIfEmpty(sub.ExternalSubscriptionID),
		nilIfEmpty(sub.ExternalCustomerID),
		sub.CurrentPeriodStart,
		nilIfZeroTime(sub.CurrentPeriodEnd),
		sub.IsPerpetual,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.TrialStart,
		sub.TrialEnd,
		sub.LastEventAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return types.Subscription{}, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.Subscription{}, types.ErrVersionConflict
	}
	sub.Version++
	return sub, nil
}

// MarkTrialReminderSent sets trial_reminder_sent_at if it is still NULL.
func (r *SubscriptionRepository) MarkTrialReminderSent(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET trial_reminder_sent_at = $2
		 WHERE id = $1 AND trial_reminder_sent_at IS NULL`,
		id,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark trial reminder", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SubscriptionRepository) scanOptional(row pgx.Row, msg string) (*types.Subscription, error) {
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, msg, err)
	}
	return sub, nil
}

// scanSubscription reads one row in subscriptionColumns order.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		s                         types.Subscription
		plan, status              string
		externalSub, externalCust *string
		periodEnd                 *time.Time
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&plan,
		&status,
		&externalSub,
		&externalCust,
		&s.CurrentPeriodStart,
		&periodEnd,
		&s.IsPerpetual,
		&s.CancelAtPeriodEnd,
		&s.CanceledAt,
		&s.TrialStart,
		&s.TrialEnd,
		&s.TrialReminderSentAt,
		&s.LastEventAt,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.PlanCode = types.PlanCode(plan)
	s.Status = types.SubscriptionStatus(status)
	if externalSub != nil {
		s.ExternalSubscriptionID = *externalSub
	}
	if externalCust != nil {
		s.ExternalCustomerID = *externalCust
	}
	if periodEnd != nil {
		s.CurrentPeriodEnd = *periodEnd
	}
	return &s, nil
}

func collectSubscriptions(rows pgx.Rows) ([]types.Subscription, error) {
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("error iterating subscription rows: %v", err), err)
	}
	return subs, nil
}
