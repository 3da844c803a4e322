package db

import (
	"context"
	"encoding/json"

	"tripbilling/internal/types"
)

// AlertRepository stores operator-visible alerts in billing_alerts.
type AlertRepository struct {
	db DBTX
}

// NewAlertRepository creates a new AlertRepository backed by the given
// database connection (pool or transaction).
func NewAlertRepository(db DBTX) *AlertRepository {
	return &AlertRepository{db: db}
}

// Insert appends an alert. Details are stored as JSONB.
func (r *AlertRepository) Insert(ctx context.Context, alert types.OperatorAlert) error {
	var details []byte
	if len(alert.Details) > 0 {
		var err error
		details, err = json.Marshal(alert.Details)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode alert details", err)
		}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_alerts (id, kind, external_event_id, subscription_id, message, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alert.ID,
		alert.Kind,
		nilIfEmpty(alert.ExternalEventID),
		nilIfEmpty(alert.SubscriptionID),
		alert.Message,
		details,
		alert.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert billing alert", err)
	}
	return nil
}

// ListRecent returns the newest alerts first.
func (r *AlertRepository) ListRecent(ctx context.Context, limit int) ([]types.OperatorAlert, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, kind, external_event_id, subscription_id, message, details, created_at
		 FROM billing_alerts
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list billing alerts", err)
	}
	defer rows.Close()

	var alerts []types.OperatorAlert
	for rows.Next() {
		var (
			a              types.OperatorAlert
			eventID, subID *string
			details        []byte
		)
		if err := rows.Scan(&a.ID, &a.Kind, &eventID, &subID, &a.Message, &details, &a.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing alert", err)
		}
		if eventID != nil {
			a.ExternalEventID = *eventID
		}
		if subID != nil {
			a.SubscriptionID = *subID
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode alert details", err)
			}
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating billing alerts", err)
	}
	return alerts, nil
}
