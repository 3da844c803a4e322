package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"tripbilling/internal/types"
)

const webhookEventColumns = `event_id, event_type, external_subscription_id, outcome, payload,
	provider_created_at, received_at, processed_at, attempts, last_error`

// WebhookEventRepository is the dedup ledger for provider events, keyed by
// the provider's event ID. Raw payloads are stored zstd-compressed so pending
// events can be replayed without asking the provider again.
type WebhookEventRepository struct {
	db    DBTX
	codec *PayloadCodec
}

// NewWebhookEventRepository creates a new WebhookEventRepository backed by
// the given database connection (pool or transaction).
func NewWebhookEventRepository(db DBTX, codec *PayloadCodec) *WebhookEventRepository {
	return &WebhookEventRepository{db: db, codec: codec}
}

// InsertIfAbsent inserts rec or, when the event ID is already present, locks
// and returns the stored row. The FOR UPDATE lock serializes concurrent
// deliveries of one event until the first transaction finishes.
func (r *WebhookEventRepository) InsertIfAbsent(ctx context.Context, rec types.WebhookEventRecord) (types.WebhookEventRecord, bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (`+webhookEventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, 0, NULL)
		 ON CONFLICT (event_id) DO NOTHING`,
		rec.ExternalEventID,
		rec.EventType,
		nilIfEmpty(rec.ExternalSubscriptionID),
		string(rec.Outcome),
		r.codec.Compress(rec.Payload),
		rec.ProviderCreatedAt,
		rec.ReceivedAt,
	)
	if err != nil {
		return types.WebhookEventRecord{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	if tag.RowsAffected() > 0 {
		return rec, true, nil
	}

	existing, err := r.scanRecord(r.db.QueryRow(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE event_id = $1 FOR UPDATE`,
		rec.ExternalEventID,
	))
	if err != nil {
		return types.WebhookEventRecord{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to load existing webhook event", err)
	}
	return existing, false, nil
}

// MarkOutcome records the result of a processing attempt and counts it.
func (r *WebhookEventRepository) MarkOutcome(ctx context.Context, eventID string, outcome types.EventOutcome, at time.Time, lastErr string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET outcome = $2, processed_at = $3, attempts = attempts + 1, last_error = $4
		 WHERE event_id = $1`,
		eventID,
		string(outcome),
		at,
		nilIfEmpty(lastErr),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event outcome", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "webhook event not found: "+eventID, nil)
	}
	return nil
}

// ListPending returns pending events received before olderThan, oldest first.
func (r *WebhookEventRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]types.WebhookEventRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		 WHERE outcome = 'pending' AND received_at < $1
		 ORDER BY received_at ASC
		 LIMIT $2`,
		olderThan,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending webhook events", err)
	}
	defer rows.Close()

	var out []types.WebhookEventRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating webhook events", err)
	}
	return out, nil
}

// CountByOutcome reports the ledger size per outcome.
func (r *WebhookEventRepository) CountByOutcome(ctx context.Context) (map[types.EventOutcome]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT outcome, COUNT(*) FROM webhook_events GROUP BY outcome`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count webhook events", err)
	}
	defer rows.Close()

	counts := make(map[types.EventOutcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan outcome count", err)
		}
		counts[types.EventOutcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating outcome counts", err)
	}
	return counts, nil
}

func (r *WebhookEventRepository) scanRecord(row pgx.Row) (types.WebhookEventRecord, error) {
	var (
		rec        types.WebhookEventRecord
		outcome    string
		externalID *string
		lastErr    *string
		compressed []byte
	)
	err := row.Scan(
		&rec.ExternalEventID,
		&rec.EventType,
		&externalID,
		&outcome,
		&compressed,
		&rec.ProviderCreatedAt,
		&rec.ReceivedAt,
		&rec.ProcessedAt,
		&rec.Attempts,
		&lastErr,
	)
	if err != nil {
		return rec, err
	}
	rec.Outcome = types.EventOutcome(outcome)
	if externalID != nil {
		rec.ExternalSubscriptionID = *externalID
	}
	if lastErr != nil {
		rec.LastError = *lastErr
	}
	payload, err := r.codec.Decompress(compressed)
	if err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}
