package types

import (
	"context"
	"time"
)

// SubscriptionRepository is the persistence port for subscriptions.
// Lookups that may legitimately miss return (nil, nil).
type SubscriptionRepository interface {
	Create(ctx context.Context, sub Subscription) (Subscription, error)
	GetByID(ctx context.Context, id string) (*Subscription, error)
	FindActiveByUserID(ctx context.Context, userID string) (*Subscription, error)
	FindByExternalSubscriptionID(ctx context.Context, externalID string) (*Subscription, error)

	// FindEndingInDays returns TRIALING subscriptions whose trial ends within
	// the next `days` days and that have not been reminded yet.
	FindEndingInDays(ctx context.Context, days int, now time.Time) ([]Subscription, error)

	// Update persists sub if the stored version still equals sub.Version and
	// returns the stored snapshot with the incremented version. A mismatch
	// returns ErrVersionConflict.
	Update(ctx context.Context, sub Subscription) (Subscription, error)

	// MarkTrialReminderSent sets the reminder timestamp once. It reports
	// whether this call was the one that set it.
	MarkTrialReminderSent(ctx context.Context, id string, at time.Time) (bool, error)
}

// WebhookEventRepository is the dedup ledger.
type WebhookEventRepository interface {
	// InsertIfAbsent stores rec unless the event ID is already present. It
	// returns the stored record and whether this call inserted it.
	InsertIfAbsent(ctx context.Context, rec WebhookEventRecord) (WebhookEventRecord, bool, error)

	// MarkOutcome records the result of a processing attempt.
	MarkOutcome(ctx context.Context, eventID string, outcome EventOutcome, at time.Time, lastErr string) error

	// ListPending returns pending events received before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]WebhookEventRecord, error)

	// CountByOutcome reports how many ledger rows are in each outcome.
	CountByOutcome(ctx context.Context) (map[EventOutcome]int, error)
}

// AlertRepository is the operator-visible error queue.
type AlertRepository interface {
	Insert(ctx context.Context, alert OperatorAlert) error
	ListRecent(ctx context.Context, limit int) ([]OperatorAlert, error)
}

// RepositoryRegistry provides repositories bound to one connection or transaction.
type RepositoryRegistry interface {
	Subscriptions() SubscriptionRepository
	WebhookEvents() WebhookEventRepository
	Alerts() AlertRepository
}

// TransactionManager runs fn inside one database transaction. fn's error
// rolls the transaction back.
type TransactionManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryRegistry) error) error
}
