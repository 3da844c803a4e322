package types

import (
	"context"
	"time"
)

// EventType names an outbound domain event.
type EventType string

const (
	EventSubscriptionCreated     EventType = "subscription.created"
	EventSubscriptionActivated   EventType = "subscription.activated"
	EventSubscriptionCanceled    EventType = "subscription.canceled"
	EventSubscriptionPlanChanged EventType = "subscription.plan_changed"
	EventSubscriptionExpired     EventType = "subscription.expired"
	EventPaymentSucceeded        EventType = "payment.succeeded"
	EventPaymentFailed           EventType = "payment.failed"
	EventTrialEndingSoon         EventType = "trial.ending_soon"
)

// DomainEvent is the envelope published to notification consumers.
type DomainEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	UserID         string         `json:"user_id"`
	SubscriptionID string         `json:"subscription_id"`
	Data           map[string]any `json:"data,omitempty"`
}

// EventPublisher delivers domain events. Delivery is best-effort; callers log
// failures and never roll back state because of them.
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}
