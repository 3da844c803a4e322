// Package notifications delivers domain events and operator alerts to the
// systems that act on them (email workers, analytics, on-call) and records
// operational metrics.
//
// Publishers are best-effort by contract: callers log a failed Publish and
// move on, so implementations never retry internally.
package notifications

import (
	"context"
	"errors"
	"log/slog"

	"tripbilling/internal/types"
)

// Compile-time assertions.
var (
	_ types.EventPublisher = (*LogPublisher)(nil)
	_ types.EventPublisher = (*SQSPublisher)(nil)
	_ types.EventPublisher = (*AMQPPublisher)(nil)
	_ types.EventPublisher = (Fanout)(nil)
)

// LogPublisher writes events to the structured log. Used in local
// development and as the fallback when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event types.DomainEvent) error {
	p.logger.InfoContext(ctx, "domain event",
		"event_id", event.ID,
		"domain_event", event.Type,
		"user_id", event.UserID,
		"subscription_id", event.SubscriptionID,
		"occurred_at", event.OccurredAt,
	)
	return nil
}

// Fanout publishes every event to all of its publishers and joins their errors.
type Fanout []types.EventPublisher

// Publish delivers event to every publisher, even after a failure.
func (f Fanout) Publish(ctx context.Context, event types.DomainEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
