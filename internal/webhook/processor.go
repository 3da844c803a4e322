// Package webhook turns verified billing-provider notifications into
// subscription state transitions.
//
// Every delivery goes through the same pipeline: verify the signature, claim
// the event in the dedup ledger, resolve the target subscription, drop events
// older than the newest one already applied, apply the guarded transition and
// write the result with a version compare-and-swap. The ledger row and the
// subscription row are written in one transaction, so a crash between the two
// cannot mark an event processed without its transition. Domain events and
// cache invalidation happen after commit and never fail the delivery.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tripbilling/internal/external"
	"tripbilling/internal/types"
)

// DefaultMaxAttempts bounds the optimistic-concurrency retry loop.
const DefaultMaxAttempts = 3

// Verifier authenticates and decodes raw provider payloads.
type Verifier interface {
	VerifyWebhookSignature(payload []byte, header string, secret string) (external.Event, error)
}

// PlanResolver maps provider price references to plan codes.
type PlanResolver interface {
	PlanForPrice(priceRef string) (types.PlanCode, bool)
}

// SnapshotInvalidator drops cached entitlement snapshots for a user.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Result describes what happened to one delivery. It is what the HTTP layer
// acknowledges.
type Result struct {
	EventID        string             `json:"event_id,omitempty"`
	EventType      string             `json:"event_type,omitempty"`
	Outcome        types.EventOutcome `json:"outcome"`
	Duplicate      bool               `json:"duplicate,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
}

// Processor is the webhook event processor.
type Processor struct {
	verifier    Verifier
	tx          types.TransactionManager
	plans       PlanResolver
	publisher   types.EventPublisher
	invalidator SnapshotInvalidator
	metrics     types.MetricsRecorder
	clock       types.Clock
	newID       types.IDGenerator
	maxAttempts int
	logger      *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the wall clock.
func WithClock(c types.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithIDGenerator overrides the generator used for event and alert IDs.
func WithIDGenerator(gen types.IDGenerator) Option {
	return func(p *Processor) { p.newID = gen }
}

// WithMaxAttempts sets the compare-and-swap retry bound. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithInvalidator registers the snapshot cache to clear after writes.
func WithInvalidator(inv SnapshotInvalidator) Option {
	return func(p *Processor) { p.invalidator = inv }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m types.MetricsRecorder) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a Processor.
func NewProcessor(
	verifier Verifier,
	tx types.TransactionManager,
	plans PlanResolver,
	publisher types.EventPublisher,
	logger *slog.Logger,
	opts ...Option,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		verifier:    verifier,
		tx:          tx,
		plans:       plans,
		publisher:   publisher,
		metrics:     types.NoopMetrics{},
		clock:       types.RealClock{},
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process verifies and applies one raw delivery.
//
// A signature failure is the only client error returned; the caller answers
// it with a 4xx so the provider does not retry. Malformed or unresolvable
// events are acknowledged. Storage failures are returned so the provider
// retries the delivery later.
func (p *Processor) Process(ctx context.Context, payload []byte, signatureHeader, secret string) (Result, error) {
	ev, err := p.verifier.VerifyWebhookSignature(payload, signatureHeader, secret)
	if err != nil {
		if strings.HasPrefix(string(types.CodeOf(err)), "auth_") {
			p.metrics.RecordCount(ctx, types.MetricWebhookRejected, 1, nil)
			return Result{}, err
		}
		p.logger.WarnContext(ctx, "acknowledging undecodable webhook event", "error", err)
		p.recordOutcome(ctx, "", types.OutcomeIgnored)
		return Result{Outcome: types.OutcomeIgnored}, nil
	}
	p.metrics.RecordCount(ctx, types.MetricWebhookReceived, 1, map[string]string{types.DimEventType: ev.Type})
	return p.Apply(ctx, ev)
}

// Reprocess replays a stored ledger record, typically a pending event whose
// subscription may have appeared since. The payload was verified when it was
// first received.
func (p *Processor) Reprocess(ctx context.Context, rec types.WebhookEventRecord) (Result, error) {
	ev, err := external.DecodeEvent(rec.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("decoding stored event %s: %w", rec.ExternalEventID, err)
	}
	return p.Apply(ctx, ev)
}

// Apply runs an already verified event through the ledger and the state
// machine, retrying the whole unit when a concurrent writer wins the
// compare-and-swap.
func (p *Processor) Apply(ctx context.Context, ev external.Event) (Result, error) {
	logger := p.logger.With("event_id", ev.ID, "event_type", ev.Type)
	receivedAt := p.clock.Now()

	var d decision
	for attempt := 1; ; attempt++ {
		err := p.tx.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
			var err error
			d, err = p.applyOnce(ctx, repos, ev, receivedAt)
			return err
		})
		if err == nil {
			break
		}
		if errors.Is(err, types.ErrVersionConflict) {
			if attempt < p.maxAttempts {
				logger.DebugContext(ctx, "subscription changed concurrently, retrying", "attempt", attempt)
				continue
			}
			return p.recordConflict(ctx, ev, receivedAt, attempt)
		}
		logger.ErrorContext(ctx, "webhook event processing failed", "error", err)
		return Result{}, err
	}

	res := Result{
		EventID:        ev.ID,
		EventType:      ev.Type,
		Outcome:        d.outcome,
		Duplicate:      d.duplicate,
		SubscriptionID: d.subscriptionID,
	}

	switch {
	case d.duplicate:
		logger.InfoContext(ctx, "duplicate webhook event acknowledged", "outcome", d.outcome)
		return res, nil
	case d.alert != nil:
		logger.ErrorContext(ctx, "webhook event could not be applied",
			"subscription_id", d.subscriptionID,
			"reason", d.alert.Message,
		)
	default:
		logger.InfoContext(ctx, "webhook event handled",
			"outcome", d.outcome,
			"subscription_id", d.subscriptionID,
		)
	}

	p.recordOutcome(ctx, ev.Type, d.outcome)
	p.afterCommit(ctx, d)
	return res, nil
}

// afterCommit runs the side effects of a committed decision. Failures are
// logged; the state change already stands.
func (p *Processor) afterCommit(ctx context.Context, d decision) {
	if d.changed && d.userID != "" && p.invalidator != nil {
		if err := p.invalidator.Invalidate(ctx, d.userID); err != nil {
			p.logger.WarnContext(ctx, "failed to invalidate entitlement snapshot",
				"user_id", d.userID,
				"error", err,
			)
		}
	}
	for _, event := range d.events {
		if err := p.publisher.Publish(ctx, event); err != nil {
			p.metrics.RecordCount(ctx, types.MetricEventPublishFailure, 1, map[string]string{
				types.DimEventType: string(event.Type),
			})
			p.logger.WarnContext(ctx, "failed to publish domain event",
				"domain_event", event.Type,
				"subscription_id", event.SubscriptionID,
				"error", err,
			)
		}
	}
}

// recordConflict marks the event as a concurrency conflict once the retry
// budget is spent and raises an operator alert.
func (p *Processor) recordConflict(ctx context.Context, ev external.Event, receivedAt time.Time, attempts int) (Result, error) {
	now := p.clock.Now()
	var subscriptionID string
	err := p.tx.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
		if _, _, err := repos.WebhookEvents().InsertIfAbsent(ctx, ledgerRecord(ev, receivedAt)); err != nil {
			return err
		}
		if sub, err := repos.Subscriptions().FindByExternalSubscriptionID(ctx, ev.SubscriptionRef()); err == nil && sub != nil {
			subscriptionID = sub.ID
		}
		msg := fmt.Sprintf("gave up after %d concurrent modification attempts", attempts)
		if err := repos.WebhookEvents().MarkOutcome(ctx, ev.ID, types.OutcomeConflict, now, msg); err != nil {
			return err
		}
		return repos.Alerts().Insert(ctx, types.OperatorAlert{
			ID:              p.newID(),
			Kind:            types.AlertKindConflict,
			ExternalEventID: ev.ID,
			SubscriptionID:  subscriptionID,
			Message:         msg,
			Details:         map[string]any{"event_type": ev.Type, "attempts": attempts},
			CreatedAt:       now,
		})
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to record webhook conflict", "event_id", ev.ID, "error", err)
		return Result{}, err
	}

	p.metrics.RecordCount(ctx, types.MetricTransitionConflict, 1, map[string]string{types.DimEventType: ev.Type})
	p.recordOutcome(ctx, ev.Type, types.OutcomeConflict)
	p.logger.ErrorContext(ctx, "webhook event lost the concurrency race",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"attempts", attempts,
	)
	return Result{
		EventID:        ev.ID,
		EventType:      ev.Type,
		Outcome:        types.OutcomeConflict,
		SubscriptionID: subscriptionID,
	}, nil
}

func (p *Processor) recordOutcome(ctx context.Context, eventType string, outcome types.EventOutcome) {
	dims := map[string]string{types.DimOutcome: string(outcome)}
	if eventType != "" {
		dims[types.DimEventType] = eventType
	}
	p.metrics.RecordCount(ctx, types.MetricWebhookOutcome, 1, dims)
}
