package webhook

import (
	"context"
	"errors"
	"math"
	"time"

	"tripbilling/internal/external"
	"tripbilling/internal/types"
)

// decision is the outcome of one attempt at applying an event.
type decision struct {
	outcome        types.EventOutcome
	duplicate      bool
	changed        bool
	subscriptionID string
	userID         string
	events         []types.DomainEvent
	alert          *types.OperatorAlert
}

func ledgerRecord(ev external.Event, receivedAt time.Time) types.WebhookEventRecord {
	return types.WebhookEventRecord{
		ExternalEventID:        ev.ID,
		EventType:              ev.Type,
		ExternalSubscriptionID: ev.SubscriptionRef(),
		Outcome:                types.OutcomeReceived,
		Payload:                ev.Raw,
		ProviderCreatedAt:      ev.CreatedAt,
		ReceivedAt:             receivedAt,
	}
}

// applyOnce is one transactional attempt. Returning types.ErrVersionConflict
// rolls back the ledger claim as well, so the retry starts clean.
func (p *Processor) applyOnce(ctx context.Context, repos types.RepositoryRegistry, ev external.Event, receivedAt time.Time) (decision, error) {
	now := p.clock.Now()

	stored, inserted, err := repos.WebhookEvents().InsertIfAbsent(ctx, ledgerRecord(ev, receivedAt))
	if err != nil {
		return decision{}, err
	}
	if !inserted && stored.Outcome.IsFinal() {
		return decision{outcome: stored.Outcome, duplicate: true}, nil
	}

	d, err := p.decide(ctx, repos, ev, now)
	if err != nil {
		return decision{}, err
	}

	lastErr := ""
	if d.alert != nil {
		lastErr = d.alert.Message
	}
	if err := repos.WebhookEvents().MarkOutcome(ctx, ev.ID, d.outcome, now, lastErr); err != nil {
		return decision{}, err
	}
	if d.alert != nil {
		if err := repos.Alerts().Insert(ctx, *d.alert); err != nil {
			return decision{}, err
		}
	}
	return d, nil
}

// decide resolves the subscription and applies the event's transition.
func (p *Processor) decide(ctx context.Context, repos types.RepositoryRegistry, ev external.Event, now time.Time) (decision, error) {
	if _, ok := ev.Payload.(external.Unhandled); ok {
		return decision{outcome: types.OutcomeIgnored}, nil
	}
	ref := ev.SubscriptionRef()
	if ref == "" {
		return decision{outcome: types.OutcomeIgnored}, nil
	}

	subs := repos.Subscriptions()
	sub, err := subs.FindByExternalSubscriptionID(ctx, ref)
	if err != nil {
		return decision{}, err
	}
	if sub == nil {
		// The creating event may still be in flight; the reconciler retries
		// and eventually escalates.
		return decision{outcome: types.OutcomePending}, nil
	}

	d := decision{subscriptionID: sub.ID, userID: sub.UserID}
	if sub.IsStaleEvent(ev.CreatedAt) {
		d.outcome = types.OutcomeStale
		return d, nil
	}

	var c change
	switch payload := ev.Payload.(type) {
	case external.SubscriptionCreated:
		c, err = p.onSubscriptionCreated(*sub, payload.Subscription, now)
	case external.SubscriptionUpdated:
		c, err = p.onSubscriptionUpdated(*sub, payload.Subscription, now)
	case external.SubscriptionDeleted:
		c, err = p.onSubscriptionDeleted(*sub, now)
	case external.TrialWillEnd:
		c, err = p.onTrialWillEnd(ctx, subs, *sub, now)
	case external.InvoicePaid:
		c, err = p.onInvoicePaid(*sub, payload.Invoice, now)
	case external.InvoicePaymentFailed:
		c, err = p.onInvoicePaymentFailed(*sub, payload.Invoice, now)
	default:
		d.outcome = types.OutcomeIgnored
		return d, nil
	}
	if err != nil {
		if errors.Is(err, types.ErrVersionConflict) || types.CodeOf(err) == types.ErrCodeInternalDB {
			return decision{}, err
		}
		d.outcome = types.OutcomeConflict
		d.alert = p.transitionAlert(ev, *sub, err, now)
		return d, nil
	}

	if c.changed {
		next := c.next.ObserveEvent(ev.CreatedAt)
		if _, err := subs.Update(ctx, next); err != nil {
			return decision{}, err
		}
	}
	d.outcome = types.OutcomeProcessed
	d.changed = c.changed
	d.events = c.events
	return d, nil
}

func (p *Processor) transitionAlert(ev external.Event, sub types.Subscription, err error, now time.Time) *types.OperatorAlert {
	details := map[string]any{
		"event_type": ev.Type,
		"status":     string(sub.Status),
	}
	var ite *types.InvalidTransitionError
	if errors.As(err, &ite) {
		details["operation"] = ite.Op
		details["from"] = string(ite.From)
	}
	return &types.OperatorAlert{
		ID:              p.newID(),
		Kind:            types.AlertKindInvalidTransition,
		ExternalEventID: ev.ID,
		SubscriptionID:  sub.ID,
		Message:         err.Error(),
		Details:         details,
		CreatedAt:       now,
	}
}

// change accumulates the transitions one event causes.
type change struct {
	next    types.Subscription
	changed bool
	events  []types.DomainEvent
}

func (c *change) apply(next types.Subscription, err error) error {
	if err != nil {
		return err
	}
	c.next = next
	c.changed = true
	return nil
}

func (p *Processor) domainEvent(t types.EventType, sub types.Subscription, now time.Time, data map[string]any) types.DomainEvent {
	return types.DomainEvent{
		ID:             p.newID(),
		Type:           t,
		OccurredAt:     now,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Data:           data,
	}
}

func activateParams(ps external.ProviderSubscription) types.ActivateParams {
	return types.ActivateParams{
		PeriodStart:            ps.CurrentPeriodStart,
		PeriodEnd:              ps.CurrentPeriodEnd,
		ExternalSubscriptionID: ps.ID,
		ExternalCustomerID:     ps.CustomerID,
	}
}

func trialParams(ps external.ProviderSubscription) types.ActivateParams {
	params := activateParams(ps)
	if ps.TrialStart != nil {
		params.PeriodStart = *ps.TrialStart
	}
	if ps.TrialEnd != nil {
		params.PeriodEnd = *ps.TrialEnd
	}
	return params
}

func (p *Processor) onSubscriptionCreated(sub types.Subscription, ps external.ProviderSubscription, now time.Time) (change, error) {
	c := change{next: sub}
	switch {
	case ps.Status == types.StatusActive && (sub.Status == types.StatusInactive || sub.Status == types.StatusTrialing):
		if err := c.apply(sub.Activate(activateParams(ps), now)); err != nil {
			return c, err
		}
		c.events = append(c.events, p.domainEvent(types.EventSubscriptionActivated, c.next, now, map[string]any{
			"plan": string(c.next.PlanCode),
		}))
	case ps.Status == types.StatusTrialing && sub.Status == types.StatusInactive:
		if err := c.apply(sub.StartTrial(trialParams(ps), now)); err != nil {
			return c, err
		}
		c.events = append(c.events, p.domainEvent(types.EventSubscriptionActivated, c.next, now, map[string]any{
			"plan":      string(c.next.PlanCode),
			"trial_end": c.next.TrialEnd,
		}))
	}
	return c, nil
}

// onSubscriptionUpdated reconciles status, trial window, billing period, the
// pending cancellation flag and the plan with the provider's view, in that
// order.
func (p *Processor) onSubscriptionUpdated(sub types.Subscription, ps external.ProviderSubscription, now time.Time) (change, error) {
	c := change{next: sub}

	if ps.Status != sub.Status {
		var err error
		switch ps.Status {
		case types.StatusActive:
			if sub.Status == types.StatusPastDue {
				err = c.apply(sub.MarkActive(now))
			} else {
				err = c.apply(sub.Activate(activateParams(ps), now))
				if err == nil {
					c.events = append(c.events, p.domainEvent(types.EventSubscriptionActivated, c.next, now, map[string]any{
						"plan": string(c.next.PlanCode),
					}))
				}
			}
		case types.StatusTrialing:
			err = c.apply(sub.StartTrial(trialParams(ps), now))
		case types.StatusPastDue:
			err = c.apply(sub.MarkPastDue(now))
		case types.StatusCanceled:
			err = c.apply(sub.Cancel(true, now))
			if err == nil {
				c.events = append(c.events, p.domainEvent(types.EventSubscriptionCanceled, c.next, now, map[string]any{
					"immediate": true,
				}))
			}
		}
		if err != nil {
			return c, err
		}
	}

	next := c.next
	if !next.IsLive() {
		return c, nil
	}

	if next.Status == types.StatusTrialing && ps.Status == types.StatusTrialing && ps.TrialEnd != nil &&
		(next.TrialEnd == nil || !ps.TrialEnd.Equal(*next.TrialEnd)) {
		start := next.CurrentPeriodStart
		switch {
		case ps.TrialStart != nil:
			start = *ps.TrialStart
		case next.TrialStart != nil:
			start = *next.TrialStart
		}
		if err := c.apply(next.RescheduleTrial(start, *ps.TrialEnd, now)); err != nil {
			return c, err
		}
		next = c.next
	}

	if !next.IsPerpetual && ps.CurrentPeriodEnd.After(ps.CurrentPeriodStart) &&
		(!ps.CurrentPeriodStart.Equal(next.CurrentPeriodStart) || !ps.CurrentPeriodEnd.Equal(next.CurrentPeriodEnd)) {
		if err := c.apply(next.RenewPeriod(ps.CurrentPeriodStart, ps.CurrentPeriodEnd, now)); err != nil {
			return c, err
		}
	}

	next = c.next
	switch {
	case ps.CancelAtPeriodEnd && !next.CancelAtPeriodEnd:
		if err := c.apply(next.Cancel(false, now)); err != nil {
			return c, err
		}
		c.events = append(c.events, p.domainEvent(types.EventSubscriptionCanceled, c.next, now, map[string]any{
			"immediate":  false,
			"period_end": c.next.CurrentPeriodEnd,
		}))
	case !ps.CancelAtPeriodEnd && next.CancelAtPeriodEnd:
		if err := c.apply(next.Resume(now)); err != nil {
			return c, err
		}
	}

	if ps.PriceRef != "" {
		next = c.next
		if plan, ok := p.plans.PlanForPrice(ps.PriceRef); ok && plan != next.PlanCode {
			if err := c.apply(next.ChangePlan(plan, now)); err != nil {
				return c, err
			}
			c.events = append(c.events, p.domainEvent(types.EventSubscriptionPlanChanged, c.next, now, map[string]any{
				"from": string(next.PlanCode),
				"to":   string(plan),
			}))
		}
	}
	return c, nil
}

func (p *Processor) onSubscriptionDeleted(sub types.Subscription, now time.Time) (change, error) {
	c := change{next: sub}
	if sub.Status == types.StatusCanceled {
		return c, nil
	}
	if err := c.apply(sub.Cancel(true, now)); err != nil {
		return c, err
	}
	c.events = append(c.events, p.domainEvent(types.EventSubscriptionCanceled, c.next, now, map[string]any{
		"immediate": true,
	}))
	return c, nil
}

// onTrialWillEnd only notifies. The reminder column is bookkeeping shared
// with the reconciler's reminder sweep so the user hears about it once.
func (p *Processor) onTrialWillEnd(ctx context.Context, subs types.SubscriptionRepository, sub types.Subscription, now time.Time) (change, error) {
	c := change{next: sub}
	if sub.Status != types.StatusTrialing || sub.TrialEnd == nil {
		return c, nil
	}
	first, err := subs.MarkTrialReminderSent(ctx, sub.ID, now)
	if err != nil || !first {
		return c, err
	}
	c.events = append(c.events, TrialEndingSoonEvent(p.newID(), sub, now))
	return c, nil
}

func (p *Processor) onInvoicePaid(sub types.Subscription, inv external.ProviderInvoice, now time.Time) (change, error) {
	c := change{next: sub}
	if sub.Status == types.StatusPastDue {
		if err := c.apply(sub.MarkActive(now)); err != nil {
			return c, err
		}
	}
	c.events = append(c.events, p.domainEvent(types.EventPaymentSucceeded, c.next, now, map[string]any{
		"invoice_id":  inv.ID,
		"amount_paid": inv.AmountPaid,
		"currency":    inv.Currency,
	}))
	return c, nil
}

// onInvoicePaymentFailed moves ACTIVE to PAST_DUE. Retries on an already
// PAST_DUE subscription and first-invoice failures on an INACTIVE
// placeholder only notify; any other status is an invalid transition.
func (p *Processor) onInvoicePaymentFailed(sub types.Subscription, inv external.ProviderInvoice, now time.Time) (change, error) {
	c := change{next: sub}
	switch sub.Status {
	case types.StatusPastDue, types.StatusInactive:
	default:
		if err := c.apply(sub.MarkPastDue(now)); err != nil {
			return c, err
		}
	}
	data := map[string]any{
		"invoice_id":    inv.ID,
		"amount_due":    inv.AmountDue,
		"currency":      inv.Currency,
		"attempt_count": inv.AttemptCount,
	}
	if inv.NextAttemptAt != nil {
		data["next_attempt_at"] = *inv.NextAttemptAt
	}
	c.events = append(c.events, p.domainEvent(types.EventPaymentFailed, c.next, now, data))
	return c, nil
}

// TrialEndingSoonEvent builds the trial reminder event. The reconciler's
// reminder sweep emits the same event.
func TrialEndingSoonEvent(id string, sub types.Subscription, now time.Time) types.DomainEvent {
	data := map[string]any{"plan": string(sub.PlanCode)}
	if sub.TrialEnd != nil {
		data["trial_end"] = *sub.TrialEnd
		days := int(math.Ceil(sub.TrialEnd.Sub(now).Hours() / 24))
		data["days_remaining"] = max(days, 0)
	}
	return types.DomainEvent{
		ID:             id,
		Type:           types.EventTrialEndingSoon,
		OccurredAt:     now,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Data:           data,
	}
}
