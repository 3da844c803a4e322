package types

import (
	"fmt"
	"time"
)

// Subscription is the billing state of one user.
//
// Values are immutable snapshots: every transition returns a new Subscription
// and leaves the receiver untouched. Version is owned by the repository, which
// uses it as the compare-and-swap token on write.
type Subscription struct {
	ID                     string             `json:"id"`
	UserID                 string             `json:"user_id"`
	PlanCode               PlanCode           `json:"plan"`
	Status                 SubscriptionStatus `json:"status"`
	ExternalSubscriptionID string             `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string             `json:"external_customer_id,omitempty"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end,omitzero"`
	IsPerpetual            bool               `json:"is_perpetual"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	TrialStart             *time.Time         `json:"trial_start,omitempty"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`
	TrialReminderSentAt    *time.Time         `json:"-"`
	LastEventAt            *time.Time         `json:"-"`
	Version                int64              `json:"version"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Operation names used in InvalidTransitionError.
const (
	OpActivate     = "activate"
	OpStartTrial   = "start_trial"
	OpMarkPastDue  = "mark_past_due"
	OpMarkActive   = "mark_active"
	OpCancel       = "cancel"
	OpChangePlan   = "change_plan"
	OpRenewPeriod  = "renew_period"
	OpResume       = "resume"
	OpExpireTrial  = "expire_trial"
	OpExpirePeriod = "expire_period"

	OpRescheduleTrial = "reschedule_trial"
)

// ActivateParams carries the provider-confirmed billing period and references.
// Empty references keep the values already stored.
type ActivateParams struct {
	PeriodStart            time.Time
	PeriodEnd              time.Time
	ExternalSubscriptionID string
	ExternalCustomerID     string
}

// NewFreeSubscription creates a perpetual free-plan subscription that is live
// from the moment it is created.
func NewFreeSubscription(id, userID string, plan PlanCode, now time.Time) Subscription {
	return Subscription{
		ID:                 id,
		UserID:             userID,
		PlanCode:           plan,
		Status:             StatusActive,
		CurrentPeriodStart: now,
		IsPerpetual:        true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// NewPendingSubscription creates the INACTIVE placeholder for a paid plan that
// waits for the provider to confirm it.
func NewPendingSubscription(id, userID string, plan PlanCode, customerID, externalID string, now time.Time) Subscription {
	return Subscription{
		ID:                     id,
		UserID:                 userID,
		PlanCode:               plan,
		Status:                 StatusInactive,
		ExternalCustomerID:     customerID,
		ExternalSubscriptionID: externalID,
		CurrentPeriodStart:     now,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// Validate checks the structural invariants of a snapshot.
func (s Subscription) Validate() error {
	switch {
	case s.ID == "":
		return NewAppError(ErrCodeValidationMissingField, "subscription id is required", nil)
	case s.UserID == "":
		return NewAppError(ErrCodeValidationMissingField, "user id is required", nil)
	case s.PlanCode == "":
		return NewAppError(ErrCodeValidationInvalidPlan, "plan code is required", nil)
	case !s.Status.Valid():
		return NewAppError(ErrCodeValidationInvalidStatus, fmt.Sprintf("unknown status %q", s.Status), nil)
	}
	if s.HasPeriodEnd() && !s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
		return periodError(s.CurrentPeriodStart, s.CurrentPeriodEnd)
	}
	return nil
}

// HasPeriodEnd reports whether the subscription renews on a real billing cycle.
func (s Subscription) HasPeriodEnd() bool {
	return !s.IsPerpetual && !s.CurrentPeriodEnd.IsZero()
}

// IsLive reports whether the subscription counts as the user's current one.
func (s Subscription) IsLive() bool {
	return s.Status.IsLive()
}

// Activate moves an INACTIVE or TRIALING subscription to ACTIVE for the given
// billing period and clears any pending cancellation.
func (s Subscription) Activate(p ActivateParams, now time.Time) (Subscription, error) {
	if s.Status != StatusInactive && s.Status != StatusTrialing {
		return s, &InvalidTransitionError{Op: OpActivate, From: s.Status}
	}
	if !p.PeriodEnd.After(p.PeriodStart) {
		return s, periodError(p.PeriodStart, p.PeriodEnd)
	}
	next := s
	next.Status = StatusActive
	next.CurrentPeriodStart = p.PeriodStart
	next.CurrentPeriodEnd = p.PeriodEnd
	next.IsPerpetual = false
	next.CancelAtPeriodEnd = false
	next.CanceledAt = nil
	next.applyRefs(p.ExternalSubscriptionID, p.ExternalCustomerID)
	next.UpdatedAt = now
	return next, nil
}

// StartTrial moves an INACTIVE subscription into TRIALING until trialEnd.
func (s Subscription) StartTrial(p ActivateParams, now time.Time) (Subscription, error) {
	if s.Status != StatusInactive {
		return s, &InvalidTransitionError{Op: OpStartTrial, From: s.Status}
	}
	if !p.PeriodEnd.After(p.PeriodStart) {
		return s, periodError(p.PeriodStart, p.PeriodEnd)
	}
	next := s
	start, end := p.PeriodStart, p.PeriodEnd
	next.Status = StatusTrialing
	next.TrialStart = &start
	next.TrialEnd = &end
	next.CurrentPeriodStart = start
	next.CurrentPeriodEnd = end
	next.IsPerpetual = false
	next.applyRefs(p.ExternalSubscriptionID, p.ExternalCustomerID)
	next.UpdatedAt = now
	return next, nil
}

// MarkPastDue records a failed renewal payment. Access is not revoked here;
// the entitlement grace period decides that.
func (s Subscription) MarkPastDue(now time.Time) (Subscription, error) {
	if s.Status != StatusActive {
		return s, &InvalidTransitionError{Op: OpMarkPastDue, From: s.Status}
	}
	next := s
	next.Status = StatusPastDue
	next.UpdatedAt = now
	return next, nil
}

// MarkActive restores a PAST_DUE subscription after a successful payment.
func (s Subscription) MarkActive(now time.Time) (Subscription, error) {
	if s.Status != StatusPastDue {
		return s, &InvalidTransitionError{Op: OpMarkActive, From: s.Status}
	}
	next := s
	next.Status = StatusActive
	next.UpdatedAt = now
	return next, nil
}

// Cancel ends the subscription. With immediate set the status becomes CANCELED
// now; otherwise only CancelAtPeriodEnd is set and the reconciler finishes the
// job once the period has elapsed.
func (s Subscription) Cancel(immediate bool, now time.Time) (Subscription, error) {
	next := s
	if immediate {
		if s.Status == StatusCanceled {
			return s, &InvalidTransitionError{Op: OpCancel, From: s.Status}
		}
		next.Status = StatusCanceled
		next.CancelAtPeriodEnd = false
		next.CanceledAt = &now
		next.UpdatedAt = now
		return next, nil
	}
	if s.Status != StatusActive && s.Status != StatusTrialing {
		return s, &InvalidTransitionError{Op: OpCancel, From: s.Status}
	}
	next.CancelAtPeriodEnd = true
	next.UpdatedAt = now
	return next, nil
}

// Resume clears a pending end-of-period cancellation.
func (s Subscription) Resume(now time.Time) (Subscription, error) {
	if !s.Status.IsLive() {
		return s, &InvalidTransitionError{Op: OpResume, From: s.Status}
	}
	next := s
	next.CancelAtPeriodEnd = false
	next.UpdatedAt = now
	return next, nil
}

// ChangePlan switches the plan without touching the status.
func (s Subscription) ChangePlan(plan PlanCode, now time.Time) (Subscription, error) {
	if s.Status != StatusActive && s.Status != StatusTrialing {
		return s, &InvalidTransitionError{Op: OpChangePlan, From: s.Status}
	}
	next := s
	next.PlanCode = plan
	next.UpdatedAt = now
	return next, nil
}

// RenewPeriod moves the billing window of a live subscription.
func (s Subscription) RenewPeriod(start, end time.Time, now time.Time) (Subscription, error) {
	if !s.Status.IsLive() || s.IsPerpetual {
		return s, &InvalidTransitionError{Op: OpRenewPeriod, From: s.Status}
	}
	if !end.After(start) {
		return s, periodError(start, end)
	}
	next := s
	next.CurrentPeriodStart = start
	next.CurrentPeriodEnd = end
	next.UpdatedAt = now
	return next, nil
}

// RescheduleTrial moves the trial window of a TRIALING subscription to the
// dates the provider reports, such as an extended trial.
func (s Subscription) RescheduleTrial(start, end time.Time, now time.Time) (Subscription, error) {
	if s.Status != StatusTrialing {
		return s, &InvalidTransitionError{Op: OpRescheduleTrial, From: s.Status}
	}
	if !end.After(start) {
		return s, periodError(start, end)
	}
	next := s
	next.TrialStart = &start
	next.TrialEnd = &end
	next.UpdatedAt = now
	return next, nil
}

// ExpireTrial downgrades a lapsed trial to the perpetual free plan.
// Legal only while TRIALING with a trial end at or before now.
func (s Subscription) ExpireTrial(freePlan PlanCode, now time.Time) (Subscription, error) {
	if s.Status != StatusTrialing || s.TrialEnd == nil || s.TrialEnd.After(now) {
		return s, &InvalidTransitionError{Op: OpExpireTrial, From: s.Status}
	}
	next := s
	next.Status = StatusActive
	next.PlanCode = freePlan
	next.IsPerpetual = true
	next.CurrentPeriodStart = now
	next.CurrentPeriodEnd = time.Time{}
	next.CancelAtPeriodEnd = false
	next.ExternalSubscriptionID = ""
	next.UpdatedAt = now
	return next, nil
}

// ExpireAtPeriodEnd finishes a pending end-of-period cancellation once the
// period has elapsed, that is once CurrentPeriodEnd is strictly before now.
func (s Subscription) ExpireAtPeriodEnd(now time.Time) (Subscription, error) {
	if !s.CancelAtPeriodEnd || !s.Status.IsLive() || !s.HasPeriodEnd() || !s.CurrentPeriodEnd.Before(now) {
		return s, &InvalidTransitionError{Op: OpExpirePeriod, From: s.Status}
	}
	return s.Cancel(true, now)
}

// ObserveEvent records the provider timestamp of the newest applied event.
func (s Subscription) ObserveEvent(at time.Time) Subscription {
	next := s
	if next.LastEventAt == nil || at.After(*next.LastEventAt) {
		next.LastEventAt = &at
	}
	return next
}

// IsStaleEvent reports whether an event created at `at` is older than the
// newest event already applied.
func (s Subscription) IsStaleEvent(at time.Time) bool {
	return s.LastEventAt != nil && at.Before(*s.LastEventAt)
}

func (s *Subscription) applyRefs(externalID, customerID string) {
	if externalID != "" {
		s.ExternalSubscriptionID = externalID
	}
	if customerID != "" {
		s.ExternalCustomerID = customerID
	}
}

func periodError(start, end time.Time) *AppError {
	return NewAppErrorWithDetails(ErrCodeValidationInvalidPeriod,
		"current period end must be after current period start", nil,
		map[string]any{"period_start": start, "period_end": end})
}
