package billing

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"tripbilling/internal/types"
)

// Feature names a gated action.
type Feature string

const (
	FeatureTrips             Feature = "trips"
	FeaturePhotos            Feature = "photos"
	FeatureGroupTrips        Feature = "group_trips"
	FeatureGroupParticipants Feature = "group_participants"
	FeatureExport            Feature = "export"
	FeatureOfflineMode       Feature = "offline_mode"
)

// ParseFeature validates a feature name from an API request.
func ParseFeature(s string) (Feature, bool) {
	f := Feature(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FeatureTrips, FeaturePhotos, FeatureGroupTrips, FeatureGroupParticipants, FeatureExport, FeatureOfflineMode:
		return f, true
	}
	return "", false
}

// Request asks whether one more unit of a feature may be used.
// Usage is the count already consumed; Format is only read for FeatureExport.
type Request struct {
	Feature Feature `json:"feature" validate:"required"`
	Usage   int     `json:"usage" validate:"gte=0"`
	Format  string  `json:"format,omitempty"`
}

// Decision is the outcome of an entitlement check.
type Decision struct {
	Feature         Feature        `json:"feature"`
	Allowed         bool           `json:"allowed"`
	Reason          string         `json:"reason"`
	CurrentPlan     types.PlanCode `json:"current_plan"`
	Limit           int            `json:"limit"`
	Remaining       *int           `json:"remaining,omitempty"`
	UpgradeRequired types.PlanCode `json:"upgrade_required,omitempty"`
}

// Evaluator answers entitlement questions from pre-fetched state. It never
// performs I/O and is safe for concurrent use.
type Evaluator struct {
	catalog     Catalog
	gracePeriod time.Duration
}

// NewEvaluator creates an Evaluator. gracePeriod is how long a PAST_DUE
// subscription keeps its paid limits, measured from the start of the period
// whose payment failed.
func NewEvaluator(catalog Catalog, gracePeriod time.Duration) *Evaluator {
	return &Evaluator{catalog: catalog, gracePeriod: gracePeriod}
}

// EffectivePlan returns the plan whose limits apply to sub at now.
// A nil subscription, or one that no longer entitles its plan, gets the free plan.
func (e *Evaluator) EffectivePlan(sub *types.Subscription, now time.Time) types.Plan {
	if sub == nil || !e.entitles(*sub, now) {
		return e.catalog.Free()
	}
	if p, ok := e.catalog.Get(sub.PlanCode); ok {
		return p
	}
	return e.catalog.Free()
}

func (e *Evaluator) entitles(s types.Subscription, now time.Time) bool {
	switch s.Status {
	case types.StatusActive:
	case types.StatusTrialing:
		if s.TrialEnd != nil && !now.Before(*s.TrialEnd) {
			return false
		}
	case types.StatusPastDue:
		if !now.Before(s.CurrentPeriodStart.Add(e.gracePeriod)) {
			return false
		}
	default:
		return false
	}
	if s.CancelAtPeriodEnd && s.HasPeriodEnd() && !now.Before(s.CurrentPeriodEnd) {
		return false
	}
	return true
}

// Evaluate decides req against the plan that sub entitles at now.
func (e *Evaluator) Evaluate(sub *types.Subscription, req Request, now time.Time) Decision {
	plan := e.EffectivePlan(sub, now)
	d := Decision{Feature: req.Feature, CurrentPlan: plan.Code}

	switch req.Feature {
	case FeatureTrips, FeaturePhotos, FeatureGroupParticipants:
		limit := limitFor(plan.Limits, req.Feature)
		d.Limit = limit
		if allowedBy(limit, req.Usage) {
			d.Allowed = true
			if limit == types.Unlimited {
				d.Reason = fmt.Sprintf("%s is unlimited on %s", req.Feature, plan.Code)
			} else {
				remaining := limit - max(req.Usage, 0)
				d.Remaining = &remaining
				d.Reason = fmt.Sprintf("%d of %d %s remaining on %s", remaining, limit, req.Feature, plan.Code)
			}
			return d
		}
		if limit == 0 {
			d.Reason = fmt.Sprintf("%s is not included in %s", req.Feature, plan.Code)
		} else {
			zero := 0
			d.Remaining = &zero
			d.Reason = fmt.Sprintf("%s limit of %d reached on %s", req.Feature, limit, plan.Code)
		}
		d.UpgradeRequired = e.nextPlan(plan.Code, func(l types.PlanLimits) bool {
			return allowedBy(limitFor(l, req.Feature), req.Usage)
		})
		return d

	case FeatureGroupTrips:
		d.Limit = plan.Limits.GroupParticipants
		if plan.Limits.GroupParticipants != 0 {
			d.Allowed = true
			d.Reason = fmt.Sprintf("group trips are included in %s", plan.Code)
			return d
		}
		d.Reason = fmt.Sprintf("group trips are not included in %s", plan.Code)
		d.UpgradeRequired = e.nextPlan(plan.Code, func(l types.PlanLimits) bool {
			return l.GroupParticipants != 0
		})
		return d

	case FeatureExport:
		format := strings.ToUpper(strings.TrimSpace(req.Format))
		if supportsFormat(plan.Limits, format) {
			d.Allowed = true
			d.Reason = fmt.Sprintf("%s export is included in %s", format, plan.Code)
			return d
		}
		d.Reason = fmt.Sprintf("%s export is not included in %s", format, plan.Code)
		d.UpgradeRequired = e.nextPlan(plan.Code, func(l types.PlanLimits) bool {
			return supportsFormat(l, format)
		})
		return d

	case FeatureOfflineMode:
		if plan.Limits.OfflineMode {
			d.Allowed = true
			d.Reason = fmt.Sprintf("offline mode is included in %s", plan.Code)
			return d
		}
		d.Reason = fmt.Sprintf("offline mode is not included in %s", plan.Code)
		d.UpgradeRequired = e.nextPlan(plan.Code, func(l types.PlanLimits) bool {
			return l.OfflineMode
		})
		return d
	}

	d.Reason = fmt.Sprintf("unknown feature %q", req.Feature)
	return d
}

// nextPlan returns the first plan above current, in canonical order, whose
// limits satisfy ok. Returns "" when no plan does.
func (e *Evaluator) nextPlan(current types.PlanCode, ok func(types.PlanLimits) bool) types.PlanCode {
	rank := e.catalog.Rank(current)
	for i, p := range e.catalog.List() {
		if i > rank && ok(p.Limits) {
			return p.Code
		}
	}
	return ""
}

// allowedBy applies the limit sentinels: -1 always allows, 0 never allows,
// N allows while usage < N.
func allowedBy(limit, usage int) bool {
	switch {
	case limit == types.Unlimited:
		return true
	case limit <= 0:
		return false
	default:
		return max(usage, 0) < limit
	}
}

func limitFor(l types.PlanLimits, f Feature) int {
	switch f {
	case FeatureTrips:
		return l.ActiveTrips
	case FeaturePhotos:
		return l.PhotosPerTrip
	case FeatureGroupParticipants:
		return l.GroupParticipants
	}
	return 0
}

func supportsFormat(l types.PlanLimits, format string) bool {
	return format != "" && slices.ContainsFunc(l.ExportFormats, func(f string) bool {
		return strings.EqualFold(f, format)
	})
}

// Usage is the caller-supplied consumption snapshot for a summary.
type Usage struct {
	ActiveTrips       int `json:"active_trips"`
	PhotosInTrip      int `json:"photos_in_trip"`
	GroupParticipants int `json:"group_participants"`
}

// StatusSummary describes the subscription from the user's point of view.
type StatusSummary struct {
	HasActiveSubscription bool                     `json:"has_active_subscription"`
	Plan                  types.PlanCode           `json:"plan"`
	Status                types.SubscriptionStatus `json:"status"`
	ExpiresAt             *time.Time               `json:"expires_at,omitempty"`
	DaysUntilExpiration   *int                     `json:"days_until_expiration,omitempty"`
	NeedsAction           bool                     `json:"needs_action"`
	ActionRequired        string                   `json:"action_required,omitempty"`
}

// Summary is the full access picture returned by the entitlements endpoint.
type Summary struct {
	Status           StatusSummary `json:"status"`
	Decisions        []Decision    `json:"decisions"`
	AvailableExports []string      `json:"available_export_formats"`
}

// Action thresholds.
const (
	cancelWarningDays = 7
	trialWarningDays  = 3
)

// Summarize evaluates every feature for sub with the given usage.
func (e *Evaluator) Summarize(sub *types.Subscription, usage Usage, now time.Time) Summary {
	plan := e.EffectivePlan(sub, now)
	return Summary{
		Status: e.Status(sub, now),
		Decisions: []Decision{
			e.Evaluate(sub, Request{Feature: FeatureTrips, Usage: usage.ActiveTrips}, now),
			e.Evaluate(sub, Request{Feature: FeaturePhotos, Usage: usage.PhotosInTrip}, now),
			e.Evaluate(sub, Request{Feature: FeatureGroupTrips}, now),
			e.Evaluate(sub, Request{Feature: FeatureGroupParticipants, Usage: usage.GroupParticipants}, now),
			e.Evaluate(sub, Request{Feature: FeatureOfflineMode}, now),
		},
		AvailableExports: plan.Limits.ExportFormats,
	}
}

// Status builds the StatusSummary for sub.
func (e *Evaluator) Status(sub *types.Subscription, now time.Time) StatusSummary {
	if sub == nil {
		return StatusSummary{Plan: FreePlan, Status: types.StatusInactive}
	}
	s := StatusSummary{
		HasActiveSubscription: e.entitles(*sub, now),
		Plan:                  sub.PlanCode,
		Status:                sub.Status,
	}
	if !sub.HasPeriodEnd() {
		if sub.Status == types.StatusPastDue {
			s.NeedsAction = true
			s.ActionRequired = "update payment method"
		}
		return s
	}

	end := sub.CurrentPeriodEnd
	days := max(int(math.Ceil(end.Sub(now).Hours()/24)), 0)
	s.ExpiresAt = &end
	s.DaysUntilExpiration = &days

	switch {
	case sub.Status == types.StatusPastDue:
		s.NeedsAction = true
		s.ActionRequired = "update payment method"
	case (sub.CancelAtPeriodEnd || sub.Status == types.StatusCanceled) && days <= cancelWarningDays:
		s.NeedsAction = true
		s.ActionRequired = "renew subscription before it expires"
	case sub.Status == types.StatusTrialing && days <= trialWarningDays:
		s.NeedsAction = true
		s.ActionRequired = "add a payment method before the trial ends"
	}
	return s
}
