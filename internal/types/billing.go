package types

import "time"

// PlanCode identifies a catalog plan.
type PlanCode string

const (
	PlanExplorador     PlanCode = "EXPLORADOR"
	PlanAventurero     PlanCode = "AVENTURERO"
	PlanExpedicionario PlanCode = "EXPEDICIONARIO"
)

// BillingCycle selects which provider price a paid subscription renews on.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Unlimited is the limit sentinel that always allows.
const Unlimited = -1

// PlanLimits are the feature caps for a plan.
// For numeric limits: -1 is unlimited, 0 disables the feature, N allows while usage < N.
type PlanLimits struct {
	ActiveTrips       int      `json:"active_trips"`
	PhotosPerTrip     int      `json:"photos_per_trip"`
	GroupParticipants int      `json:"group_participants"`
	ExportFormats     []string `json:"export_formats"`
	OfflineMode       bool     `json:"offline_mode"`
}

// PriceRefs are the provider price identifiers for each billing cycle.
type PriceRefs struct {
	Monthly string `json:"monthly,omitempty"`
	Yearly  string `json:"yearly,omitempty"`
}

// For returns the price reference for the given cycle.
func (p PriceRefs) For(cycle BillingCycle) string {
	if cycle == BillingCycleYearly {
		return p.Yearly
	}
	return p.Monthly
}

// Plan is an immutable catalog entry. Prices are whole currency units.
type Plan struct {
	Code         PlanCode   `json:"code"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	MonthlyPrice int64      `json:"monthly_price"`
	YearlyPrice  int64      `json:"yearly_price"`
	Currency     string     `json:"currency"`
	Limits       PlanLimits `json:"limits"`
	Prices       PriceRefs  `json:"-"`
	DisplayOrder int        `json:"display_order"`
}

// IsFree reports whether the plan has no recurring charge.
func (p Plan) IsFree() bool {
	return p.MonthlyPrice == 0 && p.YearlyPrice == 0
}

// SubscriptionStatus is the billing state of a subscription.
type SubscriptionStatus string

const (
	StatusInactive SubscriptionStatus = "INACTIVE"
	StatusActive   SubscriptionStatus = "ACTIVE"
	StatusTrialing SubscriptionStatus = "TRIALING"
	StatusPastDue  SubscriptionStatus = "PAST_DUE"
	StatusCanceled SubscriptionStatus = "CANCELED"
)

// IsLive reports whether the status counts toward the one-live-subscription-per-user rule.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusTrialing, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// EventOutcome is the state of a webhook event in the dedup ledger.
type EventOutcome string

const (
	OutcomeReceived  EventOutcome = "received"
	OutcomeProcessed EventOutcome = "processed"
	OutcomePending   EventOutcome = "pending"
	OutcomeConflict  EventOutcome = "conflict"
	OutcomeStale     EventOutcome = "stale"
	OutcomeIgnored   EventOutcome = "ignored"
	OutcomeEscalated EventOutcome = "escalated"
)

// IsFinal reports whether an event in this outcome must never be applied again.
// Pending events stay open for re-resolution; received events belong to a
// delivery whose transaction rolled back.
func (o EventOutcome) IsFinal() bool {
	switch o {
	case OutcomeReceived, OutcomePending:
		return false
	}
	return true
}

// WebhookEventRecord is one row of the dedup ledger.
type WebhookEventRecord struct {
	ExternalEventID        string
	EventType              string
	ExternalSubscriptionID string
	Outcome                EventOutcome
	Payload                []byte
	ProviderCreatedAt      time.Time
	ReceivedAt             time.Time
	ProcessedAt            *time.Time
	Attempts               int
	LastError              string
}

// OperatorAlert is an entry in the operator-visible error queue.
type OperatorAlert struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	ExternalEventID string         `json:"external_event_id,omitempty"`
	SubscriptionID  string         `json:"subscription_id,omitempty"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Alert kinds.
const (
	AlertKindUnresolvedEvent   = "unresolved_webhook_event"
	AlertKindInvalidTransition = "invalid_transition"
	AlertKindConflict          = "concurrency_conflict"
)

// Invoice is the provider invoice summary exposed as billing history.
type Invoice struct {
	ID          string     `json:"id"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	PDFURL      string     `json:"pdf_url,omitempty"`
}
