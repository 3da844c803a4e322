package external

import (
	"encoding/json"
	"fmt"
	"time"

	"tripbilling/internal/types"
)

// Stripe event types the processor understands.
const (
	EventStripeSubCreated       = "customer.subscription.created"
	EventStripeSubUpdated       = "customer.subscription.updated"
	EventStripeSubDeleted       = "customer.subscription.deleted"
	EventStripeTrialWillEnd     = "customer.subscription.trial_will_end"
	EventStripeInvoicePaid      = "invoice.paid"
	EventStripePaymentSucceeded = "invoice.payment_succeeded"
	EventStripePaymentFailed    = "invoice.payment_failed"
)

// Event is a verified provider notification. Payload is one of the closed set
// of payload types below; kinds this service does not act on decode to
// Unhandled rather than failing.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Payload   EventPayload
	Raw       []byte
}

// EventPayload is implemented only by the payload types in this file.
type EventPayload interface {
	eventPayload()
}

// SubscriptionCreated carries a newly created provider subscription.
type SubscriptionCreated struct{ Subscription ProviderSubscription }

// SubscriptionUpdated carries the provider's current view after any change.
type SubscriptionUpdated struct{ Subscription ProviderSubscription }

// SubscriptionDeleted is sent when the provider has ended a subscription.
type SubscriptionDeleted struct{ Subscription ProviderSubscription }

// TrialWillEnd is sent a few days before a trial converts.
type TrialWillEnd struct{ Subscription ProviderSubscription }

// InvoicePaid is sent for invoice.paid and invoice.payment_succeeded.
type InvoicePaid struct{ Invoice ProviderInvoice }

// InvoicePaymentFailed is sent when a renewal charge fails.
type InvoicePaymentFailed struct{ Invoice ProviderInvoice }

// Unhandled is any event type this service does not act on.
type Unhandled struct{ Type string }

func (SubscriptionCreated) eventPayload()  {}
func (SubscriptionUpdated) eventPayload()  {}
func (SubscriptionDeleted) eventPayload()  {}
func (TrialWillEnd) eventPayload()         {}
func (InvoicePaid) eventPayload()          {}
func (InvoicePaymentFailed) eventPayload() {}
func (Unhandled) eventPayload()            {}

// SubscriptionRef returns the provider subscription ID the event targets, or
// "" for events that target no subscription.
func (e Event) SubscriptionRef() string {
	switch p := e.Payload.(type) {
	case SubscriptionCreated:
		return p.Subscription.ID
	case SubscriptionUpdated:
		return p.Subscription.ID
	case SubscriptionDeleted:
		return p.Subscription.ID
	case TrialWillEnd:
		return p.Subscription.ID
	case InvoicePaid:
		return p.Invoice.SubscriptionID
	case InvoicePaymentFailed:
		return p.Invoice.SubscriptionID
	}
	return ""
}

// ---------------------------------------------------------------------------
// Wire decoding
// ---------------------------------------------------------------------------

type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// DecodeEvent parses a raw Stripe event. It does not verify signatures; use
// VerifyWebhookSignature for untrusted input.
func DecodeEvent(payload []byte) (Event, error) {
	var raw stripeWebhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, types.NewAppError(types.ErrCodeValidationWebhookBody, "malformed event JSON", err)
	}
	if raw.ID == "" || raw.Type == "" {
		return Event{}, types.NewAppError(types.ErrCodeValidationWebhookBody, "event id and type are required", nil)
	}

	ev := Event{
		ID:        raw.ID,
		Type:      raw.Type,
		CreatedAt: time.Unix(raw.Created, 0).UTC(),
		Raw:       payload,
	}

	var err error
	switch raw.Type {
	case EventStripeSubCreated, EventStripeSubUpdated, EventStripeSubDeleted, EventStripeTrialWillEnd:
		var sub stripeSubscription
		if err = json.Unmarshal(raw.Data.Object, &sub); err != nil {
			break
		}
		ps := mapStripeSubscription(&sub)
		switch raw.Type {
		case EventStripeSubCreated:
			ev.Payload = SubscriptionCreated{Subscription: ps}
		case EventStripeSubUpdated:
			ev.Payload = SubscriptionUpdated{Subscription: ps}
		case EventStripeSubDeleted:
			ev.Payload = SubscriptionDeleted{Subscription: ps}
		default:
			ev.Payload = TrialWillEnd{Subscription: ps}
		}
	case EventStripeInvoicePaid, EventStripePaymentSucceeded, EventStripePaymentFailed:
		var inv stripeInvoice
		if err = json.Unmarshal(raw.Data.Object, &inv); err != nil {
			break
		}
		pi := mapProviderInvoice(&inv)
		if raw.Type == EventStripePaymentFailed {
			ev.Payload = InvoicePaymentFailed{Invoice: pi}
		} else {
			ev.Payload = InvoicePaid{Invoice: pi}
		}
	default:
		ev.Payload = Unhandled{Type: raw.Type}
	}
	if err != nil {
		return Event{}, types.NewAppError(types.ErrCodeValidationWebhookBody,
			fmt.Sprintf("malformed %s object", raw.Type), err)
	}
	return ev, nil
}

// stripeSubscription covers both the legacy top-level period fields and the
// newer per-item period fields.
type stripeSubscription struct {
	ID                 string     `json:"id"`
	Customer           expandable `json:"customer"`
	Status             string     `json:"status"`
	CurrentPeriodStart int64      `json:"current_period_start"`
	CurrentPeriodEnd   int64      `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         int64      `json:"canceled_at"`
	TrialStart         int64      `json:"trial_start"`
	TrialEnd           int64      `json:"trial_end"`
	Items              struct {
		Data []struct {
			ID                 string `json:"id"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string     `json:"id"`
	Customer     expandable `json:"customer"`
	Subscription expandable `json:"subscription"`
	Status       string     `json:"status"`
	AmountDue    int64      `json:"amount_due"`
	AmountPaid   int64      `json:"amount_paid"`
	Currency     string     `json:"currency"`
	AttemptCount int        `json:"attempt_count"`
	NextAttempt  int64      `json:"next_payment_attempt"`
	PeriodStart  int64      `json:"period_start"`
	PeriodEnd    int64      `json:"period_end"`
	InvoicePDF   string     `json:"invoice_pdf"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

type stripeInvoiceList struct {
	Data    []stripeInvoice `json:"data"`
	HasMore bool            `json:"has_more"`
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// expandable decodes a Stripe field that is either an ID string or an
// expanded object with an "id".
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*e = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

func mapStripeSubscription(s *stripeSubscription) ProviderSubscription {
	ps := ProviderSubscription{
		ID:                s.ID,
		CustomerID:        string(s.Customer),
		Status:            mapSubscriptionStatus(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(s.CanceledAt),
		TrialStart:        unixPtr(s.TrialStart),
		TrialEnd:          unixPtr(s.TrialEnd),
	}
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		ps.PriceRef = item.Price.ID
		if start == 0 && end == 0 {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	ps.CurrentPeriodStart = unixTime(start)
	ps.CurrentPeriodEnd = unixTime(end)
	return ps
}

func mapProviderInvoice(inv *stripeInvoice) ProviderInvoice {
	subID := string(inv.Subscription)
	if subID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subID = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ProviderInvoice{
		ID:             inv.ID,
		SubscriptionID: subID,
		CustomerID:     string(inv.Customer),
		AmountDue:      inv.AmountDue,
		AmountPaid:     inv.AmountPaid,
		Currency:       inv.Currency,
		AttemptCount:   inv.AttemptCount,
		NextAttemptAt:  unixPtr(inv.NextAttempt),
	}
}

func mapStripeInvoice(inv *stripeInvoice) types.Invoice {
	return types.Invoice{
		ID:          inv.ID,
		AmountCents: inv.AmountDue,
		Currency:    inv.Currency,
		Status:      inv.Status,
		PeriodStart: unixTime(inv.PeriodStart),
		PeriodEnd:   unixTime(inv.PeriodEnd),
		PaidAt:      unixPtr(inv.StatusTransitions.PaidAt),
		PDFURL:      inv.InvoicePDF,
	}
}

// mapSubscriptionStatus maps Stripe's status strings onto the domain. Unknown,
// incomplete and unpaid states are treated as not yet live.
func mapSubscriptionStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.StatusActive
	case "trialing":
		return types.StatusTrialing
	case "past_due":
		return types.StatusPastDue
	case "canceled", "cancelled":
		return types.StatusCanceled
	default:
		return types.StatusInactive
	}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
