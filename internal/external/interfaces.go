package external

import (
	"context"
	"time"

	"tripbilling/internal/types"
)

// BillingGateway is the narrow port onto the billing provider. Status strings,
// timestamp units and payload shapes are translated here; callers only ever
// see domain types.
type BillingGateway interface {
	// CreateCustomer registers the user with the provider and returns the customer ID.
	CreateCustomer(ctx context.Context, in CustomerInput) (string, error)

	// CreateSubscription starts a provider subscription on priceRef. trialDays
	// of 0 means no trial.
	CreateSubscription(ctx context.Context, customerID, priceRef string, trialDays int, metadata map[string]string) (*ProviderSubscription, error)

	// CancelSubscription cancels now, or at the end of the current period when
	// atPeriodEnd is set.
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error)

	// ChangePlan swaps the subscription's single item onto newPriceRef.
	ChangePlan(ctx context.Context, subscriptionID, newPriceRef string) (*ProviderSubscription, error)

	// ListInvoices returns the most recent invoices of a customer.
	ListInvoices(ctx context.Context, customerID string, limit int) ([]types.Invoice, error)

	// VerifyWebhookSignature checks the signature header against secret and
	// decodes the payload into an Event.
	VerifyWebhookSignature(payload []byte, header string, secret string) (Event, error)
}

// CustomerInput identifies the user a provider customer is created for.
type CustomerInput struct {
	UserID string
	Email  string
	Name   string
}

// ProviderSubscription is the provider's view of a subscription, already
// mapped to domain status and wall-clock times.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             types.SubscriptionStatus
	PriceRef           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
}

// ProviderInvoice is the subset of an invoice the webhook processor needs.
type ProviderInvoice struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	AmountDue      int64
	AmountPaid     int64
	Currency       string
	AttemptCount   int
	NextAttemptAt  *time.Time
}
