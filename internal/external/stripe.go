package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tripbilling/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// DefaultWebhookTolerance is the maximum accepted age of a signed webhook.
const DefaultWebhookTolerance = 300 * time.Second

// StripeGatewayConfig holds the configuration for creating a StripeGateway.
type StripeGatewayConfig struct {
	SecretKey        string
	BaseURL          string // defaults to stripeAPIBase
	WebhookTolerance time.Duration
	Logger           *slog.Logger
}

// StripeGateway implements BillingGateway with form-encoded calls to the
// Stripe REST API routed through BaseClient.
type StripeGateway struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	tolerance time.Duration
	logger    *slog.Logger
}

// NewStripeGateway creates a StripeGateway with the default retry policy for
// Stripe (two retries, 500ms to 5s).
func NewStripeGateway(httpClient *http.Client, cfg StripeGatewayConfig, opts ...BaseClientOption) *StripeGateway {
	base := NewBaseClient(httpClient, "stripe", RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}, "TripBilling/1.0", opts...)
	return NewStripeGatewayWithBase(base, cfg)
}

// NewStripeGatewayWithBase creates a StripeGateway on a pre-configured BaseClient.
func NewStripeGatewayWithBase(base *BaseClient, cfg StripeGatewayConfig) *StripeGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &StripeGateway{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		tolerance: tolerance,
		logger:    logger,
	}
}

var _ BillingGateway = (*StripeGateway)(nil)

// CreateCustomer creates a Stripe customer tagged with the user ID.
func (s *StripeGateway) CreateCustomer(ctx context.Context, in CustomerInput) (string, error) {
	params := url.Values{}
	params.Set("email", in.Email)
	if in.Name != "" {
		params.Set("name", in.Name)
	}
	params.Set("metadata[user_id]", in.UserID)

	var customer stripeCustomer
	if err := s.call(ctx, http.MethodPost, "/v1/customers", params, "CreateCustomer", &customer); err != nil {
		return "", err
	}
	return customer.ID, nil
}

// CreateSubscription creates a subscription on priceRef. The first invoice is
// left incomplete when no payment method is on file; the customer completes it
// outside this service.
func (s *StripeGateway) CreateSubscription(ctx context.Context, customerID, priceRef string, trialDays int, metadata map[string]string) (*ProviderSubscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("items[0][price]", priceRef)
	params.Set("payment_behavior", "default_incomplete")
	if trialDays > 0 {
		params.Set("trial_period_days", strconv.Itoa(trialDays))
	}
	for k, v := range metadata {
		params.Set("metadata["+k+"]", v)
	}

	var sub stripeSubscription
	if err := s.call(ctx, http.MethodPost, "/v1/subscriptions", params, "CreateSubscription", &sub); err != nil {
		return nil, err
	}
	ps := mapStripeSubscription(&sub)
	return &ps, nil
}

// CancelSubscription cancels immediately (DELETE) or flags the subscription
// to cancel at period end.
func (s *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error) {
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)

	var sub stripeSubscription
	var err error
	if atPeriodEnd {
		params := url.Values{}
		params.Set("cancel_at_period_end", "true")
		err = s.call(ctx, http.MethodPost, path, params, "CancelSubscription", &sub)
	} else {
		err = s.call(ctx, http.MethodDelete, path, nil, "CancelSubscription", &sub)
	}
	if err != nil {
		return nil, err
	}
	ps := mapStripeSubscription(&sub)
	return &ps, nil
}

// ChangePlan replaces the price of the subscription's first item, prorating
// the difference.
func (s *StripeGateway) ChangePlan(ctx context.Context, subscriptionID, newPriceRef string) (*ProviderSubscription, error) {
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)

	var current stripeSubscription
	if err := s.call(ctx, http.MethodGet, path, nil, "ChangePlan.retrieve", &current); err != nil {
		return nil, err
	}
	if len(current.Items.Data) == 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("ChangePlan: subscription %s has no items", subscriptionID), nil)
	}

	params := url.Values{}
	params.Set("items[0][id]", current.Items.Data[0].ID)
	params.Set("items[0][price]", newPriceRef)
	params.Set("proration_behavior", "create_prorations")
	params.Set("cancel_at_period_end", "false")

	var updated stripeSubscription
	if err := s.call(ctx, http.MethodPost, path, params, "ChangePlan.update", &updated); err != nil {
		return nil, err
	}
	ps := mapStripeSubscription(&updated)
	return &ps, nil
}

// ListInvoices returns up to limit invoices, newest first.
func (s *StripeGateway) ListInvoices(ctx context.Context, customerID string, limit int) ([]types.Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("limit", strconv.Itoa(limit))

	var list stripeInvoiceList
	if err := s.call(ctx, http.MethodGet, "/v1/invoices", params, "ListInvoices", &list); err != nil {
		return nil, err
	}
	invoices := make([]types.Invoice, 0, len(list.Data))
	for i := range list.Data {
		invoices = append(invoices, mapStripeInvoice(&list.Data[i]))
	}
	return invoices, nil
}

// VerifyWebhookSignature validates the Stripe-Signature header within the
// configured tolerance and decodes the event. Expired timestamps and bad
// signatures both map to auth_ codes so the handler answers 4xx.
func (s *StripeGateway) VerifyWebhookSignature(payload []byte, header string, secret string) (Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret, s.tolerance); err != nil {
		code := types.ErrCodeAuthWebhookSignature
		if errors.Is(err, webhook.ErrTooOld) {
			code = types.ErrCodeAuthWebhookSignatureStale
		}
		return Event{}, types.NewAppError(code, "webhook signature verification failed", err)
	}
	return DecodeEvent(payload)
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

func (s *StripeGateway) call(ctx context.Context, method, path string, params url.Values, op string, out any) error {
	reqURL := s.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": building request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := s.base.Do(req)
	if err != nil {
		s.logger.WarnContext(ctx, "stripe request failed", "operation", op, "error", err)
		return wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp, op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, op+": failed to decode Stripe response", err)
	}
	return nil
}

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

func handleErrorResponse(resp *http.Response, op string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with unreadable body", op, resp.StatusCode), err)
	}
	var se stripeErrorResponse
	if err := json.Unmarshal(body, &se); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with non-JSON body", op, resp.StatusCode), err)
	}
	return mapStripeError(op, resp.StatusCode, &se.Error)
}

func mapStripeError(op string, status int, se *stripeErrorBody) error {
	if se.Code == "card_declined" || se.DeclineCode != "" {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", op, se.Message), nil,
			map[string]any{"decline_code": se.DeclineCode, "stripe_code": se.Code})
	}
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, op+": Stripe rate limit exceeded", nil)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", op, se.Message), nil)
	case status == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundSubscriptionReference,
			fmt.Sprintf("%s: Stripe resource not found: %s", op, se.Message), nil)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", op, status, se.Message), nil,
			map[string]any{"stripe_code": se.Code, "param": se.Param})
	}
}

func wrapStripeError(op string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, fmt.Sprintf("%s: Stripe request failed", op), err)
}
