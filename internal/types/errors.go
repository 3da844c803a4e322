package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. The prefix decides the HTTP status.
const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON   ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidPlan   ErrorCode = "validation_invalid_plan"
	ErrCodeValidationSamePlan      ErrorCode = "validation_same_plan"
	ErrCodeValidationTrialDays     ErrorCode = "validation_trial_days_out_of_range"
	ErrCodeValidationBillingCycle  ErrorCode = "validation_invalid_billing_cycle"
	ErrCodeValidationFeature       ErrorCode = "validation_unknown_feature"
	ErrCodeValidationWebhookBody   ErrorCode = "validation_invalid_webhook_payload"
	ErrCodeValidationInvalidUserID ErrorCode = "validation_invalid_user_id"
	ErrCodeValidationInvalidPeriod ErrorCode = "validation_invalid_billing_period"
	ErrCodeValidationInvalidStatus ErrorCode = "validation_invalid_status"

	// Auth (401)
	ErrCodeAuthUserMissing           ErrorCode = "auth_user_missing"
	ErrCodeAuthWebhookSignature      ErrorCode = "auth_webhook_signature_invalid"
	ErrCodeAuthWebhookSignatureStale ErrorCode = "auth_webhook_signature_expired"

	// Permission (403)
	ErrCodePermissionNotOwner ErrorCode = "permission_not_subscription_owner"

	// Limits (403)
	ErrCodeLimitFeatureDenied ErrorCode = "limit_feature_denied"

	// Not Found (404)
	ErrCodeNotFoundSubscription          ErrorCode = "not_found_subscription"
	ErrCodeNotFoundSubscriptionReference ErrorCode = "not_found_subscription_reference"
	ErrCodeNotFoundPlan                  ErrorCode = "not_found_plan"

	// Conflict (409)
	ErrCodeConflictConcurrent         ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictInvalidTransition  ErrorCode = "conflict_invalid_transition"
	ErrCodeConflictSubscriptionExists ErrorCode = "conflict_subscription_exists"

	// Internal/Upstream (500/502/503)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeInternalPublish     ErrorCode = "internal_event_publish_failed"
	ErrCodeUpstreamStripe      ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Payment-specific
	ErrCodePaymentDeclined ErrorCode = "payment_declined"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodePaymentDeclined):
		return http.StatusPaymentRequired
	case s == string(ErrCodeUpstreamUnavailable), s == string(ErrCodeUpstreamRateLimited):
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether a retry of the same operation may succeed.
// Upstream and internal failures are transient; client and state errors are not.
func (c ErrorCode) IsTransient() bool {
	s := string(c)
	return strings.HasPrefix(s, "upstream_") || strings.HasPrefix(s, "internal_")
}

// AppError is the standard application error type used throughout the service.
// Domain, repository and handler errors are expressed as AppError so they map
// consistently onto HTTP responses and keep their error chain.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain.
// Returns ErrCodeInternalUnexpected when no AppError is present.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// ErrVersionConflict is returned by repositories when a compare-and-swap write
// finds the stored version no longer matches the version that was read.
var ErrVersionConflict = NewAppError(ErrCodeConflictConcurrent, "subscription was modified concurrently", nil)

// InvalidTransitionError reports a state machine operation attempted from a
// status that does not allow it. It is never coerced: local and provider state
// have diverged and an operator must look.
type InvalidTransitionError struct {
	Op   string
	From SubscriptionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed from %s", e.Op, e.From)
}

// AsAppError wraps the transition error for the HTTP boundary.
func (e *InvalidTransitionError) AsAppError() *AppError {
	return NewAppErrorWithDetails(ErrCodeConflictInvalidTransition, e.Error(), e, map[string]any{
		"operation": e.Op,
		"from":      string(e.From),
	})
}
