package types

// Telemetry metric names. Shared by the CloudWatch recorder used by the
// reconciler and the Prometheus collector used by the API.
const (
	// Metric Names
	MetricWebhookReceived     = "WebhookReceived"
	MetricWebhookOutcome      = "WebhookOutcome"
	MetricWebhookRejected     = "WebhookRejected"
	MetricTransitionConflict  = "TransitionConflict"
	MetricSweepProcessed      = "SweepProcessed"
	MetricSweepFailed         = "SweepFailed"
	MetricEventPublishFailure = "EventPublishFailure"
	MetricExternalAPIFailure  = "ExternalAPIFailure"
	MetricAPILatency          = "APILatency"

	// Dimension Keys
	DimOutcome   = "Outcome"
	DimEventType = "EventType"
	DimTask      = "Task"
	DimProvider  = "Provider"
	DimEndpoint  = "Endpoint"

	// Metric Namespace
	MetricNamespace = "TripBilling"
)
