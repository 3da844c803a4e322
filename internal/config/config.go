// Package config defines the configuration of the billing engine binaries.
// Configuration is loaded once at process start and never modified.
//
// Values are resolved in priority order:
//
//	OS environment -> .env file -> AWS SSM Parameter Store
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"tripbilling/internal/types"
)

// SecretString is the redacted string type used for credentials.
type SecretString = types.SecretString

// Event bus backends for domain events.
const (
	EventBusLog      = "log"
	EventBusSQS      = "sqs"
	EventBusRabbitMQ = "rabbitmq"
)

// Config is the top-level configuration. Components receive only the
// section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"tripbilling"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Events        EventsConfig
	Cache         CacheConfig
	Reconciler    ReconcilerConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not the environment.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	APIExternalURL string        `envconfig:"API_EXTERNAL_URL" validate:"omitempty,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`

	// AdminToken guards /v1/admin. Admin routes are disabled when empty.
	AdminToken         SecretString `envconfig:"ADMIN_API_TOKEN"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds the Postgres connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds the region and the LocalStack override.
type AWSConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds the Stripe credentials, the price references of the
// paid plans and the state machine tuning.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIBaseURL    string        `envconfig:"STRIPE_API_BASE_URL" default:"https://api.stripe.com" validate:"url"`
	WebhookTolerance    time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"300s" validate:"gt=0"`

	PriceAventureroMonthly     string `envconfig:"STRIPE_PRICE_AVENTURERO_MONTHLY"`
	PriceAventureroYearly      string `envconfig:"STRIPE_PRICE_AVENTURERO_YEARLY"`
	PriceExpedicionarioMonthly string `envconfig:"STRIPE_PRICE_EXPEDICIONARIO_MONTHLY"`
	PriceExpedicionarioYearly  string `envconfig:"STRIPE_PRICE_EXPEDICIONARIO_YEARLY"`

	PastDueGracePeriod time.Duration `envconfig:"PAST_DUE_GRACE_PERIOD" default:"72h" validate:"gte=0"`
	CASMaxAttempts     int           `envconfig:"CAS_MAX_ATTEMPTS" default:"3" validate:"gte=1,lte=10"`
}

// Prices returns the configured provider price references keyed by plan.
func (b BillingConfig) Prices() map[types.PlanCode]types.PriceRefs {
	return map[types.PlanCode]types.PriceRefs{
		types.PlanAventurero:     {Monthly: b.PriceAventureroMonthly, Yearly: b.PriceAventureroYearly},
		types.PlanExpedicionario: {Monthly: b.PriceExpedicionarioMonthly, Yearly: b.PriceExpedicionarioYearly},
	}
}

// EventsConfig selects the domain event bus and the operator alert queue.
type EventsConfig struct {
	Bus              string       `envconfig:"EVENT_BUS" default:"log" validate:"oneof=log sqs rabbitmq"`
	SQSQueueURL      string       `envconfig:"EVENTS_SQS_QUEUE_URL" validate:"omitempty,url"`
	AlertsQueueURL   string       `envconfig:"ALERTS_SQS_QUEUE_URL" validate:"omitempty,url"`
	RabbitMQURL      SecretString `envconfig:"RABBITMQ_URL"`
	RabbitMQExchange string       `envconfig:"RABBITMQ_EXCHANGE" default:"tripbilling.billing.events"`
}

// CacheConfig configures the entitlement snapshot cache. The cache is off
// when RedisURL is empty.
type CacheConfig struct {
	RedisURL    SecretString  `envconfig:"REDIS_URL"`
	SnapshotTTL time.Duration `envconfig:"SNAPSHOT_TTL" default:"5m" validate:"gt=0"`
}

// ReconcilerConfig tunes the reconciler sweeps.
type ReconcilerConfig struct {
	BatchLimit             int           `envconfig:"RECONCILER_BATCH_LIMIT" default:"100" validate:"gt=0"`
	PendingReplayAfter     time.Duration `envconfig:"PENDING_REPLAY_AFTER" default:"1m"`
	PendingEscalationAfter time.Duration `envconfig:"PENDING_ESCALATION_AFTER" default:"1h"`
	TrialReminderDays      int           `envconfig:"TRIAL_REMINDER_DAYS" default:"3" validate:"gt=0"`
	TrialExpiryGrace       time.Duration `envconfig:"TRIAL_EXPIRY_GRACE" default:"1h"`
	RetentionWindow        time.Duration `envconfig:"RETENTION_WINDOW" default:"2160h"`
	LockTTL                time.Duration `envconfig:"RECONCILER_LOCK_TTL" default:"15m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"TripBilling"`
	EnableMetrics   bool   `envconfig:"ENABLE_CLOUDWATCH_METRICS" default:"true"`
}

// BuildInfo is build metadata injected via ldflags.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
