// Package app wires the billing engine's dependencies from configuration.
// Every binary builds one Container at startup and closes it on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tripbilling/internal/billing"
	"tripbilling/internal/cache"
	"tripbilling/internal/config"
	"tripbilling/internal/db"
	"tripbilling/internal/external"
	"tripbilling/internal/notifications"
	"tripbilling/internal/scheduler"
	"tripbilling/internal/subscription"
	"tripbilling/internal/types"
	"tripbilling/internal/webhook"
)

const stripeHTTPTimeout = 15 * time.Second

// Container holds the shared infrastructure of one process.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client // nil when REDIS_URL is empty
	Store *db.Store

	Catalog   billing.Catalog
	Evaluator *billing.Evaluator
	Gateway   *external.StripeGateway
	Publisher types.EventPublisher
	Alerts    scheduler.AlertNotifier // nil when ALERTS_SQS_QUEUE_URL is empty
	Cache     *cache.SnapshotCache    // nil when the cache is off

	awsCfg  *aws.Config
	closers []func() error
}

// New connects to Postgres (and Redis and the event bus when configured)
// and builds the domain collaborators. On error everything opened so far
// is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (c *Container, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	c = &Container{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if err := c.connectPostgres(ctx); err != nil {
		return nil, err
	}
	if err := c.connectRedis(ctx); err != nil {
		return nil, err
	}

	c.Store, err = db.NewStore(c.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	c.Catalog = billing.NewStaticCatalog(cfg.Billing.Prices())
	c.Evaluator = billing.NewEvaluator(c.Catalog, cfg.Billing.PastDueGracePeriod)
	c.Gateway = external.NewStripeGateway(&http.Client{Timeout: stripeHTTPTimeout}, external.StripeGatewayConfig{
		SecretKey:        cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:          cfg.Billing.StripeAPIBaseURL,
		WebhookTolerance: cfg.Billing.WebhookTolerance,
		Logger:           logger,
	})

	if c.Publisher, err = c.eventPublisher(ctx); err != nil {
		return nil, err
	}
	if cfg.Events.AlertsQueueURL != "" {
		awsCfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		c.Alerts = notifications.NewSQSAlertNotifier(sqs.NewFromConfig(awsCfg), cfg.Events.AlertsQueueURL, logger)
	}
	return c, nil
}

func (c *Container) connectPostgres(ctx context.Context) error {
	dbCfg := c.Config.Database
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = dbCfg.MaxConns
	poolCfg.MinConns = dbCfg.MinConns
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	c.Pool = pool
	c.closers = append(c.closers, func() error { pool.Close(); return nil })
	c.Logger.InfoContext(ctx, "connected to database", "max_conns", dbCfg.MaxConns)
	return nil
}

// connectRedis enables the snapshot cache. Outside local, an unreachable
// Redis fails startup; locally the cache is simply left off.
func (c *Container) connectRedis(ctx context.Context) error {
	cacheCfg := c.Config.Cache
	if !cacheCfg.RedisURL.IsSet() {
		c.Logger.InfoContext(ctx, "snapshot cache disabled")
		return nil
	}
	opt, err := redis.ParseURL(cacheCfg.RedisURL.Unmask())
	if err != nil {
		return fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if c.Config.Environment == "local" {
			c.Logger.WarnContext(ctx, "redis not available, snapshot cache disabled", "error", err)
			return nil
		}
		return fmt.Errorf("connecting to redis: %w", err)
	}
	c.Redis = client
	c.Cache = cache.NewSnapshotCache(client, cacheCfg.SnapshotTTL, c.Logger)
	c.closers = append(c.closers, client.Close)
	c.Logger.InfoContext(ctx, "connected to redis", "snapshot_ttl", cacheCfg.SnapshotTTL)
	return nil
}

func (c *Container) eventPublisher(ctx context.Context) (types.EventPublisher, error) {
	events := c.Config.Events
	switch events.Bus {
	case config.EventBusSQS:
		awsCfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return notifications.NewSQSPublisher(sqs.NewFromConfig(awsCfg), events.SQSQueueURL, c.Logger), nil
	case config.EventBusRabbitMQ:
		pub, err := notifications.DialAMQP(events.RabbitMQURL.Unmask(), events.RabbitMQExchange, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		c.closers = append(c.closers, pub.Close)
		return pub, nil
	default:
		return notifications.NewLogPublisher(c.Logger), nil
	}
}

// AWSConfig loads the SDK configuration once. AWS_ENDPOINT_URL points every
// client at LocalStack.
func (c *Container) AWSConfig(ctx context.Context) (aws.Config, error) {
	if c.awsCfg != nil {
		return *c.awsCfg, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Config.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if c.Config.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(c.Config.AWS.EndpointURL)
	}
	c.awsCfg = &awsCfg
	return awsCfg, nil
}

// JobMetrics returns the recorder for background jobs: CloudWatch when
// enabled outside local, otherwise a no-op.
func (c *Container) JobMetrics(ctx context.Context) (types.MetricsRecorder, error) {
	if !c.Config.Observability.EnableMetrics || c.Config.Environment == "local" {
		return types.NoopMetrics{}, nil
	}
	awsCfg, err := c.AWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return notifications.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), c.Logger), nil
}

// SubscriptionService builds the user-facing use cases.
func (c *Container) SubscriptionService() *subscription.Service {
	opts := []subscription.Option{subscription.WithMaxAttempts(c.Config.Billing.CASMaxAttempts)}
	if c.Cache != nil {
		opts = append(opts, subscription.WithCache(c.Cache))
	}
	return subscription.NewService(c.Gateway, c.Store, c.Catalog, c.Evaluator, c.Publisher, c.Logger, opts...)
}

// WebhookProcessor builds the provider event processor.
func (c *Container) WebhookProcessor(metrics types.MetricsRecorder) *webhook.Processor {
	opts := []webhook.Option{webhook.WithMaxAttempts(c.Config.Billing.CASMaxAttempts)}
	if metrics != nil {
		opts = append(opts, webhook.WithMetrics(metrics))
	}
	if c.Cache != nil {
		opts = append(opts, webhook.WithInvalidator(c.Cache))
	}
	return webhook.NewProcessor(c.Gateway, c.Store, c.Catalog, c.Publisher, c.Logger, opts...)
}

// Reconciler builds the sweeps. Pending events are replayed through replayer.
func (c *Container) Reconciler(replayer scheduler.Replayer) *scheduler.Reconciler {
	rc := c.Config.Reconciler
	deps := scheduler.ReconcilerDeps{
		Store:     c.Store,
		Queries:   c.Store.Reconciliation(),
		Replayer:  replayer,
		Publisher: c.Publisher,
		FreePlan:  billing.FreePlan,
		Logger:    c.Logger,
	}
	if c.Alerts != nil {
		deps.Alerts = c.Alerts
	}
	if c.Cache != nil {
		deps.Invalidator = c.Cache
	}
	return scheduler.NewReconciler(deps, scheduler.Settings{
		BatchLimit:             rc.BatchLimit,
		PendingReplayAfter:     rc.PendingReplayAfter,
		PendingEscalationAfter: rc.PendingEscalationAfter,
		TrialReminderDays:      rc.TrialReminderDays,
		TrialExpiryGrace:       rc.TrialExpiryGrace,
		RetentionWindow:        rc.RetentionWindow,
		MaxAttempts:            c.Config.Billing.CASMaxAttempts,
	})
}

// Runner builds the locked, history-recording sweep runner.
func (c *Container) Runner(rec *scheduler.Reconciler, metrics types.MetricsRecorder, workerID string) *scheduler.Runner {
	return scheduler.NewRunner(rec, c.Store.JobLocks(), c.Store.JobHistory(), metrics, workerID, c.Logger).
		WithLockTTL(c.Config.Reconciler.LockTTL)
}

// Close releases connections in reverse order of opening.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
