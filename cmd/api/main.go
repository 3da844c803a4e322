// Package main is the entry point for the billing API server.
//
// It loads configuration, connects the shared infrastructure, registers the
// subscription, entitlement, webhook and operator handlers on the core
// chassis and starts serving.
//
// Locally (or in a container) it runs a standard HTTP server on the
// configured port. Inside AWS Lambda it serves API Gateway HTTP API events
// through the chi proxy adapter.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"

	"tripbilling/internal/api/handlers"
	"tripbilling/internal/app"
	"tripbilling/internal/config"
	"tripbilling/internal/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"event_bus", cfg.Events.Bus,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}

	srv, err := buildServer(cfg, container, logger)
	if err != nil {
		_ = container.Close()
		return err
	}

	if isLambdaEnvironment() {
		lambda.Start(chiadapter.NewV2(srv.Router()).ProxyWithContextV2)
		return nil
	}
	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires the handlers onto the chassis.
func buildServer(cfg *config.Config, c *app.Container, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.OnShutdown(closerFunc(c.Close))

	metrics := core.NewPrometheusMetrics(strings.ToLower(cfg.Observability.MetricNamespace))
	srv.Metrics = metrics
	srv.MetricsHandler = metrics.Handler()

	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{ProbeName: "database", Fn: c.Pool.Ping})
	if c.Redis != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
			ProbeName: "cache",
			Fn:        func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() },
		})
	}

	subscriptions := c.SubscriptionService()
	processor := c.WebhookProcessor(metrics)
	reconciler := c.Reconciler(processor)

	subHandler := handlers.NewSubscriptionHandler(subscriptions, srv.Validator, logger)
	entitlementHandler := handlers.NewEntitlementHandler(subscriptions, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(processor, c.Store.WebhookEvents(), cfg.Billing.StripeWebhookSecret, logger)
	adminHandler := handlers.NewAdminHandler(c.Store.Reconciliation(), reconciler, c.Store.Alerts(), logger)

	srv.RootRouteRegistrars = append(srv.RootRouteRegistrars, webhookHandler.RegisterRoutes)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars,
		subHandler.RegisterPublicRoutes,
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(core.AdminTokenMiddleware(cfg.Server.AdminToken))
				webhookHandler.RegisterStatusRoutes(r)
				adminHandler.RegisterRoutes(r)
			})
		},
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		subHandler.RegisterRoutes,
		entitlementHandler.RegisterRoutes,
	)

	srv.MountRoutes()
	return srv, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// closerFunc adapts a close function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newLogger creates a JSON slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
