// Package main implements billingctl, the operator CLI for the billing
// engine.
//
// Usage:
//
//	billingctl migrate
//	billingctl plans
//	billingctl sweep --task=trial_expiry --dry-run
//	billingctl sweep --task=all --reference-time=2026-03-01T12:00:00Z
//	billingctl pending list --older-than=10m
//	billingctl pending replay
//	billingctl alerts list --limit=20
//	billingctl stats
//
// Configuration is read the same way the API reads it (environment, .env,
// SSM outside local).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tripbilling/internal/app"
	"tripbilling/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &cli{
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		loadConfig: func() (*config.Config, error) {
			return config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
		},
		connect: app.New,
	}
	if err := newRootCmd(c).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries what every subcommand needs. Tests replace the loaders.
type cli struct {
	logger     *slog.Logger
	loadConfig func() (*config.Config, error)
	connect    func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.Container, error)
}

// withContainer loads configuration, connects, runs fn and closes the
// connections.
func (c *cli) withContainer(ctx context.Context, fn func(*app.Container) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	container, err := c.connect(ctx, cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			c.logger.WarnContext(ctx, "failed to close connections", "error", err)
		}
	}()
	return fn(container)
}
