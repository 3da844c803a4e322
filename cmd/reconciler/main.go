// Package main is the entrypoint for the reconciler Lambda function.
//
// EventBridge schedules send a scheduler.Payload naming one sweep (or "all").
// The handler runs it through scheduler.Runner, which takes the Postgres job
// lock per sweep and records job history. Outside Lambda the binary performs
// a single run of every sweep and exits, which is how cron-style container
// deployments invoke it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"tripbilling/internal/app"
	"tripbilling/internal/config"
	"tripbilling/internal/scheduler"
)

// SweepRunner executes a reconciler payload. *scheduler.Runner implements it.
type SweepRunner interface {
	Run(ctx context.Context, p scheduler.Payload) (scheduler.Report, error)
}

// Handler adapts the runner to the Lambda invocation contract.
type Handler struct {
	Runner SweepRunner
	Logger *slog.Logger
}

// Handle runs one payload. A failed sweep fails the invocation so the
// schedule's retry policy and alarms see it; the report is still returned.
func (h *Handler) Handle(ctx context.Context, payload scheduler.Payload) (scheduler.Report, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	report, err := h.Runner.Run(ctx, payload)
	if err != nil {
		logger.ErrorContext(ctx, "reconciler run failed", "task", payload.Task, "error", err)
		return report, fmt.Errorf("reconciler run: %w", err)
	}
	return report, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("reconciler initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := app.New(ctx, cfg, logger)
	if err != nil {
		cancel()
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	metrics, err := container.JobMetrics(ctx)
	cancel()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Worker ID identifies this instance as the job lock owner.
	workerID := uuid.NewString()
	reconciler := container.Reconciler(container.WebhookProcessor(metrics))
	handler := &Handler{
		Runner: container.Runner(reconciler, metrics, workerID),
		Logger: logger,
	}
	logger.Info("reconciler initialized", "worker_id", workerID, "environment", cfg.Environment)

	if _, inLambda := os.LookupEnv("AWS_LAMBDA_RUNTIME_API"); inLambda {
		lambda.Start(handler.Handle)
		return
	}

	report, runErr := handler.Handle(context.Background(), scheduler.Payload{Task: scheduler.TaskAll})
	_ = json.NewEncoder(os.Stdout).Encode(report)
	if err := container.Close(); err != nil {
		logger.Warn("failed to close dependencies", "error", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
