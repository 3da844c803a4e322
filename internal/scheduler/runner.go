package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tripbilling/internal/types"
)

// DefaultLockTTL covers a typical run with margin. A crashed run's lock
// expires after this long.
const DefaultLockTTL = 15 * time.Minute

// JobLocker abstracts the distributed lock. *db.JobLockRepository implements it.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// JobHistorian records runs for operational visibility. *db.JobHistoryRepository
// implements it.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Job history statuses.
const (
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// Runner executes sweeps under the job lock and records their history.
type Runner struct {
	reconciler *Reconciler
	locks      JobLocker
	history    JobHistorian
	metrics    types.MetricsRecorder
	clock      types.Clock
	workerID   string
	lockTTL    time.Duration
	logger     *slog.Logger
}

// NewRunner creates a Runner. metrics may be nil.
func NewRunner(rec *Reconciler, locks JobLocker, history JobHistorian, metrics types.MetricsRecorder, workerID string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &Runner{
		reconciler: rec,
		locks:      locks,
		history:    history,
		metrics:    metrics,
		clock:      types.RealClock{},
		workerID:   workerID,
		lockTTL:    DefaultLockTTL,
		logger:     logger,
	}
}

// WithClock returns the runner with a replaced clock.
func (r *Runner) WithClock(c types.Clock) *Runner {
	r.clock = c
	return r
}

// WithLockTTL overrides DefaultLockTTL. Non-positive values are ignored.
func (r *Runner) WithLockTTL(ttl time.Duration) *Runner {
	if ttl > 0 {
		r.lockTTL = ttl
	}
	return r
}

// Run executes the task named in the payload, or every task for TaskAll.
//
// Independent sweeps run concurrently. Pending replay runs before pending
// escalation in the same goroutine, so an event that resolves on replay is
// never escalated by the same run. A failing sweep does not stop the others;
// the returned error joins every failure.
func (r *Runner) Run(ctx context.Context, p Payload) (Report, error) {
	task := p.Task
	if task == "" {
		task = TaskAll
	}
	if !task.Valid() {
		return Report{}, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			fmt.Sprintf("unknown reconciler task %q", task), nil, map[string]any{"task": string(task)})
	}

	now := r.clock.Now()
	if p.ReferenceTime != nil {
		now = p.ReferenceTime.UTC()
	}
	r.logger.InfoContext(ctx, "reconciler run started",
		"task", task,
		"reference_time", now.Format(time.RFC3339),
		"dry_run", p.DryRun,
		"worker_id", r.workerID,
	)

	report := Report{ReferenceTime: now, DryRun: p.DryRun}
	if task != TaskAll {
		res := r.runTask(ctx, task, now, p.DryRun)
		report.Results = []TaskResult{res}
		return report, resultError(report)
	}

	results := make(map[TaskType]TaskResult, len(AllTasks))
	resultCh := make(chan TaskResult, len(AllTasks))
	var g errgroup.Group
	for _, chain := range [][]TaskType{
		{TaskPeriodEndCancellations},
		{TaskTrialExpiry},
		{TaskPendingReplay, TaskPendingEscalation},
		{TaskTrialReminders},
		{TaskRetention},
	} {
		g.Go(func() error {
			for _, t := range chain {
				resultCh <- r.runTask(ctx, t, now, p.DryRun)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)
	for res := range resultCh {
		results[res.Task] = res
	}
	for _, t := range AllTasks {
		report.Results = append(report.Results, results[t])
	}

	r.logger.InfoContext(ctx, "reconciler run complete",
		"tasks", len(report.Results),
		"failed", report.Failed(),
	)
	return report, resultError(report)
}

// runTask runs one sweep under its lock. A held lock skips the sweep.
func (r *Runner) runTask(ctx context.Context, task TaskType, now time.Time, dryRun bool) TaskResult {
	res := TaskResult{Task: task}
	logger := r.logger.With("task", task)
	lockID := "reconciler:" + string(task)

	if !dryRun {
		acquired, err := r.locks.Acquire(ctx, lockID, r.workerID, r.clock.Now(), r.lockTTL)
		if err != nil {
			logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lockID, "error", err)
			res.Error = err.Error()
			r.metrics.RecordCount(ctx, types.MetricSweepFailed, 1, map[string]string{types.DimTask: string(task)})
			return res
		}
		if !acquired {
			logger.InfoContext(ctx, "job lock held by another worker, skipping", "lock_id", lockID)
			res.Skipped = true
			return res
		}
		defer func() {
			if err := r.locks.Release(context.WithoutCancel(ctx), lockID, r.workerID); err != nil {
				logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
			}
		}()
	}

	jobID, histErr := r.history.Start(ctx, string(task))
	if histErr != nil {
		// History is observability only; the sweep still runs.
		logger.WarnContext(ctx, "failed to record job start", "error", histErr)
	}

	n, err := r.dispatch(ctx, task, now, dryRun)
	res.Processed = n

	status := JobStatusSuccess
	if err != nil {
		status = JobStatusFailed
		res.Error = err.Error()
		logger.ErrorContext(ctx, "sweep failed", "error", err)
		r.metrics.RecordCount(ctx, types.MetricSweepFailed, 1, map[string]string{types.DimTask: string(task)})
	} else {
		logger.InfoContext(ctx, "sweep finished", "processed", n)
		r.metrics.RecordCount(ctx, types.MetricSweepProcessed, float64(n), map[string]string{types.DimTask: string(task)})
	}
	if histErr == nil {
		if err := r.history.Finish(context.WithoutCancel(ctx), jobID, status, n, err); err != nil {
			logger.WarnContext(ctx, "failed to record job completion", "error", err)
		}
	}
	return res
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, now time.Time, dryRun bool) (int, error) {
	rec := r.reconciler
	switch task {
	case TaskPeriodEndCancellations:
		return rec.ExpireEndedCancellations(ctx, now, dryRun)
	case TaskTrialExpiry:
		return rec.ExpireTrials(ctx, now, dryRun)
	case TaskPendingReplay:
		return rec.ReplayPending(ctx, now, dryRun)
	case TaskPendingEscalation:
		return rec.EscalatePending(ctx, now, dryRun)
	case TaskTrialReminders:
		return rec.SendTrialReminders(ctx, now, dryRun)
	case TaskRetention:
		return rec.PurgeCanceled(ctx, now, dryRun)
	}
	return 0, fmt.Errorf("unhandled task %q", task)
}

func resultError(report Report) error {
	var errs []error
	for _, res := range report.Results {
		if res.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", res.Task, res.Error))
		}
	}
	return errors.Join(errs...)
}
