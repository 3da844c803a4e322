// Package scheduler implements the billing reconciler: periodic sweeps that
// finish work the webhook path cannot, such as cancellations that take effect
// at period end, lapsed trials and webhook events that arrived before their
// subscription existed.
//
// Every sweep is an idempotent conditional update. A subscription is only
// transitioned if it is still in the expected source state, and writes go
// through the same version compare-and-swap the webhook processor uses, so
// sweeps are safe to run while live webhooks are being applied.
package scheduler

import "time"

// TaskType identifies one reconciler sweep.
type TaskType string

const (
	TaskPeriodEndCancellations TaskType = "period_end_cancellations"
	TaskTrialExpiry            TaskType = "trial_expiry"
	TaskPendingReplay          TaskType = "pending_replay"
	TaskPendingEscalation      TaskType = "pending_escalation"
	TaskTrialReminders         TaskType = "trial_reminders"
	TaskRetention              TaskType = "retention"

	// TaskAll runs every sweep.
	TaskAll TaskType = "all"
)

// AllTasks lists the sweeps in the order they are reported.
var AllTasks = []TaskType{
	TaskPeriodEndCancellations,
	TaskTrialExpiry,
	TaskPendingReplay,
	TaskPendingEscalation,
	TaskTrialReminders,
	TaskRetention,
}

// Valid reports whether t names a sweep or TaskAll.
func (t TaskType) Valid() bool {
	if t == TaskAll {
		return true
	}
	for _, known := range AllTasks {
		if t == known {
			return true
		}
	}
	return false
}

// Payload is the JSON sent by the EventBridge schedule (or the operator CLI)
// to start a run.
//
//	{
//	  "task": "trial_expiry",
//	  "reference_time": "2026-03-01T12:00:00Z",  // optional
//	  "dry_run": true                             // optional
//	}
type Payload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for backfills and deterministic runs.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	DryRun        bool       `json:"dry_run,omitempty"`
}

// TaskResult is the outcome of one sweep within a run.
type TaskResult struct {
	Task      TaskType `json:"task"`
	Processed int      `json:"processed"`
	Skipped   bool     `json:"skipped,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	ReferenceTime time.Time    `json:"reference_time"`
	DryRun        bool         `json:"dry_run,omitempty"`
	Results       []TaskResult `json:"results"`
}

// Failed reports whether any sweep in the run failed.
func (r Report) Failed() bool {
	for _, res := range r.Results {
		if res.Error != "" {
			return true
		}
	}
	return false
}
