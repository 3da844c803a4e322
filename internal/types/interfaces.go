package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Used by tests and dry runs.
type FixedClock struct{ T time.Time }

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }

// IDGenerator produces unique identifiers for new records.
type IDGenerator func() string

// MetricsRecorder records counters for background jobs.
type MetricsRecorder interface {
	RecordCount(ctx context.Context, metric string, value float64, dims map[string]string)
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

// RecordCount does nothing.
func (NoopMetrics) RecordCount(context.Context, string, float64, map[string]string) {}
