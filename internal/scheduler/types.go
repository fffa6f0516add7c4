// Package scheduler executes fetch work items through a bounded worker pool
// under a pacing and backoff policy. Aggregate throughput is soft-limited to
// workers/per_worker_delay; each worker additionally backs off when its own
// rolling error rate crosses the configured threshold.
package scheduler

import (
	"time"

	"github.com/aristath/marketscan/internal/domain"
)

// Action is the fetch strategy chosen for a work item.
type Action string

const (
	// ActionFullFetch refetches the full window or snapshot.
	ActionFullFetch Action = "full_fetch"
	// ActionIncremental fetches a short recent window to merge against cache.
	ActionIncremental Action = "incremental"
	// ActionSkip serves the fresh cached record without fetching.
	ActionSkip Action = "skip"
)

// WorkItem is one scheduled fetch task for a subject/kind.
type WorkItem struct {
	Subject  domain.Subject
	Kind     domain.SeriesKind
	Action   Action
	Attempts int
	// Retry marks an item re-enqueued after failing in an earlier resume of
	// the same run. A retried item that fails again is terminal.
	Retry bool
}

// Config tunes the worker pool.
type Config struct {
	Workers           int
	PerWorkerDelay    time.Duration
	ErrorWindowSize   int
	ErrorThresholdPct float64
	BackoffDuration   time.Duration
	MaxAttempts       int
	// GracePeriod bounds how long in-flight tasks may run after cancellation
	// before being abandoned.
	GracePeriod time.Duration
}

// Defaults mirrors the conservative preset of the original scanner.
func Defaults() Config {
	return Config{
		Workers:           3,
		PerWorkerDelay:    500 * time.Millisecond,
		ErrorWindowSize:   20,
		ErrorThresholdPct: 50,
		BackoffDuration:   30 * time.Second,
		MaxAttempts:       3,
		GracePeriod:       30 * time.Second,
	}
}

// normalize fills unset fields with sane values.
func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ErrorWindowSize <= 0 {
		c.ErrorWindowSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	return c
}
