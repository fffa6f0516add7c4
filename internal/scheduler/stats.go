package scheduler

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// RunStats accumulates task counters and per-attempt latencies for one run.
// All methods are safe for concurrent use.
type RunStats struct {
	mu        sync.Mutex
	attempts  int
	succeeded int
	failed    int
	retries   int
	latencies []float64
}

func NewRunStats() *RunStats {
	return &RunStats{}
}

func (s *RunStats) RecordAttempt(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.latencies = append(s.latencies, latency.Seconds())
}

func (s *RunStats) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded++
}

func (s *RunStats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

func (s *RunStats) RecordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// StatsSnapshot is a point-in-time copy of the run counters with latency
// quantiles computed over all attempts so far.
type StatsSnapshot struct {
	Attempts     int     `json:"attempts"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	Retries      int     `json:"retries"`
	ErrorRatePct float64 `json:"error_rate_pct"`
	LatencyP50   float64 `json:"latency_p50_seconds"`
	LatencyP90   float64 `json:"latency_p90_seconds"`
	LatencyP99   float64 `json:"latency_p99_seconds"`
}

func (s *RunStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	latencies := make([]float64, len(s.latencies))
	copy(latencies, s.latencies)
	snap := StatsSnapshot{
		Attempts:  s.attempts,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Retries:   s.retries,
	}
	s.mu.Unlock()

	if resolved := snap.Succeeded + snap.Failed; resolved > 0 {
		snap.ErrorRatePct = float64(snap.Failed) / float64(resolved) * 100
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		snap.LatencyP50 = stat.Quantile(0.50, stat.Empirical, latencies, nil)
		snap.LatencyP90 = stat.Quantile(0.90, stat.Empirical, latencies, nil)
		snap.LatencyP99 = stat.Quantile(0.99, stat.Empirical, latencies, nil)
	}
	return snap
}
