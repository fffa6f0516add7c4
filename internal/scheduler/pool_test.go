package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketscan/internal/domain"
)

func testConfig() Config {
	return Config{
		Workers:           2,
		PerWorkerDelay:    0,
		ErrorWindowSize:   10,
		ErrorThresholdPct: 50,
		BackoffDuration:   time.Millisecond,
		MaxAttempts:       1,
		GracePeriod:       time.Second,
	}
}

func continuousItems(subjects ...string) []WorkItem {
	items := make([]WorkItem, 0, len(subjects))
	for _, s := range subjects {
		items = append(items, WorkItem{
			Subject: domain.Subject(s),
			Kind:    domain.KindContinuous,
			Action:  ActionIncremental,
		})
	}
	return items
}

// resolveRecorder collects final outcomes keyed by subject.
type resolveRecorder struct {
	mu       sync.Mutex
	outcomes map[domain.Subject]error
}

func newResolveRecorder() *resolveRecorder {
	return &resolveRecorder{outcomes: make(map[domain.Subject]error)}
}

func (r *resolveRecorder) resolve(item WorkItem, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[item.Subject] = err
	return nil
}

func TestPool_ProcessesAllItems(t *testing.T) {
	pool := NewPool(testConfig(), zerolog.Nop())
	items := continuousItems("AAPL", "MSFT", "NVDA", "GOOG", "AMZN")
	recorder := newResolveRecorder()

	var executed atomic.Int64
	err := pool.Run(context.Background(), items, func(ctx context.Context, item WorkItem) error {
		executed.Add(1)
		return nil
	}, recorder.resolve)

	require.NoError(t, err)
	assert.Equal(t, int64(5), executed.Load())
	require.Len(t, recorder.outcomes, 5)
	for subject, outcome := range recorder.outcomes {
		assert.NoError(t, outcome, "subject %s", subject)
	}

	snap := pool.Stats().Snapshot()
	assert.Equal(t, 5, snap.Succeeded)
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, float64(0), snap.ErrorRatePct)
}

func TestPool_BacksOffWhenErrorRateExceedsThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.ErrorWindowSize = 2
	cfg.ErrorThresholdPct = 50
	cfg.BackoffDuration = 150 * time.Millisecond
	pool := NewPool(cfg, zerolog.Nop())

	// First two tasks fail, filling the window at 100% error rate. The worker
	// must sleep the backoff duration before picking up the third task.
	var mu sync.Mutex
	starts := make(map[domain.Subject]time.Time)
	var secondDone time.Time

	err := pool.Run(context.Background(), continuousItems("A", "B", "C"),
		func(ctx context.Context, item WorkItem) error {
			mu.Lock()
			starts[item.Subject] = time.Now()
			mu.Unlock()
			if item.Subject == "C" {
				return nil
			}
			defer func() {
				mu.Lock()
				secondDone = time.Now()
				mu.Unlock()
			}()
			return domain.NewTransientError(item.Subject, errors.New("upstream unavailable"))
		},
		func(item WorkItem, err error) error { return nil })
	require.NoError(t, err)

	require.Contains(t, starts, domain.Subject("C"))
	pause := starts["C"].Sub(secondDone)
	assert.GreaterOrEqual(t, pause, cfg.BackoffDuration,
		"third task must wait out the backoff pause")
}

func TestPool_SingleFailureBelowThresholdDoesNotBackOff(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.ErrorWindowSize = 2
	cfg.ErrorThresholdPct = 50
	cfg.BackoffDuration = time.Second
	pool := NewPool(cfg, zerolog.Nop())

	// One failure then one success fills the window at exactly 50%, which is
	// not above the threshold, so the third task runs without a pause.
	start := time.Now()
	err := pool.Run(context.Background(), continuousItems("A", "B", "C"),
		func(ctx context.Context, item WorkItem) error {
			if item.Subject == "A" {
				return domain.NewTransientError(item.Subject, errors.New("upstream unavailable"))
			}
			return nil
		},
		func(item WorkItem, err error) error { return nil })
	require.NoError(t, err)
	assert.Less(t, time.Since(start), cfg.BackoffDuration)
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 3
	pool := NewPool(cfg, zerolog.Nop())
	recorder := newResolveRecorder()

	var attempts atomic.Int64
	err := pool.Run(context.Background(), continuousItems("AAPL"),
		func(ctx context.Context, item WorkItem) error {
			if attempts.Add(1) < 3 {
				return domain.NewTransientError(item.Subject, errors.New("rate limited"))
			}
			return nil
		}, recorder.resolve)

	require.NoError(t, err)
	assert.Equal(t, int64(3), attempts.Load())
	assert.NoError(t, recorder.outcomes["AAPL"])

	snap := pool.Stats().Snapshot()
	assert.Equal(t, 3, snap.Attempts)
	assert.Equal(t, 2, snap.Retries)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 0, snap.Failed)
}

func TestPool_PermanentFailureIsNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 3
	pool := NewPool(cfg, zerolog.Nop())
	recorder := newResolveRecorder()

	var attempts atomic.Int64
	err := pool.Run(context.Background(), continuousItems("DELISTED"),
		func(ctx context.Context, item WorkItem) error {
			attempts.Add(1)
			return domain.NewPermanentError(item.Subject, errors.New("unknown symbol"))
		}, recorder.resolve)

	require.NoError(t, err)
	assert.Equal(t, int64(1), attempts.Load())
	assert.Error(t, recorder.outcomes["DELISTED"])
}

func TestPool_RetryExhaustionResolvesFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 2
	pool := NewPool(cfg, zerolog.Nop())
	recorder := newResolveRecorder()

	var attempts atomic.Int64
	err := pool.Run(context.Background(), continuousItems("AAPL"),
		func(ctx context.Context, item WorkItem) error {
			attempts.Add(1)
			return domain.NewTransientError(item.Subject, errors.New("timeout"))
		}, recorder.resolve)

	require.NoError(t, err)
	assert.Equal(t, int64(2), attempts.Load())
	assert.Error(t, recorder.outcomes["AAPL"])

	snap := pool.Stats().Snapshot()
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, float64(100), snap.ErrorRatePct)
}

func TestPool_PacesWorkPerWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.PerWorkerDelay = 50 * time.Millisecond
	pool := NewPool(cfg, zerolog.Nop())

	start := time.Now()
	err := pool.Run(context.Background(), continuousItems("A", "B", "C"),
		func(ctx context.Context, item WorkItem) error { return nil },
		func(item WorkItem, err error) error { return nil })

	require.NoError(t, err)
	// Three tasks on one worker need at least two pacing delays.
	assert.GreaterOrEqual(t, time.Since(start), 2*cfg.PerWorkerDelay)
}

func TestPool_ResolveErrorAbortsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	pool := NewPool(cfg, zerolog.Nop())

	writeErr := errors.New("checkpoint write failed")
	var executed atomic.Int64
	err := pool.Run(context.Background(), continuousItems("A", "B", "C", "D"),
		func(ctx context.Context, item WorkItem) error {
			executed.Add(1)
			return nil
		},
		func(item WorkItem, err error) error { return writeErr })

	require.ErrorIs(t, err, writeErr)
	assert.Equal(t, int64(1), executed.Load())
}

func TestPool_CancellationStopsDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	pool := NewPool(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var executed atomic.Int64
	err := pool.Run(ctx, continuousItems("A", "B", "C", "D", "E"),
		func(taskCtx context.Context, item WorkItem) error {
			if executed.Add(1) == 2 {
				cancel()
			}
			return nil
		},
		func(item WorkItem, err error) error { return nil })

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(2), executed.Load())
}

func TestPool_InFlightTaskFinishesWithinGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.GracePeriod = 500 * time.Millisecond
	pool := NewPool(cfg, zerolog.Nop())
	recorder := newResolveRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	err := pool.Run(ctx, continuousItems("A"),
		func(taskCtx context.Context, item WorkItem) error {
			cancel()
			// The task context must outlive run cancellation long enough for
			// in-flight work to complete.
			select {
			case <-taskCtx.Done():
				return taskCtx.Err()
			case <-time.After(50 * time.Millisecond):
				return nil
			}
		}, recorder.resolve)

	// The run itself reports cancellation, but the in-flight item completed
	// and was resolved successfully.
	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, recorder.outcomes["A"])
}
