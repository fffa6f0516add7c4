package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/marketscan/internal/domain"
)

// maxRetryDelay caps exponential retry growth.
const maxRetryDelay = 5 * time.Minute

// TaskFunc executes one work item. The context it receives survives run
// cancellation for the configured grace period.
type TaskFunc func(ctx context.Context, item WorkItem) error

// ResolveFunc is called exactly once per item with its final outcome, after
// retries are exhausted or the item succeeded. A non-nil return aborts the
// whole run; the checkpoint ledger uses this to make write failures fatal.
type ResolveFunc func(item WorkItem, err error) error

// Pool dispatches work items to a fixed set of workers over a shared FIFO
// queue. Items are drained in submission order; each worker applies its own
// pacing delay and rolling-error backoff independently.
type Pool struct {
	cfg   Config
	log   zerolog.Logger
	stats *RunStats
}

func NewPool(cfg Config, log zerolog.Logger) *Pool {
	return &Pool{
		cfg:   cfg.normalize(),
		log:   log.With().Str("component", "scheduler").Logger(),
		stats: NewRunStats(),
	}
}

// Stats exposes the live run counters, safe for concurrent reads while the
// pool is running.
func (p *Pool) Stats() *RunStats {
	return p.stats
}

// Run processes every item and blocks until the queue drains, the context is
// cancelled, or a resolution write fails. In-flight tasks get GracePeriod to
// finish after cancellation before their context is cut.
func (p *Pool) Run(ctx context.Context, items []WorkItem, task TaskFunc, resolve ResolveFunc) error {
	queue := make(chan WorkItem, len(items))
	for _, item := range items {
		queue <- item
	}
	close(queue)

	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()
	go func() {
		select {
		case <-ctx.Done():
			timer := time.NewTimer(p.cfg.GracePeriod)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancelTasks()
			case <-taskCtx.Done():
			}
		case <-taskCtx.Done():
		}
	}()

	p.log.Info().
		Int("items", len(items)).
		Int("workers", p.cfg.Workers).
		Dur("per_worker_delay", p.cfg.PerWorkerDelay).
		Msg("Dispatching work items")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return p.worker(gctx, taskCtx, workerID, queue, task, resolve)
		})
	}
	return g.Wait()
}

func (p *Pool) worker(ctx, taskCtx context.Context, id int, queue <-chan WorkItem, task TaskFunc, resolve ResolveFunc) error {
	log := p.log.With().Int("worker", id).Logger()
	window := newErrorWindow(p.cfg.ErrorWindowSize)
	var lastDone time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// The window only speaks once it holds a full set of outcomes, so a
		// single early failure does not trigger a spurious backoff.
		if rate := window.ErrorRate(); window.Full() && rate > p.cfg.ErrorThresholdPct {
			log.Warn().
				Float64("error_rate_pct", rate).
				Dur("backoff", p.cfg.BackoffDuration).
				Msg("Error rate above threshold, backing off")
			if err := sleepCtx(ctx, p.cfg.BackoffDuration); err != nil {
				return err
			}
			window.Reset()
		}

		if !lastDone.IsZero() {
			if wait := p.cfg.PerWorkerDelay - time.Since(lastDone); wait > 0 {
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
			}
		}

		var item WorkItem
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok = <-queue:
			if !ok {
				return nil
			}
		}

		err := p.execute(ctx, taskCtx, log, item, task)
		lastDone = time.Now()
		window.Record(err != nil)

		if rerr := resolve(item, err); rerr != nil {
			log.Error().Err(rerr).
				Str("subject", string(item.Subject)).
				Msg("Resolution write failed, aborting run")
			return rerr
		}
	}
}

// execute runs one item with retries. Transient failures retry up to
// MaxAttempts with exponential delay; permanent failures fail immediately.
func (p *Pool) execute(ctx, taskCtx context.Context, log zerolog.Logger, item WorkItem, task TaskFunc) error {
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		item.Attempts = attempt

		start := time.Now()
		err = task(taskCtx, item)
		p.stats.RecordAttempt(time.Since(start))

		if err == nil {
			p.stats.RecordSuccess()
			return nil
		}
		if domain.IsPermanent(err) {
			log.Debug().Err(err).Str("subject", string(item.Subject)).Msg("Permanent failure, not retrying")
			break
		}
		if attempt < p.cfg.MaxAttempts {
			delay := retryDelay(p.cfg.BackoffDuration, attempt)
			log.Debug().Err(err).
				Str("subject", string(item.Subject)).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("Transient failure, retrying")
			p.stats.RecordRetry()
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				p.stats.RecordFailure()
				return err
			}
		}
	}

	p.stats.RecordFailure()
	return err
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << (attempt - 1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// errorWindow is a fixed-size ring of recent task outcomes for one worker.
// Not safe for concurrent use; each worker owns its own window.
type errorWindow struct {
	outcomes []bool
	next     int
	filled   int
}

func newErrorWindow(size int) *errorWindow {
	return &errorWindow{outcomes: make([]bool, size)}
}

func (w *errorWindow) Full() bool {
	return w.filled == len(w.outcomes)
}

func (w *errorWindow) Record(failed bool) {
	w.outcomes[w.next] = failed
	w.next = (w.next + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

// ErrorRate returns the failure percentage over the recorded outcomes.
func (w *errorWindow) ErrorRate() float64 {
	if w.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < w.filled; i++ {
		if w.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(w.filled) * 100
}

// Reset clears the window after a backoff pause so one bad stretch does not
// keep the worker in permanent backoff.
func (w *errorWindow) Reset() {
	w.next = 0
	w.filled = 0
}
