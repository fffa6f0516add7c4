// Package scan coordinates a full acquisition run: it decides the fetch
// action per subject from the staleness policy and cache state, dispatches
// work through the scheduler pool, merges results into the cache, and records
// every resolution in the checkpoint ledger.
package scan

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketscan/internal/cache"
	"github.com/aristath/marketscan/internal/checkpoint"
	"github.com/aristath/marketscan/internal/domain"
	"github.com/aristath/marketscan/internal/events"
	"github.com/aristath/marketscan/internal/scheduler"
	"github.com/aristath/marketscan/internal/staleness"
)

// SeriesStore is the cache surface the orchestrator needs.
type SeriesStore interface {
	Get(subject domain.Subject, kind domain.SeriesKind) (*domain.SeriesRecord, error)
	Put(record *domain.SeriesRecord) error
	LastRefreshAt(subject domain.Subject, kind domain.SeriesKind) (time.Time, error)
}

// CheckpointLedger is the resumable-run surface the orchestrator needs.
type CheckpointLedger interface {
	Begin(keys []checkpoint.Key) (string, error)
	LatestOpenRun() (string, error)
	Statuses(runID string) (map[checkpoint.Key]checkpoint.Status, error)
	AddKeys(runID string, keys []checkpoint.Key) error
	Mark(runID string, key checkpoint.Key, status checkpoint.Status) error
	Complete(runID string) error
}

// Config tunes a scan run.
type Config struct {
	// FullWindowDays is the history depth requested on a full fetch.
	FullWindowDays int
	// WindowSize is the trailing number of bars kept per continuous record.
	WindowSize int
	// IncrementalContinuous enables short-window fetches merged against the
	// cache when a continuous record already exists.
	IncrementalContinuous bool
	// IncrementalWindowDays is the short window requested on incremental
	// fetches. Must comfortably cover the gap since the last run.
	IncrementalWindowDays int
	// Resume continues the latest interrupted run instead of starting fresh.
	Resume bool
	// RetryFailed re-queues items that FAILED in the resumed run.
	RetryFailed bool
}

// DefaultConfig mirrors the original scanner's daily operation.
func DefaultConfig() Config {
	return Config{
		FullWindowDays:        365,
		WindowSize:            250,
		IncrementalContinuous: true,
		IncrementalWindowDays: 10,
		RetryFailed:           true,
	}
}

// Orchestrator runs scans. One orchestrator serves many runs; each Run call
// creates its own scheduler pool and counters.
type Orchestrator struct {
	cfg      Config
	schedCfg scheduler.Config
	store    SeriesStore
	ledger   CheckpointLedger
	policy   *staleness.Policy
	fetcher  domain.Fetcher
	bus      *events.Bus
	log      zerolog.Logger
}

func NewOrchestrator(
	cfg Config,
	schedCfg scheduler.Config,
	store SeriesStore,
	ledger CheckpointLedger,
	policy *staleness.Policy,
	fetcher domain.Fetcher,
	bus *events.Bus,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		schedCfg: schedCfg,
		store:    store,
		ledger:   ledger,
		policy:   policy,
		fetcher:  fetcher,
		bus:      bus,
		log:      log.With().Str("component", "scan").Logger(),
	}
}

// runCounters tracks resolution outcomes across workers.
type runCounters struct {
	succeeded   atomic.Int64
	failed      atomic.Int64
	skipped     atomic.Int64
	staleServed atomic.Int64
	alreadyDone atomic.Int64
	resolved    atomic.Int64
}

// Run executes one scan over the subject universe and returns its summary.
// On cancellation the checkpoint run stays open so a later --resume picks it
// up; on normal completion it is stamped complete.
func (o *Orchestrator) Run(ctx context.Context, subjects []domain.Subject) (*Summary, error) {
	started := time.Now()
	keys := universeKeys(subjects)

	runID, resumed, statuses, err := o.openRun(keys)
	if err != nil {
		return nil, err
	}

	counters := &runCounters{}
	items, err := o.plan(runID, keys, statuses, counters)
	if err != nil {
		return nil, err
	}

	o.bus.Emit("scan", &events.RunStartedData{
		RunID:    runID,
		Subjects: len(subjects),
		Items:    len(items),
		Workers:  o.schedCfg.Workers,
		Resumed:  resumed,
	})
	o.log.Info().
		Str("run_id", runID).
		Int("subjects", len(subjects)).
		Int("items", len(items)).
		Bool("resumed", resumed).
		Msg("Scan run starting")

	pool := scheduler.NewPool(o.schedCfg, o.log)
	total := len(items)
	runErr := pool.Run(ctx, items,
		func(taskCtx context.Context, item scheduler.WorkItem) error {
			return o.execute(taskCtx, item)
		},
		func(item scheduler.WorkItem, itemErr error) error {
			return o.resolve(runID, item, itemErr, total, counters, pool.Stats())
		},
	)

	summary := o.buildSummary(runID, started, subjects, counters, pool.Stats().Snapshot())
	summary.Interrupted = runErr != nil

	if runErr != nil {
		o.log.Warn().Err(runErr).Str("run_id", runID).Msg("Scan run interrupted")
		return summary, runErr
	}

	if err := o.ledger.Complete(runID); err != nil {
		return summary, fmt.Errorf("failed to complete checkpoint run: %w", err)
	}

	o.bus.Emit("scan", &events.RunCompletedData{
		RunID:       runID,
		Succeeded:   summary.Succeeded,
		Failed:      summary.Failed,
		Skipped:     summary.Skipped,
		StaleServed: summary.StaleServed,
		Seconds:     summary.ElapsedSeconds,
	})
	o.log.Info().
		Str("run_id", runID).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("stale_served", summary.StaleServed).
		Float64("seconds", summary.ElapsedSeconds).
		Msg("Scan run completed")

	return summary, nil
}

// openRun resumes the latest open checkpoint run when configured, otherwise
// begins a fresh one. Resumed runs absorb subjects added to the universe
// since the interruption.
func (o *Orchestrator) openRun(keys []checkpoint.Key) (runID string, resumed bool, statuses map[checkpoint.Key]checkpoint.Status, err error) {
	if o.cfg.Resume {
		runID, err = o.ledger.LatestOpenRun()
		if err != nil {
			return "", false, nil, fmt.Errorf("failed to look up open runs: %w", err)
		}
		if runID != "" {
			if err = o.ledger.AddKeys(runID, keys); err != nil {
				return "", false, nil, err
			}
			statuses, err = o.ledger.Statuses(runID)
			if err != nil {
				return "", false, nil, fmt.Errorf("failed to load run statuses: %w", err)
			}
			return runID, true, statuses, nil
		}
	}

	runID, err = o.ledger.Begin(keys)
	if err != nil {
		return "", false, nil, err
	}
	return runID, false, nil, nil
}

// plan turns the key universe into scheduler work items. Fresh periodic
// records and already-resolved resumed items never reach the pool.
func (o *Orchestrator) plan(runID string, keys []checkpoint.Key, statuses map[checkpoint.Key]checkpoint.Status, counters *runCounters) ([]scheduler.WorkItem, error) {
	now := time.Now()
	items := make([]scheduler.WorkItem, 0, len(keys))

	for _, key := range keys {
		retry := false
		switch statuses[key] {
		case checkpoint.StatusDone, checkpoint.StatusExhausted:
			counters.alreadyDone.Add(1)
			continue
		case checkpoint.StatusFailed:
			// A failed item gets one more attempt across resumes of the same
			// run; failing that retry makes it terminal.
			if !o.cfg.RetryFailed {
				counters.alreadyDone.Add(1)
				continue
			}
			retry = true
		}

		action, err := o.decide(key, now)
		if err != nil {
			return nil, err
		}

		if action == scheduler.ActionSkip {
			if err := o.ledger.Mark(runID, key, checkpoint.StatusDone); err != nil {
				return nil, err
			}
			counters.skipped.Add(1)
			o.bus.Emit("scan", &events.SubjectSkippedData{
				Subject: key.Subject,
				Kind:    string(key.Kind),
				Reason:  "fresh",
			})
			continue
		}

		items = append(items, scheduler.WorkItem{
			Subject: key.Subject,
			Kind:    key.Kind,
			Action:  action,
			Retry:   retry,
		})
	}

	return items, nil
}

// decide picks the fetch action for one key from policy and cache state.
func (o *Orchestrator) decide(key checkpoint.Key, now time.Time) (scheduler.Action, error) {
	lastRefreshAt, err := o.store.LastRefreshAt(key.Subject, key.Kind)
	if err != nil {
		return "", fmt.Errorf("failed to read cache metadata for %s: %w", key.Subject, err)
	}
	if lastRefreshAt.IsZero() {
		return scheduler.ActionFullFetch, nil
	}

	// Freshness metadata alone does not prove the cached record is usable.
	// A payload that no longer decodes reads back as a miss and must be
	// refetched in full, never skipped or merged against.
	record, err := o.store.Get(key.Subject, key.Kind)
	if err != nil {
		return "", fmt.Errorf("failed to read cached series for %s: %w", key.Subject, err)
	}
	if record == nil {
		return scheduler.ActionFullFetch, nil
	}

	if !o.policy.NeedsRefresh(key.Kind, lastRefreshAt, now) {
		return scheduler.ActionSkip, nil
	}

	if key.Kind == domain.KindContinuous && o.cfg.IncrementalContinuous {
		return scheduler.ActionIncremental, nil
	}
	return scheduler.ActionFullFetch, nil
}

// execute performs the fetch and cache write for one work item.
func (o *Orchestrator) execute(ctx context.Context, item scheduler.WorkItem) error {
	start := time.Now()

	var points int
	var err error
	switch item.Kind {
	case domain.KindContinuous:
		points, err = o.syncContinuous(ctx, item)
	case domain.KindPeriodic:
		err = o.syncPeriodic(ctx, item)
	default:
		return domain.NewPermanentError(item.Subject, fmt.Errorf("unknown series kind %q", item.Kind))
	}
	if err != nil {
		return err
	}

	o.bus.Emit("scan", &events.SubjectSyncedData{
		Subject: item.Subject,
		Kind:    string(item.Kind),
		Action:  string(item.Action),
		Points:  points,
		Seconds: time.Since(start).Seconds(),
	})
	return nil
}

func (o *Orchestrator) syncContinuous(ctx context.Context, item scheduler.WorkItem) (int, error) {
	var existing []domain.PricePoint
	if item.Action == scheduler.ActionIncremental {
		record, err := o.store.Get(item.Subject, domain.KindContinuous)
		if err != nil {
			return 0, fmt.Errorf("failed to read cached series for %s: %w", item.Subject, err)
		}
		if record != nil {
			existing = record.Points
		}
	}

	// An incremental window is only safe on top of an intact cached series;
	// without one the short fetch would be persisted as the whole history.
	windowDays := o.cfg.FullWindowDays
	if len(existing) > 0 {
		windowDays = o.cfg.IncrementalWindowDays
	}

	fetched, err := o.fetcher.FetchContinuous(ctx, item.Subject, windowDays)
	if err != nil {
		return 0, err
	}

	merged := len(existing) > 0
	points := cache.Merge(existing, fetched, o.cfg.WindowSize)
	if len(points) == 0 {
		return 0, domain.NewTransientError(item.Subject,
			fmt.Errorf("no bars returned and no cached series to fall back on"))
	}
	record := &domain.SeriesRecord{
		Subject:    item.Subject,
		Kind:       domain.KindContinuous,
		Points:     points,
		FetchedAt:  time.Now().UTC(),
		WindowSize: o.cfg.WindowSize,
	}
	if err := o.store.Put(record); err != nil {
		return 0, err
	}

	o.bus.Emit("scan", &events.CacheUpdatedData{
		Subject: item.Subject,
		Kind:    string(domain.KindContinuous),
		Points:  len(points),
		Merged:  merged,
	})
	return len(points), nil
}

func (o *Orchestrator) syncPeriodic(ctx context.Context, item scheduler.WorkItem) error {
	snapshot, err := o.fetcher.FetchPeriodic(ctx, item.Subject)
	if err != nil {
		return err
	}

	record := &domain.SeriesRecord{
		Subject:   item.Subject,
		Kind:      domain.KindPeriodic,
		Snapshot:  snapshot,
		FetchedAt: time.Now().UTC(),
	}
	if err := o.store.Put(record); err != nil {
		return err
	}

	o.bus.Emit("scan", &events.CacheUpdatedData{
		Subject: item.Subject,
		Kind:    string(domain.KindPeriodic),
		Merged:  false,
	})
	return nil
}

// resolve records the final outcome of a work item in the ledger and emits
// progress. A ledger write failure propagates and aborts the run.
func (o *Orchestrator) resolve(runID string, item scheduler.WorkItem, itemErr error, total int, counters *runCounters, stats *scheduler.RunStats) error {
	key := checkpoint.Key{Subject: item.Subject, Kind: item.Kind}

	if itemErr == nil {
		counters.succeeded.Add(1)
		if err := o.ledger.Mark(runID, key, checkpoint.StatusDone); err != nil {
			return err
		}
	} else {
		counters.failed.Add(1)

		// A subject that fails after retries still serves its previous cached
		// record, just without a freshness update.
		servedStale := false
		if record, getErr := o.store.Get(item.Subject, item.Kind); getErr == nil && record != nil {
			servedStale = true
			counters.staleServed.Add(1)
		}

		o.log.Warn().
			Err(itemErr).
			Str("subject", item.Subject).
			Str("kind", string(item.Kind)).
			Bool("served_stale", servedStale).
			Msg("Subject failed")
		o.bus.Emit("scan", &events.SubjectFailedData{
			Subject:     item.Subject,
			Kind:        string(item.Kind),
			Error:       itemErr.Error(),
			Attempts:    item.Attempts,
			ServedStale: servedStale,
		})

		status := checkpoint.StatusFailed
		if item.Retry {
			status = checkpoint.StatusExhausted
		}
		if err := o.ledger.Mark(runID, key, status); err != nil {
			return err
		}
	}

	done := counters.resolved.Add(1)
	snap := stats.Snapshot()
	o.bus.Emit("scan", &events.RunProgressData{
		RunID:        runID,
		Done:         int(done),
		Total:        total,
		Succeeded:    int(counters.succeeded.Load()),
		Failed:       int(counters.failed.Load()),
		Skipped:      int(counters.skipped.Load()),
		ErrorRatePct: snap.ErrorRatePct,
	})
	return nil
}

func (o *Orchestrator) buildSummary(runID string, started time.Time, subjects []domain.Subject, counters *runCounters, stats scheduler.StatsSnapshot) *Summary {
	elapsed := time.Since(started)
	summary := &Summary{
		RunID:          runID,
		StartedAt:      started.UTC(),
		CompletedAt:    time.Now().UTC(),
		Subjects:       len(subjects),
		Succeeded:      int(counters.succeeded.Load()),
		Failed:         int(counters.failed.Load()),
		Skipped:        int(counters.skipped.Load()),
		StaleServed:    int(counters.staleServed.Load()),
		AlreadyDone:    int(counters.alreadyDone.Load()),
		ErrorRatePct:   stats.ErrorRatePct,
		ElapsedSeconds: elapsed.Seconds(),
		Scheduler:      stats,
	}
	if elapsed > 0 {
		resolved := summary.Succeeded + summary.Failed + summary.Skipped
		summary.SubjectsPerSecond = float64(resolved) / elapsed.Seconds()
	}
	return summary
}

// universeKeys expands subjects into (subject, kind) work keys, continuous
// before periodic for each subject.
func universeKeys(subjects []domain.Subject) []checkpoint.Key {
	keys := make([]checkpoint.Key, 0, len(subjects)*2)
	for _, subject := range subjects {
		keys = append(keys,
			checkpoint.Key{Subject: subject, Kind: domain.KindContinuous},
			checkpoint.Key{Subject: subject, Kind: domain.KindPeriodic},
		)
	}
	return keys
}
