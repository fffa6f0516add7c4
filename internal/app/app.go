// Package app aggregates configuration and shared dependencies for the CLI
// commands, and owns the wiring of databases, stores and the orchestrator.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/marketscan/internal/cache"
	"github.com/aristath/marketscan/internal/checkpoint"
	"github.com/aristath/marketscan/internal/clients/yahoo"
	"github.com/aristath/marketscan/internal/config"
	"github.com/aristath/marketscan/internal/database"
	"github.com/aristath/marketscan/internal/events"
	"github.com/aristath/marketscan/internal/reliability"
	"github.com/aristath/marketscan/internal/scan"
	"github.com/aristath/marketscan/internal/scheduler"
	"github.com/aristath/marketscan/internal/server"
	"github.com/aristath/marketscan/internal/staleness"
)

// App holds configuration and the root logger for one process.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger}
}

// ScanOptions carries per-invocation overrides on top of the configuration.
type ScanOptions struct {
	Scan          scan.Config
	Scheduler     scheduler.Config
	ClearProgress bool
	Limit         int // when positive, scan only the first N subjects
}

// components is the wired object graph shared by scan and daemon modes.
type components struct {
	cacheDB      *database.DB
	checkpointDB *database.DB
	store        *cache.Store
	ledger       *checkpoint.Ledger
	bus          *events.Bus
	orchestrator *scan.Orchestrator
}

func (a *App) buildComponents(scanCfg scan.Config, schedCfg scheduler.Config) (*components, func(), error) {
	cacheDB, err := database.New(database.Config{
		Path:    a.Config.CacheDBPath(),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	checkpointDB, err := database.New(database.Config{
		Path:    a.Config.CheckpointDBPath(),
		Profile: database.ProfileCheckpoint,
		Name:    "checkpoint",
	})
	if err != nil {
		cacheDB.Close()
		return nil, nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	cleanup := func() {
		checkpointDB.Close()
		cacheDB.Close()
	}

	store, err := cache.NewStore(cacheDB.Conn(), a.Logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to init cache store: %w", err)
	}

	ledger, err := checkpoint.NewLedger(checkpointDB.Conn(), a.Logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to init checkpoint ledger: %w", err)
	}

	policy := staleness.NewPolicy(
		staleness.EarningsCalendar(),
		a.Config.Staleness.ShortThresholdDays,
		a.Config.Staleness.LongThresholdDays,
	)
	client := yahoo.NewClient(a.Config.Yahoo.BaseURL, a.Config.Yahoo.RequestTimeout, a.Logger)
	bus := events.NewBus(a.Logger)

	orchestrator := scan.NewOrchestrator(
		scanCfg, schedCfg, store, ledger, policy, client, bus, a.Logger,
	)

	return &components{
		cacheDB:      cacheDB,
		checkpointDB: checkpointDB,
		store:        store,
		ledger:       ledger,
		bus:          bus,
		orchestrator: orchestrator,
	}, cleanup, nil
}

// RunScan executes a single scan over the configured universe and persists
// its summary. When archival is enabled the run artifacts are shipped off
// host afterwards.
func (a *App) RunScan(ctx context.Context, opts ScanOptions) (*scan.Summary, error) {
	comps, cleanup, err := a.buildComponents(opts.Scan, opts.Scheduler)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if opts.ClearProgress {
		if err := a.clearOpenRun(comps.ledger); err != nil {
			return nil, err
		}
	}

	subjects, err := scan.LoadUniverse(a.Config.UniverseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load universe: %w", err)
	}
	if opts.Limit > 0 && len(subjects) > opts.Limit {
		subjects = subjects[:opts.Limit]
	}

	summary, runErr := comps.orchestrator.Run(ctx, subjects)
	if summary != nil {
		if _, err := summary.Write(a.Config.DataDir); err != nil {
			a.Logger.Error().Err(err).Msg("Failed to persist scan summary")
		}
	}
	if runErr != nil {
		return summary, runErr
	}

	if a.Config.Archive.Enabled {
		if err := a.archive(ctx, comps); err != nil {
			// Archival is best effort; the scan itself succeeded.
			a.Logger.Error().Err(err).Msg("Archive upload failed")
		}
	}

	return summary, nil
}

// RunDaemon starts the ops server and schedules scans plus nightly
// maintenance. Blocks until the context is cancelled.
func (a *App) RunDaemon(ctx context.Context) error {
	comps, cleanup, err := a.buildComponents(a.Config.ScanOptions(), a.Config.SchedulerOptions())
	if err != nil {
		return err
	}
	defer cleanup()

	srv := server.New(server.Config{
		Log:          a.Logger,
		Port:         a.Config.Port,
		DataDir:      a.Config.DataDir,
		DevMode:      a.Config.DevMode,
		CacheStore:   comps.store,
		CacheDB:      comps.cacheDB,
		CheckpointDB: comps.checkpointDB,
		Ledger:       comps.ledger,
		Bus:          comps.bus,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	maintenance := reliability.NewMaintenance(
		[]*database.DB{comps.cacheDB, comps.checkpointDB},
		comps.ledger,
		a.Config.DataDir,
		30*24*time.Hour,
		a.Logger,
	)

	jobs := cron.New()
	if _, err := jobs.AddFunc(a.Config.Daemon.CronSchedule, func() {
		a.runScheduledScan(ctx, comps)
	}); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", a.Config.Daemon.CronSchedule, err)
	}
	if _, err := jobs.AddFunc("0 3 * * *", func() {
		if err := maintenance.Run(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("Maintenance failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	jobs.Start()

	a.Logger.Info().
		Str("schedule", a.Config.Daemon.CronSchedule).
		Int("port", a.Config.Port).
		Msg("Daemon started")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("ops server failed: %w", err)
		}
	}

	stopCtx := jobs.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("Server shutdown failed")
	}

	a.Logger.Info().Msg("Daemon stopped")
	return nil
}

// runScheduledScan wraps a cron-triggered scan. Interrupted runs resume on
// the next trigger through the checkpoint ledger.
func (a *App) runScheduledScan(ctx context.Context, comps *components) {
	a.Logger.Info().Msg("Scheduled scan starting")

	subjects, err := scan.LoadUniverse(a.Config.UniverseFile)
	if err != nil {
		a.Logger.Error().Err(err).Msg("Failed to load universe")
		return
	}

	summary, err := comps.orchestrator.Run(ctx, subjects)
	if summary != nil {
		if _, werr := summary.Write(a.Config.DataDir); werr != nil {
			a.Logger.Error().Err(werr).Msg("Failed to persist scan summary")
		}
	}
	if err != nil {
		a.Logger.Error().Err(err).Msg("Scheduled scan failed")
		return
	}

	if a.Config.Archive.Enabled {
		if err := a.archive(ctx, comps); err != nil {
			a.Logger.Error().Err(err).Msg("Archive upload failed")
		}
	}
}

func (a *App) archive(ctx context.Context, comps *components) error {
	client, err := reliability.NewS3Client(ctx, reliability.S3Settings{
		Endpoint:  a.Config.Archive.Endpoint,
		Region:    a.Config.Archive.Region,
		Bucket:    a.Config.Archive.Bucket,
		AccessKey: a.Config.Archive.AccessKey,
		SecretKey: a.Config.Archive.SecretKey,
	}, a.Logger)
	if err != nil {
		return err
	}

	archiver := reliability.NewArchiver(
		client,
		[]*database.DB{comps.cacheDB, comps.checkpointDB},
		a.Config.DataDir,
		a.Logger,
	)
	if err := archiver.Archive(ctx); err != nil {
		return err
	}
	return archiver.RotateOld(ctx, a.Config.Archive.RetentionDays)
}

// clearOpenRun abandons the latest interrupted run so the next scan starts
// from a clean ledger.
func (a *App) clearOpenRun(ledger *checkpoint.Ledger) error {
	runID, err := ledger.LatestOpenRun()
	if err != nil {
		return fmt.Errorf("failed to look up open run: %w", err)
	}
	if runID == "" {
		return nil
	}
	if err := ledger.Complete(runID); err != nil {
		return fmt.Errorf("failed to clear open run: %w", err)
	}
	a.Logger.Info().Str("run_id", runID).Msg("Cleared interrupted run")
	return nil
}

// OpenRunStatus reports the latest interrupted run and its item counts, for
// the stats command.
func (a *App) OpenRunStatus() (string, map[checkpoint.Status]int, error) {
	comps, cleanup, err := a.buildComponents(a.Config.ScanOptions(), a.Config.SchedulerOptions())
	if err != nil {
		return "", nil, err
	}
	defer cleanup()

	runID, err := comps.ledger.LatestOpenRun()
	if err != nil || runID == "" {
		return "", nil, err
	}

	statuses, err := comps.ledger.Statuses(runID)
	if err != nil {
		return "", nil, err
	}

	counts := make(map[checkpoint.Status]int)
	for _, status := range statuses {
		counts[status]++
	}
	return runID, counts, nil
}

// CacheStats reports cached record counts per kind, for the stats command.
func (a *App) CacheStats() (map[string]int, error) {
	comps, cleanup, err := a.buildComponents(a.Config.ScanOptions(), a.Config.SchedulerOptions())
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stats, err := comps.store.Stats()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(stats))
	for kind, ks := range stats {
		counts[string(kind)] = ks.Count
	}
	return counts, nil
}
