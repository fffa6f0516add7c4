package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketscan/internal/checkpoint"
	"github.com/aristath/marketscan/internal/database"
)

// Maintenance runs the daily housekeeping pass: database integrity checks,
// WAL checkpoints, completed-run pruning and a disk space check.
type Maintenance struct {
	databases      []*database.DB
	ledger         *checkpoint.Ledger
	dataDir        string
	pruneOlderThan time.Duration
	log            zerolog.Logger
}

// NewMaintenance creates a maintenance job. Completed checkpoint runs older
// than pruneOlderThan are removed each pass.
func NewMaintenance(
	databases []*database.DB,
	ledger *checkpoint.Ledger,
	dataDir string,
	pruneOlderThan time.Duration,
	log zerolog.Logger,
) *Maintenance {
	return &Maintenance{
		databases:      databases,
		ledger:         ledger,
		dataDir:        dataDir,
		pruneOlderThan: pruneOlderThan,
		log:            log.With().Str("component", "maintenance").Logger(),
	}
}

// Run executes one maintenance pass.
func (m *Maintenance) Run(ctx context.Context) error {
	m.log.Info().Msg("Starting maintenance")
	startTime := time.Now()

	for _, db := range m.databases {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("integrity check failed for %s: %w", db.Name(), err)
		}
	}

	for _, db := range m.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Not fatal, the WAL is retried next pass.
			m.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	if m.pruneOlderThan > 0 {
		pruned, err := m.ledger.PruneCompleted(time.Now().Add(-m.pruneOlderThan))
		if err != nil {
			m.log.Warn().Err(err).Msg("Failed to prune completed runs")
		} else if pruned > 0 {
			m.log.Info().Int64("runs", pruned).Msg("Pruned completed runs")
		}
	}

	if err := m.checkDiskSpace(); err != nil {
		return err
	}

	m.logDatabaseSizes()

	m.log.Info().Dur("duration", time.Since(startTime)).Msg("Maintenance completed")
	return nil
}

// checkDiskSpace fails the pass when free space drops below 500MB so the
// daemon surfaces the problem before the next scan fills the disk.
func (m *Maintenance) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(m.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	m.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if availableGB < 0.5 {
		return fmt.Errorf("only %.2f GB free on %s", availableGB, m.dataDir)
	}
	if availableGB < 5.0 {
		m.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}

	return nil
}

func (m *Maintenance) logDatabaseSizes() {
	for _, db := range m.databases {
		stats, err := db.GetStats()
		if err != nil {
			m.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to get stats")
			continue
		}
		m.log.Info().
			Str("database", db.Name()).
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_size_bytes", stats.WALSizeBytes).
			Msg("Database size")
	}
}
