package scan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/marketscan/internal/scheduler"
)

// dailyScansDir holds one summary per scan under the data directory.
const dailyScansDir = "daily_scans"

// latestSummaryFile is always overwritten with the most recent summary so
// operational tooling has a stable path to poll.
const latestSummaryFile = "latest_scan.json"

// Summary is the persisted result of one scan run.
type Summary struct {
	RunID             string                  `json:"run_id"`
	StartedAt         time.Time               `json:"started_at"`
	CompletedAt       time.Time               `json:"completed_at"`
	Subjects          int                     `json:"subjects"`
	Succeeded         int                     `json:"succeeded"`
	Failed            int                     `json:"failed"`
	Skipped           int                     `json:"skipped"`
	StaleServed       int                     `json:"stale_served"`
	AlreadyDone       int                     `json:"already_done"`
	ErrorRatePct      float64                 `json:"error_rate_pct"`
	ElapsedSeconds    float64                 `json:"elapsed_seconds"`
	SubjectsPerSecond float64                 `json:"subjects_per_second"`
	Interrupted       bool                    `json:"interrupted"`
	Scheduler         scheduler.StatsSnapshot `json:"scheduler"`
}

// Write persists the summary under dataDir: a dated file in daily_scans/ plus
// the rolling latest_scan.json. Returns the dated file path.
func (s *Summary) Write(dataDir string) (string, error) {
	scansDir := filepath.Join(dataDir, dailyScansDir)
	if err := os.MkdirAll(scansDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scans directory: %w", err)
	}

	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal scan summary: %w", err)
	}

	name := fmt.Sprintf("scan_%s.json", s.StartedAt.Format("2006-01-02_150405"))
	path := filepath.Join(scansDir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("failed to write scan summary: %w", err)
	}

	latest := filepath.Join(dataDir, latestSummaryFile)
	if err := os.WriteFile(latest, payload, 0o644); err != nil {
		return "", fmt.Errorf("failed to write latest summary: %w", err)
	}

	return path, nil
}

// LoadLatest reads the rolling latest summary, or returns nil when no scan
// has completed yet.
func LoadLatest(dataDir string) (*Summary, error) {
	payload, err := os.ReadFile(filepath.Join(dataDir, latestSummaryFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest summary: %w", err)
	}

	var summary Summary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse latest summary: %w", err)
	}
	return &summary, nil
}
