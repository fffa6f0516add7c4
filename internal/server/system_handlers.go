package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketscan/internal/cache"
	"github.com/aristath/marketscan/internal/checkpoint"
	"github.com/aristath/marketscan/internal/database"
	"github.com/aristath/marketscan/internal/scan"
)

// SystemHandlers serves health, status and statistics endpoints.
type SystemHandlers struct {
	log          zerolog.Logger
	dataDir      string
	startupTime  time.Time
	store        *cache.Store
	cacheDB      *database.DB
	checkpointDB *database.DB
	ledger       *checkpoint.Ledger
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	store *cache.Store,
	cacheDB, checkpointDB *database.DB,
	ledger *checkpoint.Ledger,
) *SystemHandlers {
	return &SystemHandlers{
		log:          log.With().Str("component", "system_handlers").Logger(),
		dataDir:      dataDir,
		startupTime:  time.Now(),
		store:        store,
		cacheDB:      cacheDB,
		checkpointDB: checkpointDB,
		ledger:       ledger,
	}
}

// HandleHealth reports liveness plus database health.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	for _, db := range []*database.DB{h.cacheDB, h.checkpointDB} {
		if db == nil {
			continue
		}
		if err := db.HealthCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Msg("Database health check failed")
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, code, map[string]interface{}{
		"status":         status,
		"uptime_seconds": time.Since(h.startupTime).Seconds(),
	})
}

// HandleSystemStatus reports process and host metrics.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	payload := map[string]interface{}{
		"uptime_seconds": time.Since(h.startupTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  float64(memStats.HeapAlloc) / 1024 / 1024,
		"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
		"num_gc":         memStats.NumGC,
		"go_version":     runtime.Version(),
		"cpu_count":      runtime.NumCPU(),
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		payload["host_memory_used_pct"] = vm.UsedPercent
		payload["host_memory_total_mb"] = float64(vm.Total) / 1024 / 1024
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["host_cpu_pct"] = percents[0]
	}

	h.respondJSON(w, http.StatusOK, payload)
}

// HandleDatabaseStats reports file-level stats for both databases.
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	payload := make(map[string]interface{})

	for name, db := range map[string]*database.DB{
		"cache":      h.cacheDB,
		"checkpoint": h.checkpointDB,
	} {
		if db == nil {
			continue
		}
		stats, err := db.GetStats()
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, err)
			return
		}
		payload[name] = map[string]interface{}{
			"size_bytes":     stats.SizeBytes,
			"wal_size_bytes": stats.WALSizeBytes,
			"page_count":     stats.PageCount,
			"page_size":      stats.PageSize,
		}
	}

	h.respondJSON(w, http.StatusOK, payload)
}

// HandleCacheStats reports record counts and payload sizes per series kind.
func (h *SystemHandlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// HandleLatestScan serves the most recent persisted scan summary.
func (h *SystemHandlers) HandleLatestScan(w http.ResponseWriter, r *http.Request) {
	summary, err := scan.LoadLatest(h.dataDir)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if summary == nil {
		h.respondJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "no scan has completed yet",
		})
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

// HandleOpenRun reports whether an interrupted run is waiting for --resume,
// with its per-status item counts.
func (h *SystemHandlers) HandleOpenRun(w http.ResponseWriter, r *http.Request) {
	runID, err := h.ledger.LatestOpenRun()
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if runID == "" {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"open": false})
		return
	}

	statuses, err := h.ledger.Statuses(runID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	counts := map[checkpoint.Status]int{}
	for _, status := range statuses {
		counts[status]++
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"open":      true,
		"run_id":    runID,
		"total":     len(statuses),
		"pending":   counts[checkpoint.StatusPending],
		"done":      counts[checkpoint.StatusDone],
		"failed":    counts[checkpoint.StatusFailed],
		"exhausted": counts[checkpoint.StatusExhausted],
	})
}

func (h *SystemHandlers) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *SystemHandlers) respondError(w http.ResponseWriter, code int, err error) {
	h.log.Error().Err(err).Msg("Request failed")
	h.respondJSON(w, code, map[string]interface{}{"error": err.Error()})
}
