package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketscan/internal/cache"
	"github.com/aristath/marketscan/internal/checkpoint"
	"github.com/aristath/marketscan/internal/database"
	"github.com/aristath/marketscan/internal/domain"
	"github.com/aristath/marketscan/internal/events"
	"github.com/aristath/marketscan/internal/scan"
)

type testServer struct {
	srv    *Server
	store  *cache.Store
	ledger *checkpoint.Ledger
	bus    *events.Bus
	dir    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheDB.Close() })

	checkpointDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "checkpoint.db"),
		Profile: database.ProfileCheckpoint,
		Name:    "checkpoint",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpointDB.Close() })

	store, err := cache.NewStore(cacheDB.Conn(), zerolog.Nop())
	require.NoError(t, err)
	ledger, err := checkpoint.NewLedger(checkpointDB.Conn(), zerolog.Nop())
	require.NoError(t, err)
	bus := events.NewBus(zerolog.Nop())

	srv := New(Config{
		Log:          zerolog.Nop(),
		Port:         0,
		DataDir:      dir,
		DevMode:      true,
		CacheStore:   store,
		CacheDB:      cacheDB,
		CheckpointDB: checkpointDB,
		Ledger:       ledger,
		Bus:          bus,
	})

	return &testServer{srv: srv, store: store, ledger: ledger, bus: bus, dir: dir}
}

func (ts *testServer) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.get(t, "/api/system/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotZero(t, body["goroutines"])
	assert.NotEmpty(t, body["go_version"])
}

func TestCacheStats(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Put(&domain.SeriesRecord{
		Subject:   "AAPL",
		Kind:      domain.KindContinuous,
		Points:    []domain.PricePoint{{Timestamp: time.Now().UTC(), Close: 101.5}},
		FetchedAt: time.Now().UTC(),
	}))

	rec, body := ts.get(t, "/api/cache/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	continuous, ok := body["continuous"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), continuous["count"])
}

func TestLatestScan(t *testing.T) {
	ts := newTestServer(t)

	t.Run("404 before any scan", func(t *testing.T) {
		rec, _ := ts.get(t, "/api/scan/latest")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("serves persisted summary", func(t *testing.T) {
		summary := &scan.Summary{RunID: "run_123", StartedAt: time.Now().UTC(), Succeeded: 42}
		_, err := summary.Write(ts.dir)
		require.NoError(t, err)

		rec, body := ts.get(t, "/api/scan/latest")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "run_123", body["run_id"])
		assert.Equal(t, float64(42), body["succeeded"])
	})
}

func TestOpenRun(t *testing.T) {
	ts := newTestServer(t)

	t.Run("no open run", func(t *testing.T) {
		rec, body := ts.get(t, "/api/scan/run")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, body["open"])
	})

	t.Run("open run with counts", func(t *testing.T) {
		runID, err := ts.ledger.Begin([]checkpoint.Key{
			{Subject: "AAPL", Kind: domain.KindContinuous},
			{Subject: "MSFT", Kind: domain.KindContinuous},
		})
		require.NoError(t, err)
		require.NoError(t, ts.ledger.Mark(runID, checkpoint.Key{Subject: "AAPL", Kind: domain.KindContinuous}, checkpoint.StatusDone))

		rec, body := ts.get(t, "/api/scan/run")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["open"])
		assert.Equal(t, runID, body["run_id"])
		assert.Equal(t, float64(2), body["total"])
		assert.Equal(t, float64(1), body["done"])
		assert.Equal(t, float64(1), body["pending"])
	})
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t)

	httpSrv := httptest.NewServer(ts.srv.Router())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/events/stream?types=RUN_PROGRESS", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readData := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}

	// First message confirms the subscription.
	assert.Contains(t, readData(), `"connected"`)

	ts.bus.Emit("scan", &events.RunProgressData{Done: 1, Total: 5})
	// A filtered-out event type must not appear in the stream.
	ts.bus.Emit("scan", &events.SubjectSyncedData{Subject: "AAPL"})

	progress := readData()
	assert.Contains(t, progress, "RUN_PROGRESS")
	assert.Contains(t, progress, `"done":1`)
}

func TestEventsStream_UnsubscribesOnDisconnect(t *testing.T) {
	ts := newTestServer(t)

	httpSrv := httptest.NewServer(ts.srv.Router())
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/events/stream?types=RUN_PROGRESS", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Wait for the subscription to be live, then drop the connection.
	reader := bufio.NewReader(resp.Body)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ts.bus.SubscriberCount(events.RunProgress) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	// The handler removes its bus subscription once the client is gone.
	assert.Eventually(t, func() bool {
		return ts.bus.SubscriberCount(events.RunProgress) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
