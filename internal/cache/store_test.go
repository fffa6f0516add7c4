package cache

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/marketscan/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	fetchedAt := time.Date(2025, time.June, 1, 14, 30, 0, 0, time.UTC)
	record := &domain.SeriesRecord{
		Subject:    "AAPL",
		Kind:       domain.KindContinuous,
		Points:     days(1, 10, 1.5),
		FetchedAt:  fetchedAt,
		WindowSize: 250,
	}

	require.NoError(t, store.Put(record))

	got, err := store.Get("AAPL", domain.KindContinuous)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.Subject, got.Subject)
	assert.Equal(t, record.Kind, got.Kind)
	assert.Equal(t, record.WindowSize, got.WindowSize)
	require.Len(t, got.Points, 10)
	assert.True(t, record.Points[0].Timestamp.Equal(got.Points[0].Timestamp))
	assert.True(t, fetchedAt.Equal(got.FetchedAt))
}

func TestStore_GetMiss(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get("MSFT", domain.KindContinuous)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_KindsPartitioned(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put(&domain.SeriesRecord{
		Subject:   "AAPL",
		Kind:      domain.KindContinuous,
		Points:    days(1, 5, 1.0),
		FetchedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Put(&domain.SeriesRecord{
		Subject:   "AAPL",
		Kind:      domain.KindPeriodic,
		Snapshot:  domain.Snapshot{"pe_ratio": 28.4},
		FetchedAt: time.Now().UTC(),
	}))

	continuous, err := store.Get("AAPL", domain.KindContinuous)
	require.NoError(t, err)
	require.NotNil(t, continuous)
	assert.Empty(t, continuous.Snapshot)

	periodic, err := store.Get("AAPL", domain.KindPeriodic)
	require.NoError(t, err)
	require.NotNil(t, periodic)
	assert.Equal(t, 28.4, periodic.Snapshot["pe_ratio"])
	assert.Empty(t, periodic.Points)
}

func TestStore_PutReplaces(t *testing.T) {
	store := newTestStore(t)

	first := &domain.SeriesRecord{
		Subject:   "AAPL",
		Kind:      domain.KindContinuous,
		Points:    days(1, 5, 1.0),
		FetchedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, store.Put(first))

	second := &domain.SeriesRecord{
		Subject:   "AAPL",
		Kind:      domain.KindContinuous,
		Points:    days(1, 8, 2.0),
		FetchedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Put(second))

	got, err := store.Get("AAPL", domain.KindContinuous)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Points, 8)
	assert.Equal(t, 2.0, got.Points[0].Close)
}

func TestStore_CorruptPayloadIsMiss(t *testing.T) {
	store := newTestStore(t)

	_, err := store.db.Exec(`
		INSERT INTO series_cache (subject, kind, payload, fetched_at, window_size, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		"AAPL", string(domain.KindContinuous), []byte("not msgpack"),
		time.Now().Unix(), time.Now().Unix())
	require.NoError(t, err)

	got, err := store.Get("AAPL", domain.KindContinuous)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_LastRefreshAt(t *testing.T) {
	store := newTestStore(t)

	t.Run("zero time on miss", func(t *testing.T) {
		at, err := store.LastRefreshAt("AAPL", domain.KindPeriodic)
		require.NoError(t, err)
		assert.True(t, at.IsZero())
	})

	t.Run("round trips fetched_at", func(t *testing.T) {
		fetchedAt := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
		require.NoError(t, store.Put(&domain.SeriesRecord{
			Subject:   "AAPL",
			Kind:      domain.KindPeriodic,
			Snapshot:  domain.Snapshot{"pe_ratio": 28.4},
			FetchedAt: fetchedAt,
		}))

		at, err := store.LastRefreshAt("AAPL", domain.KindPeriodic)
		require.NoError(t, err)
		assert.True(t, fetchedAt.Equal(at))
	})
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put(&domain.SeriesRecord{
		Subject: "AAPL", Kind: domain.KindContinuous, Points: days(1, 5, 1.0), FetchedAt: time.Now(),
	}))
	require.NoError(t, store.Put(&domain.SeriesRecord{
		Subject: "MSFT", Kind: domain.KindContinuous, Points: days(1, 5, 1.0), FetchedAt: time.Now(),
	}))
	require.NoError(t, store.Put(&domain.SeriesRecord{
		Subject: "AAPL", Kind: domain.KindPeriodic, Snapshot: domain.Snapshot{"eps": 6.1}, FetchedAt: time.Now(),
	}))

	stats, err := store.Stats()
	require.NoError(t, err)

	assert.Equal(t, 2, stats[domain.KindContinuous].Count)
	assert.Equal(t, 1, stats[domain.KindPeriodic].Count)
	assert.Greater(t, stats[domain.KindContinuous].SizeBytes, int64(0))
}
