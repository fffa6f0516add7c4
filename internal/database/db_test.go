package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "nested", "test.db"),
		Profile: ProfileCache,
		Name:    "test",
	})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "test", db.Name())
	require.NoError(t, db.HealthCheck(context.Background()))
}

func TestConnectionString(t *testing.T) {
	t.Run("checkpoint profile fsyncs every write", func(t *testing.T) {
		dsn := connectionString("/tmp/x.db", ProfileCheckpoint)
		assert.Contains(t, dsn, "journal_mode(WAL)")
		assert.Contains(t, dsn, "synchronous(FULL)")
	})

	t.Run("cache profile favors speed", func(t *testing.T) {
		dsn := connectionString("/tmp/x.db", ProfileCache)
		assert.Contains(t, dsn, "synchronous(NORMAL)")
		assert.Contains(t, dsn, "auto_vacuum(FULL)")
	})
}

func TestGetStats(t *testing.T) {
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "stats.db"),
		Profile: ProfileStandard,
		Name:    "stats",
	})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Positive(t, stats.SizeBytes)
	assert.Positive(t, stats.PageCount)
}

func TestWALCheckpoint(t *testing.T) {
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "wal.db"),
		Profile: ProfileCache,
		Name:    "wal",
	})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	require.NoError(t, db.WALCheckpoint("TRUNCATE"))
}
