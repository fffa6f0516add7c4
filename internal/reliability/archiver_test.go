package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketscan/internal/database"
)

type fakeObjectStore struct {
	objects map[string][]byte
	deleted []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	for key, data := range f.objects {
		objects = append(objects, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(data))),
		})
	}
	return objects, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func newTestDB(t *testing.T, dir, name string, profile database.Profile) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func archiveKeyFor(ts time.Time) string {
	return archivePrefix + ts.Format(timestampFmt) + archiveSuffix
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	cacheDB := newTestDB(t, dir, "cache", database.ProfileCache)
	checkpointDB := newTestDB(t, dir, "checkpoint", database.ProfileCheckpoint)

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "latest_scan.json"),
		[]byte(`{"run_id":"run_1"}`), 0644))

	store := newFakeObjectStore()
	archiver := NewArchiver(store, []*database.DB{cacheDB, checkpointDB}, dir, zerolog.Nop())

	require.NoError(t, archiver.Archive(context.Background()))
	require.Len(t, store.objects, 1)

	var key string
	var data []byte
	for k, v := range store.objects {
		key, data = k, v
	}
	assert.Contains(t, key, archivePrefix)
	assert.Contains(t, key, archiveSuffix)

	names, manifest := extractArchive(t, data)
	assert.ElementsMatch(t,
		[]string{"cache.db", "checkpoint.db", "latest_scan.json", "manifest.json"},
		names)
	require.Len(t, manifest.Files, 3)
	for _, file := range manifest.Files {
		assert.Contains(t, file.Checksum, "sha256:")
		assert.Positive(t, file.SizeBytes)
	}

	// Staging area must not survive the run.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "archive-staging-")
	}
}

func TestArchive_NoSummaryYet(t *testing.T) {
	dir := t.TempDir()
	cacheDB := newTestDB(t, dir, "cache", database.ProfileCache)

	store := newFakeObjectStore()
	archiver := NewArchiver(store, []*database.DB{cacheDB}, dir, zerolog.Nop())

	require.NoError(t, archiver.Archive(context.Background()))

	for _, data := range store.objects {
		names, _ := extractArchive(t, data)
		assert.NotContains(t, names, "latest_scan.json")
	}
}

func TestListArchives_SortedNewestFirst(t *testing.T) {
	store := newFakeObjectStore()
	now := time.Now().UTC()
	for _, age := range []time.Duration{72 * time.Hour, 24 * time.Hour, 0} {
		store.objects[archiveKeyFor(now.Add(-age))] = []byte("x")
	}
	store.objects["unrelated.txt"] = []byte("y")

	archiver := NewArchiver(store, nil, t.TempDir(), zerolog.Nop())
	archives, err := archiver.ListArchives(context.Background())
	require.NoError(t, err)

	require.Len(t, archives, 3)
	assert.True(t, archives[0].Timestamp.After(archives[1].Timestamp))
	assert.True(t, archives[1].Timestamp.After(archives[2].Timestamp))
}

func TestRotateOld(t *testing.T) {
	now := time.Now().UTC()

	t.Run("deletes beyond retention keeping newest three", func(t *testing.T) {
		store := newFakeObjectStore()
		for days := 0; days < 6; days++ {
			store.objects[archiveKeyFor(now.AddDate(0, 0, -days*10))] = []byte("x")
		}

		archiver := NewArchiver(store, nil, t.TempDir(), zerolog.Nop())
		require.NoError(t, archiver.RotateOld(context.Background(), 25))

		// Ages 0,10,20 kept as newest three; 30,40,50 days exceed retention.
		assert.Len(t, store.deleted, 3)
		assert.Len(t, store.objects, 3)
	})

	t.Run("never drops below minimum", func(t *testing.T) {
		store := newFakeObjectStore()
		for days := 0; days < 3; days++ {
			store.objects[archiveKeyFor(now.AddDate(0, 0, -days*100))] = []byte("x")
		}

		archiver := NewArchiver(store, nil, t.TempDir(), zerolog.Nop())
		require.NoError(t, archiver.RotateOld(context.Background(), 7))
		assert.Empty(t, store.deleted)
	})

	t.Run("zero retention keeps everything", func(t *testing.T) {
		store := newFakeObjectStore()
		for days := 0; days < 5; days++ {
			store.objects[archiveKeyFor(now.AddDate(0, 0, -days*100))] = []byte("x")
		}

		archiver := NewArchiver(store, nil, t.TempDir(), zerolog.Nop())
		require.NoError(t, archiver.RotateOld(context.Background(), 0))
		assert.Empty(t, store.deleted)
	})
}

func extractArchive(t *testing.T, data []byte) ([]string, ArchiveManifest) {
	t.Helper()

	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tarReader := tar.NewReader(gzipReader)

	var names []string
	var manifest ArchiveManifest
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)

		if header.Name == "manifest.json" {
			content, err := io.ReadAll(tarReader)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(content, &manifest))
		}
	}
	return names, manifest
}
