package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/aristath/marketscan/internal/database"
)

const (
	archivePrefix = "marketscan-archive-"
	archiveSuffix = ".tar.gz"
	timestampFmt  = "2006-01-02-150405"

	// Rotation never deletes below this count, regardless of age.
	minArchivesToKeep = 3
)

// ObjectStore is the subset of S3Client the archiver needs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]types.Object, error)
	Delete(ctx context.Context, key string) error
}

// Archiver bundles the cache and checkpoint databases plus the latest scan
// summary into a tar.gz and ships it to an object store after each run.
type Archiver struct {
	store     ObjectStore
	databases []*database.DB
	dataDir   string
	log       zerolog.Logger
}

// ArchiveManifest describes the contents of one uploaded archive.
type ArchiveManifest struct {
	Timestamp time.Time      `json:"timestamp"`
	Files     []ArchivedFile `json:"files"`
}

// ArchivedFile records one file inside an archive.
type ArchivedFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo summarizes an archive stored remotely.
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewArchiver creates an archiver over the given databases and data directory.
func NewArchiver(store ObjectStore, databases []*database.DB, dataDir string, log zerolog.Logger) *Archiver {
	return &Archiver{
		store:     store,
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("component", "archiver").Logger(),
	}
}

// Archive snapshots the databases, bundles them with the latest scan summary
// and a manifest, and uploads the result.
func (a *Archiver) Archive(ctx context.Context) error {
	a.log.Info().Msg("Starting archive upload")
	startTime := time.Now()

	stagingDir, err := os.MkdirTemp(a.dataDir, "archive-staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	manifest := ArchiveManifest{Timestamp: time.Now().UTC()}
	var files []string

	for _, db := range a.databases {
		snapshotPath := filepath.Join(stagingDir, db.Name()+".db")
		if err := a.snapshotDatabase(db, snapshotPath); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", db.Name(), err)
		}
		files = append(files, snapshotPath)
	}

	summaryPath := filepath.Join(a.dataDir, "latest_scan.json")
	if _, err := os.Stat(summaryPath); err == nil {
		staged := filepath.Join(stagingDir, "latest_scan.json")
		if err := copyFile(summaryPath, staged); err != nil {
			return fmt.Errorf("failed to stage scan summary: %w", err)
		}
		files = append(files, staged)
	}

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		checksum, err := fileChecksum(path)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", path, err)
		}
		manifest.Files = append(manifest.Files, ArchivedFile{
			Name:      filepath.Base(path),
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	manifestPath := filepath.Join(stagingDir, "manifest.json")
	if err := writeManifest(manifestPath, manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	files = append(files, manifestPath)

	key := archivePrefix + manifest.Timestamp.Format(timestampFmt) + archiveSuffix
	archivePath := filepath.Join(stagingDir, key)
	if err := createArchive(archivePath, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := a.store.Upload(ctx, key, archiveFile); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	info, _ := os.Stat(archivePath)
	a.log.Info().
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Dur("duration", time.Since(startTime)).
		Msg("Archive uploaded")

	return nil
}

// ListArchives returns remote archives sorted newest first.
func (a *Archiver) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := a.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, archiveSuffix) {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), archiveSuffix)
		timestamp, err := time.Parse(timestampFmt, stamp)
		if err != nil {
			a.log.Warn().Str("key", key).Msg("Skipping archive with unparseable timestamp")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}

		archives = append(archives, ArchiveInfo{
			Key:       key,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})

	return archives, nil
}

// RotateOld deletes archives older than retentionDays, always keeping the
// newest minArchivesToKeep. retentionDays of 0 keeps everything.
func (a *Archiver) RotateOld(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	archives, err := a.ListArchives(ctx)
	if err != nil {
		return err
	}
	if len(archives) <= minArchivesToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0

	for i, archive := range archives {
		if i < minArchivesToKeep || !archive.Timestamp.Before(cutoff) {
			continue
		}
		if err := a.store.Delete(ctx, archive.Key); err != nil {
			a.log.Error().Err(err).Str("key", archive.Key).Msg("Failed to delete old archive")
			continue
		}
		a.log.Info().Str("key", archive.Key).Msg("Deleted old archive")
		deleted++
	}

	a.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(archives)-deleted).
		Msg("Archive rotation completed")

	return nil
}

// snapshotDatabase writes a consistent copy of a live database. VACUUM INTO
// produces a compact single-file image without blocking readers.
func (a *Archiver) snapshotDatabase(db *database.DB, dest string) error {
	a.log.Debug().Str("database", db.Name()).Msg("Snapshotting database")
	if _, err := db.Exec("VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into failed: %w", err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeManifest(path string, manifest ArchiveManifest) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(manifest)
}

func createArchive(archivePath string, files []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, path := range files {
		if err := addFileToArchive(tarWriter, path); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}

	return nil
}

func addFileToArchive(tarWriter *tar.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
