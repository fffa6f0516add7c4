package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/marketscan/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS series_cache (
	subject     TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	fetched_at  INTEGER NOT NULL,
	window_size INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (subject, kind)
);
CREATE INDEX IF NOT EXISTS idx_series_cache_fetched_at ON series_cache (kind, fetched_at);
`

// Store persists series records keyed by (subject, kind). Records are msgpack
// blobs; fetched_at is duplicated into its own indexed column so staleness
// audits never deserialize payloads.
//
// The orchestrator guarantees at most one in-flight write per (subject, kind),
// so the store needs no cross-subject locking of its own; each Put commits
// atomically through the SQLite journal.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates the cache store and its schema.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create series_cache schema: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With().Str("component", "cache_store").Logger(),
	}, nil
}

// Get returns the cached record for (subject, kind), or nil on a miss.
// A corrupt payload is logged and reported as a miss, never as an error;
// the next successful fetch overwrites it.
func (s *Store) Get(subject domain.Subject, kind domain.SeriesKind) (*domain.SeriesRecord, error) {
	var payload []byte
	err := s.db.QueryRow(
		"SELECT payload FROM series_cache WHERE subject = ? AND kind = ?",
		subject, string(kind),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query series_cache: %w", err)
	}

	var record domain.SeriesRecord
	if err := msgpack.Unmarshal(payload, &record); err != nil {
		s.log.Warn().
			Err(err).
			Str("subject", subject).
			Str("kind", string(kind)).
			Msg("Corrupt cache payload, treating as miss")
		return nil, nil
	}

	return &record, nil
}

// Put atomically writes a record, replacing any previous value.
func (s *Store) Put(record *domain.SeriesRecord) error {
	payload, err := msgpack.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal series record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO series_cache
		(subject, kind, payload, fetched_at, window_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.Subject,
		string(record.Kind),
		payload,
		record.FetchedAt.Unix(),
		record.WindowSize,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store series record for %s: %w", record.Subject, err)
	}

	return nil
}

// LastRefreshAt reads the fetched_at metadata column without deserializing
// the payload. Returns the zero time when no record exists.
func (s *Store) LastRefreshAt(subject domain.Subject, kind domain.SeriesKind) (time.Time, error) {
	var fetchedAt int64
	err := s.db.QueryRow(
		"SELECT fetched_at FROM series_cache WHERE subject = ? AND kind = ?",
		subject, string(kind),
	).Scan(&fetchedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query fetched_at: %w", err)
	}

	return time.Unix(fetchedAt, 0).UTC(), nil
}

// KindStats summarizes cached records of one kind.
type KindStats struct {
	Count     int   `json:"count"`
	SizeBytes int64 `json:"size_bytes"`
}

// Stats returns record count and approximate payload size per kind.
func (s *Store) Stats() (map[domain.SeriesKind]KindStats, error) {
	rows, err := s.db.Query(
		"SELECT kind, COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM series_cache GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to query cache stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[domain.SeriesKind]KindStats)
	for rows.Next() {
		var kind string
		var ks KindStats
		if err := rows.Scan(&kind, &ks.Count, &ks.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan cache stats: %w", err)
		}
		stats[domain.SeriesKind(kind)] = ks
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache stats: %w", err)
	}

	return stats, nil
}
