// Package domain defines the core types shared across the acquisition
// subsystem: series records, fetch collaborator contracts, and the fetch
// error taxonomy.
package domain

import (
	"time"
)

// Subject is the stable identifier for a unit of work (a ticker symbol).
type Subject = string

// SeriesKind distinguishes data that must always be refreshed from data that
// changes on a slow external cadence and can be cached for extended periods.
type SeriesKind string

const (
	// KindContinuous is data expected to change every run (daily price
	// history). No cache trust is extended to this kind.
	KindContinuous SeriesKind = "continuous"
	// KindPeriodic is data on a slow external cadence (quarterly
	// fundamentals), eligible for extended caching.
	KindPeriodic SeriesKind = "periodic"
)

// Valid reports whether the kind is one of the recognized values.
func (k SeriesKind) Valid() bool {
	return k == KindContinuous || k == KindPeriodic
}

// PricePoint is one daily OHLCV bar.
type PricePoint struct {
	Timestamp time.Time `msgpack:"ts" json:"timestamp"`
	Open      float64   `msgpack:"o" json:"open"`
	High      float64   `msgpack:"h" json:"high"`
	Low       float64   `msgpack:"l" json:"low"`
	Close     float64   `msgpack:"c" json:"close"`
	Volume    int64     `msgpack:"v" json:"volume"`
}

// Snapshot is a point-in-time value bundle for periodic data (fundamental
// metrics keyed by field name). The as-of time lives on the owning record.
type Snapshot map[string]float64

// SeriesRecord is one addressable cache record per (subject, kind).
//
// Invariants maintained by the cache layer:
//   - Points strictly increasing by timestamp, no duplicates
//   - len(Points) <= WindowSize for the continuous kind
//   - the periodic kind holds a single Snapshot plus FetchedAt
type SeriesRecord struct {
	Subject    Subject      `msgpack:"subject"`
	Kind       SeriesKind   `msgpack:"kind"`
	Points     []PricePoint `msgpack:"points,omitempty"`
	Snapshot   Snapshot     `msgpack:"snapshot,omitempty"`
	FetchedAt  time.Time    `msgpack:"fetched_at"`
	WindowSize int          `msgpack:"window_size"`
}

// Latest returns the most recent price point, or false when the record holds
// no points.
func (r *SeriesRecord) Latest() (PricePoint, bool) {
	if len(r.Points) == 0 {
		return PricePoint{}, false
	}
	return r.Points[len(r.Points)-1], true
}
