// Package cache provides durable per-(subject, kind) persistence for series
// records and the merge algorithm that folds fetched increments into cached
// windows.
package cache

import (
	"sort"

	"github.com/aristath/marketscan/internal/domain"
)

// Merge combines cached points with a freshly fetched increment into a
// deduplicated, time-ordered series bounded to windowSize entries.
//
// At overlapping timestamps the increment wins: upstream sources correct
// recent bars (late closes, adjusted volume), so the newest fetch is the
// authoritative value. The result is strictly increasing with unique
// timestamps, and re-applying the same increment yields an identical result.
func Merge(existing, increment []domain.PricePoint, windowSize int) []domain.PricePoint {
	merged := make([]domain.PricePoint, 0, len(existing)+len(increment))
	merged = append(merged, existing...)
	merged = append(merged, increment...)

	// Stable sort keeps increment entries after existing ones at equal
	// timestamps, so keep-last dedupe prefers the increment.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	deduped := merged[:0]
	for _, p := range merged {
		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(p.Timestamp) {
			deduped[n-1] = p
			continue
		}
		deduped = append(deduped, p)
	}

	if windowSize > 0 && len(deduped) > windowSize {
		deduped = deduped[len(deduped)-windowSize:]
	}

	out := make([]domain.PricePoint, len(deduped))
	copy(out, deduped)
	return out
}
