package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketscan/internal/domain"
)

// day returns a bar stamped at midnight UTC of the given day number, with the
// close set to value so overlapping merges are observable.
func day(n int, value float64) domain.PricePoint {
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	return domain.PricePoint{
		Timestamp: base.AddDate(0, 0, n-1),
		Open:      value,
		High:      value,
		Low:       value,
		Close:     value,
		Volume:    int64(n),
	}
}

func days(from, to int, value float64) []domain.PricePoint {
	points := make([]domain.PricePoint, 0, to-from+1)
	for n := from; n <= to; n++ {
		points = append(points, day(n, value))
	}
	return points
}

func assertStrictlyIncreasing(t *testing.T, points []domain.PricePoint) {
	t.Helper()
	for i := 1; i < len(points); i++ {
		assert.True(t, points[i-1].Timestamp.Before(points[i].Timestamp),
			"points must be strictly increasing at index %d", i)
	}
}

func TestMerge_WindowOverlap(t *testing.T) {
	// Existing covers days 1-250; increment covers days 248-255 with
	// corrected values (3 overlapping + 5 new). The merged window keeps the
	// trailing 250 entries: days 6-255, increment winning the overlap.
	existing := days(1, 250, 1.0)
	increment := days(248, 255, 2.0)

	merged := Merge(existing, increment, 250)

	require.Len(t, merged, 250)
	assert.Equal(t, day(6, 1.0).Timestamp, merged[0].Timestamp)
	assert.Equal(t, day(255, 2.0).Timestamp, merged[len(merged)-1].Timestamp)
	assertStrictlyIncreasing(t, merged)

	// Days 248-250 take the increment's values.
	for _, p := range merged {
		n := p.Timestamp.YearDay()
		if n >= 248 {
			assert.Equal(t, 2.0, p.Close, "day %d should come from the increment", n)
		} else {
			assert.Equal(t, 1.0, p.Close, "day %d should come from the cache", n)
		}
	}
}

func TestMerge_Idempotent(t *testing.T) {
	existing := days(1, 250, 1.0)
	increment := days(248, 255, 2.0)

	once := Merge(existing, increment, 250)
	twice := Merge(once, increment, 250)

	assert.Equal(t, once, twice)
}

func TestMerge_EmptyExisting(t *testing.T) {
	increment := days(1, 10, 3.0)

	merged := Merge(nil, increment, 250)

	assert.Equal(t, increment, merged)
	assertStrictlyIncreasing(t, merged)
}

func TestMerge_EmptyIncrement(t *testing.T) {
	existing := days(1, 10, 1.0)

	merged := Merge(existing, nil, 250)

	assert.Equal(t, existing, merged)
}

func TestMerge_DuplicatesWithinIncrement(t *testing.T) {
	// A buggy upstream repeating a timestamp must still yield unique output,
	// with the last occurrence winning.
	increment := []domain.PricePoint{day(5, 1.0), day(5, 2.0), day(6, 3.0)}

	merged := Merge(nil, increment, 250)

	require.Len(t, merged, 2)
	assert.Equal(t, 2.0, merged[0].Close)
	assert.Equal(t, 3.0, merged[1].Close)
	assertStrictlyIncreasing(t, merged)
}

func TestMerge_UnsortedInputs(t *testing.T) {
	increment := []domain.PricePoint{day(9, 2.0), day(7, 2.0), day(8, 2.0)}
	existing := days(1, 8, 1.0)

	merged := Merge(existing, increment, 250)

	require.Len(t, merged, 9)
	assertStrictlyIncreasing(t, merged)
	assert.Equal(t, 2.0, merged[6].Close) // day 7 from increment
	assert.Equal(t, 2.0, merged[7].Close) // day 8 from increment
}

func TestMerge_TrimsToWindow(t *testing.T) {
	existing := days(1, 300, 1.0)

	merged := Merge(existing, nil, 250)

	require.Len(t, merged, 250)
	assert.Equal(t, day(51, 1.0).Timestamp, merged[0].Timestamp)
}

func TestMerge_ZeroWindowKeepsAll(t *testing.T) {
	merged := Merge(days(1, 20, 1.0), days(21, 25, 2.0), 0)

	assert.Len(t, merged, 25)
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	existing := days(1, 5, 1.0)
	increment := days(3, 7, 2.0)

	merged := Merge(existing, increment, 250)
	merged[0].Close = 99.0

	assert.Equal(t, 1.0, existing[0].Close)
	assert.Equal(t, 2.0, increment[0].Close)
}
