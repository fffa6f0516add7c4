package staleness

import (
	"time"

	"github.com/aristath/marketscan/internal/domain"
)

// Default thresholds in whole days. The short threshold applies inside an
// active calendar window, the long threshold outside it.
const (
	DefaultShortThresholdDays = 7
	DefaultLongThresholdDays  = 90
)

// Policy decides whether a cached record still extends cache trust.
type Policy struct {
	calendar           *Calendar
	shortThresholdDays int
	longThresholdDays  int
}

// NewPolicy creates a policy over the given calendar. Non-positive thresholds
// fall back to the defaults.
func NewPolicy(calendar *Calendar, shortDays, longDays int) *Policy {
	if shortDays <= 0 {
		shortDays = DefaultShortThresholdDays
	}
	if longDays <= 0 {
		longDays = DefaultLongThresholdDays
	}
	return &Policy{
		calendar:           calendar,
		shortThresholdDays: shortDays,
		longThresholdDays:  longDays,
	}
}

// NeedsRefresh reports whether a cached record of the given kind must be
// refetched. lastRefreshAt is the zero time when the subject has never been
// fetched.
//
// Continuous series are always refreshed. Periodic series are fresh only when
// their whole-day age is under the active threshold; a zero or negative age
// from clock skew is treated as stale.
func (p *Policy) NeedsRefresh(kind domain.SeriesKind, lastRefreshAt, now time.Time) bool {
	if kind == domain.KindContinuous {
		return true
	}

	if lastRefreshAt.IsZero() {
		return true
	}

	age := now.Sub(lastRefreshAt)
	if age < 0 {
		return true
	}

	ageDays := int(age.Hours() / 24) // floored whole days
	return ageDays >= p.Threshold(now)
}

// Threshold returns the staleness threshold in days that applies at now.
func (p *Policy) Threshold(now time.Time) int {
	if p.calendar != nil && p.calendar.IsActiveWindow(now) {
		return p.shortThresholdDays
	}
	return p.longThresholdDays
}
