// Package staleness decides whether a cached record must be refreshed, given
// its age and a recurring event calendar. During earnings season the cache
// trust window for periodic data shrinks so new filings are picked up quickly.
package staleness

import "time"

// Window is one annual date-bounded window with inclusive bounds. Windows may
// span a month boundary (StartMonth != EndMonth).
type Window struct {
	StartMonth time.Month
	StartDay   int
	EndMonth   time.Month
	EndDay     int
}

// Contains reports whether t falls inside the window, ignoring the year.
func (w Window) Contains(t time.Time) bool {
	month, day := t.Month(), t.Day()

	if w.StartMonth == w.EndMonth {
		return month == w.StartMonth && day >= w.StartDay && day <= w.EndDay
	}

	// Cross-month window: inside the opening month on or after the start day,
	// or inside the closing month on or before the end day.
	if month == w.StartMonth {
		return day >= w.StartDay
	}
	if month == w.EndMonth {
		return day <= w.EndDay
	}
	return month > w.StartMonth && month < w.EndMonth
}

// Calendar is a fixed set of annual windows during which staleness thresholds
// tighten.
type Calendar struct {
	windows []Window
}

// NewCalendar creates a calendar from explicit windows.
func NewCalendar(windows []Window) *Calendar {
	return &Calendar{windows: windows}
}

// EarningsCalendar returns the default quarterly earnings-season windows:
// Jan 15 - Feb 15, Apr 15 - May 15, Jul 15 - Aug 15, Oct 15 - Nov 15.
func EarningsCalendar() *Calendar {
	return NewCalendar([]Window{
		{time.January, 15, time.February, 15},
		{time.April, 15, time.May, 15},
		{time.July, 15, time.August, 15},
		{time.October, 15, time.November, 15},
	})
}

// IsActiveWindow reports whether now falls within any calendar window.
func (c *Calendar) IsActiveWindow(now time.Time) bool {
	for _, w := range c.windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}
