package domain

import "context"

// Fetcher is the external data source contract. Implementations live outside
// the acquisition core (internal/clients); failures are reported as
// *FetchError so the scheduler can make retry decisions on error kind.
type Fetcher interface {
	// FetchContinuous returns up to windowDays of daily bars for the subject,
	// ordered by timestamp ascending.
	FetchContinuous(ctx context.Context, subject Subject, windowDays int) ([]PricePoint, error)

	// FetchPeriodic returns a fundamentals snapshot for the subject. The
	// as-of timestamp is implicit (time of fetch).
	FetchPeriodic(ctx context.Context, subject Subject) (Snapshot, error)
}
