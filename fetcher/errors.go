package fetcher

import (
	"errors"
	"fmt"

	"github.com/viktsys/optionscan/calendar"
)

var (
	// ErrBulkUnavailable means no bulk dataset could be obtained for the date.
	ErrBulkUnavailable = errors.New("bulk file unavailable")
	// ErrPerTickerFetch marks a failed open-interest lookup for one underlying.
	ErrPerTickerFetch = errors.New("per-ticker fetch failed")
)

// BulkUnavailableError is returned when every download attempt failed.
// Nothing is cached, so a later run starts its attempts from scratch.
type BulkUnavailableError struct {
	Date     calendar.TradingDate
	Attempts int
	Last     error
}

func (e *BulkUnavailableError) Error() string {
	return fmt.Sprintf("bulk file for %s unavailable after %d attempts: %v", e.Date, e.Attempts, e.Last)
}

func (e *BulkUnavailableError) Is(target error) bool { return target == ErrBulkUnavailable }

func (e *BulkUnavailableError) Unwrap() error { return e.Last }

// PerTickerFetchError records one underlying whose detail could not be fetched.
type PerTickerFetchError struct {
	Symbol string
	Err    error
}

func (e *PerTickerFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Symbol, e.Err)
}

func (e *PerTickerFetchError) Is(target error) bool { return target == ErrPerTickerFetch }

func (e *PerTickerFetchError) Unwrap() error { return e.Err }
