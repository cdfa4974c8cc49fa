package models

import (
	"time"

	"github.com/viktsys/optionscan/calendar"
)

// Strategy is the caller's hint for how a day's data should be acquired.
type Strategy string

const (
	// StrategyAuto uses the bulk file for volume and enriches the top underlyings with API open interest.
	StrategyAuto Strategy = "auto"
	// StrategyBulk uses the bulk file only.
	StrategyBulk Strategy = "bulk"
	// StrategyAPI builds the universe from per-ticker API calls only. Never chosen implicitly.
	StrategyAPI Strategy = "api"
)

// ParseStrategy validates a strategy name; the empty string means auto.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case "", StrategyAuto:
		return StrategyAuto, true
	case StrategyBulk, "csv":
		return StrategyBulk, true
	case StrategyAPI:
		return StrategyAPI, true
	}
	return "", false
}

// DataPath identifies where a field's data actually came from.
type DataPath string

const (
	PathCache DataPath = "cache"
	PathBulk  DataPath = "bulk"
	PathAPI   DataPath = "api"
	PathNone  DataPath = "none"
)

// Field names used in StrategyReport.FieldSources.
const (
	FieldVolume       = "volume"
	FieldOpenInterest = "open_interest"
)

// StrategyReport records which path served a fetch and what was processed, skipped or failed.
type StrategyReport struct {
	RunID            string               `json:"run_id"`
	Date             calendar.TradingDate `json:"date"`
	Strategy         Strategy             `json:"strategy"`
	Path             DataPath             `json:"path"`
	FieldSources     map[string]DataPath  `json:"field_sources"`
	BulkAttempts     int                  `json:"bulk_attempts"`
	BulkBytes        int64                `json:"bulk_bytes"`
	NetworkCalls     int                  `json:"network_calls"`
	RowsRead         int64                `json:"rows_read"`
	RecordsProcessed int64                `json:"records_processed"`
	RecordsSkipped   int64                `json:"records_skipped"`
	Underlyings      int                  `json:"underlyings"`
	OIRequested      int                  `json:"oi_requested"`
	OIEnriched       int                  `json:"oi_enriched"`
	OIFailed         int                  `json:"oi_failed"`
	OIDropped        int                  `json:"oi_dropped"`
	FailedTickers    []string             `json:"failed_tickers"`
	StartedAt        time.Time            `json:"started_at"`
	Duration         time.Duration        `json:"duration"`
}
