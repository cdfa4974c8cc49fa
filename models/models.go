package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/viktsys/optionscan/calendar"
)

// OptionType is the right carried by a contract.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Term classifies a contract by days to expiry.
type Term string

const (
	TermNear Term = "near"
	TermMid  Term = "mid"
	TermLeap Term = "leap"
)

// Moneyness buckets a contract against the underlying's last price.
type Moneyness string

const (
	MoneynessITM     Moneyness = "itm"
	MoneynessATM     Moneyness = "atm"
	MoneynessOTM     Moneyness = "otm"
	MoneynessUnknown Moneyness = "unknown"
)

// RawContractRecord is one undecoded input row, from either the bulk file or
// the per-ticker API. Everything is text until the parser coerces it.
type RawContractRecord struct {
	Ticker          string `json:"ticker"`
	Underlying      string `json:"underlying,omitempty"`
	Type            string `json:"type,omitempty"`
	Strike          string `json:"strike,omitempty"`
	Expiry          string `json:"expiry,omitempty"`
	Volume          string `json:"volume,omitempty"`
	OpenInterest    string `json:"open_interest,omitempty"`
	UnderlyingPrice string `json:"underlying_price,omitempty"`
}

// ContractSnapshot is a parsed and classified RawContractRecord.
type ContractSnapshot struct {
	Ticker          string
	Underlying      string
	Type            OptionType
	Strike          decimal.Decimal
	Expiry          time.Time
	Volume          int64
	OpenInterest    NullInt
	UnderlyingPrice NullFloat
	DaysToExpiry    int
	Term            Term
	Moneyness       Moneyness
}

// IsLEAP reports whether the contract was classified as long-dated.
func (c ContractSnapshot) IsLEAP() bool { return c.Term == TermLeap }

// TopContract is one of the most traded contracts of an underlying.
type TopContract struct {
	Ticker       string          `json:"ticker"`
	Type         OptionType      `json:"type"`
	Strike       decimal.Decimal `json:"strike"`
	Expiry       string          `json:"expiry"`
	Volume       int64           `json:"volume"`
	VolumeShare  NullFloat       `json:"volume_share"`
	OpenInterest NullInt         `json:"open_interest"`
	Moneyness    Moneyness       `json:"moneyness"`
}

// ExpiryCluster is the expiry most shared among an underlying's most traded contracts.
type ExpiryCluster struct {
	Expiry    string `json:"expiry"`
	Contracts int    `json:"contracts"`
	Depth     int    `json:"depth"`
}

// StrikeConcentration describes the strike band holding the most open interest.
type StrikeConcentration struct {
	BandLow        decimal.Decimal `json:"band_low"`
	BandHigh       decimal.Decimal `json:"band_high"`
	DominantStrike decimal.Decimal `json:"dominant_strike"`
	BandOI         int64           `json:"band_oi"`
	Share          NullFloat       `json:"share"`
}

// OpenInterest holds the OI side of an aggregate. A nil *OpenInterest on an
// aggregate means OI is undefined for that underlying.
type OpenInterest struct {
	Call                int64                `json:"call"`
	Put                 int64                `json:"put"`
	Total               int64                `json:"total"`
	PutCallRatio        NullFloat            `json:"put_call_ratio"`
	StrikeConcentration *StrikeConcentration `json:"strike_concentration"`
}

// UnderlyingAggregate is the unit of analysis for one underlying on one trading day.
type UnderlyingAggregate struct {
	Symbol             string               `json:"symbol"`
	Date               calendar.TradingDate `json:"date"`
	CallVolume         int64                `json:"call_volume"`
	PutVolume          int64                `json:"put_volume"`
	TotalVolume        int64                `json:"total_volume"`
	PutCallVolumeRatio NullFloat            `json:"put_call_volume_ratio"`
	CallContracts      int                  `json:"call_contracts"`
	PutContracts       int                  `json:"put_contracts"`
	TopContracts       []TopContract        `json:"top_contracts"`
	ExpiryCluster      *ExpiryCluster       `json:"expiry_cluster,omitempty"`
	LeapCallVolume     int64                `json:"leap_call_volume"`
	LeapPutVolume      int64                `json:"leap_put_volume"`
	LeapCallPutRatio   NullFloat            `json:"leap_call_put_ratio"`
	UnderlyingPrice    NullFloat            `json:"underlying_price"`
	OpenInterest       *OpenInterest        `json:"open_interest"`
}

// TotalOI returns total open interest, undefined when OI was never fetched.
func (a UnderlyingAggregate) TotalOI() NullInt {
	if a.OpenInterest == nil {
		return NullInt{}
	}
	return Int(a.OpenInterest.Total)
}

// RankTrend summarises how an underlying's volume rank moved against its history.
type RankTrend string

const (
	TrendImproving RankTrend = "improving"
	TrendDeclining RankTrend = "declining"
	TrendFlat      RankTrend = "flat"
	TrendNew       RankTrend = "new"
)

// HistoryStats are the trailing-window fields layered on an aggregate.
type HistoryStats struct {
	LookbackDays        int       `json:"lookback_days"`
	Appearances         int       `json:"appearances"`
	AppearanceRate      NullFloat `json:"appearance_rate"`
	Rank                int       `json:"rank"`
	MeanRank            NullFloat `json:"mean_rank"`
	BestRank            NullInt   `json:"best_rank"`
	WorstRank           NullInt   `json:"worst_rank"`
	RankChange          NullInt   `json:"rank_change"`
	Trend               RankTrend `json:"trend"`
	Streak              int       `json:"streak"`
	VolumeMean          NullFloat `json:"volume_mean"`
	VolumeStdDev        NullFloat `json:"volume_stddev"`
	InsufficientHistory bool      `json:"insufficient_history"`
	PriorVolume         NullInt   `json:"prior_volume"`
	PriorOpenInterest   NullInt   `json:"prior_open_interest"`
}

// EnrichedAggregate is an aggregate plus its rolling history statistics.
type EnrichedAggregate struct {
	UnderlyingAggregate
	History HistoryStats `json:"history"`
}

// HistoricalSeries is one underlying's aggregates across the look-back window, oldest first.
// Missing days are simply absent.
type HistoricalSeries struct {
	Symbol  string        `json:"symbol"`
	Entries []SeriesEntry `json:"entries"`
}

// SeriesEntry is one persisted day of a series together with the rank it had that day.
type SeriesEntry struct {
	Aggregate UnderlyingAggregate `json:"aggregate"`
	Rank      int                 `json:"rank"`
}

// Len returns the number of observed days.
func (s HistoricalSeries) Len() int { return len(s.Entries) }

// Latest returns the newest entry, if any.
func (s HistoricalSeries) Latest() (SeriesEntry, bool) {
	if len(s.Entries) == 0 {
		return SeriesEntry{}, false
	}
	return s.Entries[len(s.Entries)-1], true
}
