package models

import "github.com/viktsys/optionscan/calendar"

// RuleFamily groups anomaly rules that share inputs.
type RuleFamily string

const (
	FamilyVolume       RuleFamily = "volume"
	FamilyRatio        RuleFamily = "ratio"
	FamilyOpenInterest RuleFamily = "open_interest"
	FamilyDivergence   RuleFamily = "divergence"
	FamilyStructural   RuleFamily = "structural"
)

// AnomalyKind is the concrete rule that fired.
type AnomalyKind string

const (
	KindVolumeZScore        AnomalyKind = "volume_zscore"
	KindVolumeGrowth        AnomalyKind = "volume_growth"
	KindVolumeSpike         AnomalyKind = "volume_spike"
	KindRatioFear           AnomalyKind = "ratio_fear"
	KindRatioGreed          AnomalyKind = "ratio_greed"
	KindOIRatioAggressive   AnomalyKind = "oi_ratio_aggressive"
	KindOIRatioDefensive    AnomalyKind = "oi_ratio_defensive"
	KindOIBuild             AnomalyKind = "oi_build"
	KindOIUnwind            AnomalyKind = "oi_unwind"
	KindVolumeWithoutOI     AnomalyKind = "volume_without_oi"
	KindOIWithoutVolume     AnomalyKind = "oi_without_volume"
	KindTurnoverHigh        AnomalyKind = "turnover_high"
	KindTurnoverLow         AnomalyKind = "turnover_low"
	KindStrikeConcentration AnomalyKind = "strike_concentration"
	KindExpiryCluster       AnomalyKind = "expiry_cluster"
)

// SeverityLevel buckets a numeric severity for counting and display.
type SeverityLevel string

const (
	LevelHigh   SeverityLevel = "high"
	LevelMedium SeverityLevel = "medium"
	LevelLow    SeverityLevel = "low"
)

// AnomalyRecord is one detected anomaly. Its identity is (symbol, kind, date).
type AnomalyRecord struct {
	Symbol      string               `json:"symbol"`
	Date        calendar.TradingDate `json:"date"`
	Family      RuleFamily           `json:"family"`
	Kind        AnomalyKind          `json:"kind"`
	Severity    float64              `json:"severity"`
	Level       SeverityLevel        `json:"level"`
	Description string               `json:"description"`
	Value       float64              `json:"value"`
	Threshold   float64              `json:"threshold"`
	Baseline    NullFloat            `json:"baseline"`
}

// DetectionSummary counts the anomalies of one run.
type DetectionSummary struct {
	Total          int                   `json:"total"`
	TickersScanned int                   `json:"tickers_scanned"`
	TickersFlagged int                   `json:"tickers_flagged"`
	ByLevel        map[SeverityLevel]int `json:"by_level"`
	ByFamily       map[RuleFamily]int    `json:"by_family"`
	ByKind         map[AnomalyKind]int   `json:"by_kind"`
}
