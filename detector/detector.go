// Package detector scores enriched aggregates against independent rule families.
package detector

import (
	"fmt"
	"math"
	"sort"

	"github.com/viktsys/optionscan/models"
)

// Config holds every rule threshold. Ratio thresholds are put/call.
type Config struct {
	ZScoreThreshold       float64 `yaml:"zscore_threshold"`
	VolumeGrowthThreshold float64 `yaml:"volume_growth_threshold"`
	VolumeSpikeMultiple   float64 `yaml:"volume_spike_multiple"`
	FearRatio             float64 `yaml:"fear_ratio"`
	GreedRatio            float64 `yaml:"greed_ratio"`
	AggressiveOIRatio     float64 `yaml:"aggressive_oi_ratio"`
	DefensiveOIRatio      float64 `yaml:"defensive_oi_ratio"`
	OIChangePct           float64 `yaml:"oi_change_pct"`
	OIChangeAbs           int64   `yaml:"oi_change_abs"`
	FlatOIPct             float64 `yaml:"flat_oi_pct"`
	FlatVolumePct         float64 `yaml:"flat_volume_pct"`
	FlatZScore            float64 `yaml:"flat_zscore"`
	HighTurnover          float64 `yaml:"high_turnover"`
	LowTurnover           float64 `yaml:"low_turnover"`
	LowTurnoverMinVolume  int64   `yaml:"low_turnover_min_volume"`
	StrikeConcentration   float64 `yaml:"strike_concentration"`
	ExpiryClusterMin      int     `yaml:"expiry_cluster_min"`
	HighSeverity          float64 `yaml:"high_severity"`
	MediumSeverity        float64 `yaml:"medium_severity"`
}

func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:       3.0,
		VolumeGrowthThreshold: 2.0,
		VolumeSpikeMultiple:   5.0,
		FearRatio:             1.8,
		GreedRatio:            0.4,
		AggressiveOIRatio:     1 / 3.3,
		DefensiveOIRatio:      2.0,
		OIChangePct:           0.20,
		OIChangeAbs:           1000,
		FlatOIPct:             0.05,
		FlatVolumePct:         0.10,
		FlatZScore:            1.0,
		HighTurnover:          2.0,
		LowTurnover:           0.1,
		LowTurnoverMinVolume:  1000,
		StrikeConcentration:   0.5,
		ExpiryClusterMin:      7,
		HighSeverity:          6,
		MediumSeverity:        4,
	}
}

const (
	// severity of a measurement sitting exactly on its threshold
	baseSeverity = 3.0
	maxSeverity  = 10.0
)

// Detector is stateless; one value can score any number of days.
type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// scaleAbove grades rules that fire when a value rises above its threshold.
func scaleAbove(measured, threshold float64) float64 {
	if threshold <= 0 {
		return maxSeverity
	}
	return clampSeverity(baseSeverity * measured / threshold)
}

// scaleBelow grades rules that fire when a value drops below its threshold.
func scaleBelow(measured, threshold float64) float64 {
	if measured <= 0 {
		return maxSeverity
	}
	return clampSeverity(baseSeverity * threshold / measured)
}

func clampSeverity(s float64) float64 {
	s = math.Max(0, math.Min(maxSeverity, s))
	return math.Round(s*100) / 100
}

func (d *Detector) level(severity float64) models.SeverityLevel {
	switch {
	case severity >= d.cfg.HighSeverity:
		return models.LevelHigh
	case severity >= d.cfg.MediumSeverity:
		return models.LevelMedium
	default:
		return models.LevelLow
	}
}

func (d *Detector) record(a models.EnrichedAggregate, family models.RuleFamily, kind models.AnomalyKind, severity, value, threshold float64, baseline models.NullFloat, description string) models.AnomalyRecord {
	return models.AnomalyRecord{
		Symbol:      a.Symbol,
		Date:        a.Date,
		Family:      family,
		Kind:        kind,
		Severity:    severity,
		Level:       d.level(severity),
		Description: description,
		Value:       value,
		Threshold:   threshold,
		Baseline:    baseline,
	}
}

// ZScore returns today's volume z-score, undefined with insufficient history or zero deviation.
func ZScore(a models.EnrichedAggregate) models.NullFloat {
	h := a.History
	if h.InsufficientHistory || !h.VolumeMean.Valid || !h.VolumeStdDev.Valid || h.VolumeStdDev.Float == 0 {
		return models.NullFloat{}
	}
	return models.Float((float64(a.TotalVolume) - h.VolumeMean.Float) / h.VolumeStdDev.Float)
}

// VolumeChange returns the fractional day-over-day volume change.
func VolumeChange(a models.EnrichedAggregate) models.NullFloat {
	prior := a.History.PriorVolume
	if !prior.Valid || prior.Int <= 0 {
		return models.NullFloat{}
	}
	return models.Float(float64(a.TotalVolume-prior.Int) / float64(prior.Int))
}

// OIChange returns the absolute and fractional day-over-day open interest change.
func OIChange(a models.EnrichedAggregate) (models.NullInt, models.NullFloat) {
	today, prior := a.TotalOI(), a.History.PriorOpenInterest
	if !today.Valid || !prior.Valid {
		return models.NullInt{}, models.NullFloat{}
	}
	delta := today.Int - prior.Int
	return models.Int(delta), models.Divide(float64(delta), float64(prior.Int))
}

// Turnover returns volume over total open interest, undefined without OI.
func Turnover(a models.EnrichedAggregate) models.NullFloat {
	oi := a.TotalOI()
	if !oi.Valid || oi.Int <= 0 || a.TotalVolume <= 0 {
		return models.NullFloat{}
	}
	return models.Float(float64(a.TotalVolume) / float64(oi.Int))
}

// MedianVolume is the median of the non-zero total volumes of one day.
func MedianVolume(enriched map[string]models.EnrichedAggregate) models.NullFloat {
	volumes := make([]int64, 0, len(enriched))
	for _, a := range enriched {
		if a.TotalVolume > 0 {
			volumes = append(volumes, a.TotalVolume)
		}
	}
	if len(volumes) == 0 {
		return models.NullFloat{}
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i] < volumes[j] })
	mid := len(volumes) / 2
	if len(volumes)%2 == 1 {
		return models.Float(float64(volumes[mid]))
	}
	return models.Float(float64(volumes[mid-1]+volumes[mid]) / 2)
}

// Detect evaluates every rule family for one underlying. Rules that compare
// against the rest of the day's universe only run through DetectAll.
func (d *Detector) Detect(a models.EnrichedAggregate) []models.AnomalyRecord {
	return d.detect(a, models.NullFloat{})
}

func (d *Detector) detect(a models.EnrichedAggregate, median models.NullFloat) []models.AnomalyRecord {
	var out []models.AnomalyRecord

	volume := d.volumeRules(a, median)
	out = append(out, volume...)
	out = append(out, d.ratioRules(a)...)
	oi := d.openInterestRules(a)
	out = append(out, oi...)
	out = append(out, d.divergenceRules(a, volume, oi)...)
	out = append(out, d.structuralRules(a)...)
	return out
}

func (d *Detector) volumeRules(a models.EnrichedAggregate, median models.NullFloat) []models.AnomalyRecord {
	var out []models.AnomalyRecord

	if z := ZScore(a); z.Valid && z.Float > d.cfg.ZScoreThreshold {
		out = append(out, d.record(a, models.FamilyVolume, models.KindVolumeZScore,
			scaleAbove(z.Float, d.cfg.ZScoreThreshold), z.Float, d.cfg.ZScoreThreshold, a.History.VolumeMean,
			fmt.Sprintf("volume %d is %.2f standard deviations above the %d-day mean %.0f",
				a.TotalVolume, z.Float, a.History.LookbackDays, a.History.VolumeMean.Float)))
	}

	if g := VolumeChange(a); g.Valid && g.Float > d.cfg.VolumeGrowthThreshold {
		out = append(out, d.record(a, models.FamilyVolume, models.KindVolumeGrowth,
			scaleAbove(g.Float, d.cfg.VolumeGrowthThreshold), g.Float, d.cfg.VolumeGrowthThreshold,
			models.Float(float64(a.History.PriorVolume.Int)),
			fmt.Sprintf("volume %d is up %.0f%% from %d the previous trading day",
				a.TotalVolume, g.Float*100, a.History.PriorVolume.Int)))
	}

	if median.Valid && median.Float > 0 && d.cfg.VolumeSpikeMultiple > 0 {
		if m := float64(a.TotalVolume) / median.Float; m > d.cfg.VolumeSpikeMultiple {
			out = append(out, d.record(a, models.FamilyVolume, models.KindVolumeSpike,
				scaleAbove(m, d.cfg.VolumeSpikeMultiple), m, d.cfg.VolumeSpikeMultiple, median,
				fmt.Sprintf("volume %d is %.1fx the day's median of %.0f", a.TotalVolume, m, median.Float)))
		}
	}
	return out
}

func (d *Detector) ratioRules(a models.EnrichedAggregate) []models.AnomalyRecord {
	var out []models.AnomalyRecord

	if r := a.PutCallVolumeRatio; r.Valid {
		switch {
		case r.Float > d.cfg.FearRatio:
			out = append(out, d.record(a, models.FamilyRatio, models.KindRatioFear,
				scaleAbove(r.Float, d.cfg.FearRatio), r.Float, d.cfg.FearRatio, models.NullFloat{},
				fmt.Sprintf("put/call volume ratio %.2f above %.2f (puts %d, calls %d)",
					r.Float, d.cfg.FearRatio, a.PutVolume, a.CallVolume)))
		case r.Float < d.cfg.GreedRatio:
			out = append(out, d.record(a, models.FamilyRatio, models.KindRatioGreed,
				scaleBelow(r.Float, d.cfg.GreedRatio), r.Float, d.cfg.GreedRatio, models.NullFloat{},
				fmt.Sprintf("put/call volume ratio %.2f below %.2f (puts %d, calls %d)",
					r.Float, d.cfg.GreedRatio, a.PutVolume, a.CallVolume)))
		}
	}

	if oi := a.OpenInterest; oi != nil && oi.PutCallRatio.Valid {
		r := oi.PutCallRatio.Float
		switch {
		case r < d.cfg.AggressiveOIRatio:
			out = append(out, d.record(a, models.FamilyRatio, models.KindOIRatioAggressive,
				scaleBelow(r, d.cfg.AggressiveOIRatio), r, d.cfg.AggressiveOIRatio, models.NullFloat{},
				fmt.Sprintf("put/call open interest ratio %.2f below %.2f (puts %d, calls %d)",
					r, d.cfg.AggressiveOIRatio, oi.Put, oi.Call)))
		case r > d.cfg.DefensiveOIRatio:
			out = append(out, d.record(a, models.FamilyRatio, models.KindOIRatioDefensive,
				scaleAbove(r, d.cfg.DefensiveOIRatio), r, d.cfg.DefensiveOIRatio, models.NullFloat{},
				fmt.Sprintf("put/call open interest ratio %.2f above %.2f (puts %d, calls %d)",
					r, d.cfg.DefensiveOIRatio, oi.Put, oi.Call)))
		}
	}
	return out
}

func (d *Detector) openInterestRules(a models.EnrichedAggregate) []models.AnomalyRecord {
	delta, pct := OIChange(a)
	if !delta.Valid || !pct.Valid {
		return nil
	}
	absPct := math.Abs(pct.Float)
	absDelta := delta.Int
	if absDelta < 0 {
		absDelta = -absDelta
	}
	if absPct < d.cfg.OIChangePct || absDelta < d.cfg.OIChangeAbs {
		return nil
	}

	kind, verb := models.KindOIBuild, "built"
	if delta.Int < 0 {
		kind, verb = models.KindOIUnwind, "unwound"
	}
	return []models.AnomalyRecord{d.record(a, models.FamilyOpenInterest, kind,
		scaleAbove(absPct, d.cfg.OIChangePct), pct.Float, d.cfg.OIChangePct,
		models.Float(float64(a.History.PriorOpenInterest.Int)),
		fmt.Sprintf("open interest %s by %d contracts (%+.1f%%) to %d",
			verb, absDelta, pct.Float*100, a.TotalOI().Int))}
}

func maxSeverityOf(records []models.AnomalyRecord) float64 {
	var m float64
	for _, r := range records {
		m = math.Max(m, r.Severity)
	}
	return m
}

func (d *Detector) divergenceRules(a models.EnrichedAggregate, volume, oi []models.AnomalyRecord) []models.AnomalyRecord {
	var out []models.AnomalyRecord

	if len(volume) > 0 {
		if _, pct := OIChange(a); pct.Valid && math.Abs(pct.Float) < d.cfg.FlatOIPct {
			out = append(out, d.record(a, models.FamilyDivergence, models.KindVolumeWithoutOI,
				maxSeverityOf(volume), pct.Float, d.cfg.FlatOIPct, models.NullFloat{},
				fmt.Sprintf("volume anomaly while open interest moved only %+.1f%%", pct.Float*100)))
		}
	}

	if len(oi) > 0 {
		g, z := VolumeChange(a), ZScore(a)
		flat := (g.Valid && math.Abs(g.Float) < d.cfg.FlatVolumePct) || (z.Valid && math.Abs(z.Float) < d.cfg.FlatZScore)
		if flat {
			value, threshold := z.Float, d.cfg.FlatZScore
			desc := fmt.Sprintf("open interest swing while volume z-score is %.2f", z.Float)
			if g.Valid {
				value, threshold = g.Float, d.cfg.FlatVolumePct
				desc = fmt.Sprintf("open interest swing while volume changed only %+.1f%%", g.Float*100)
			}
			out = append(out, d.record(a, models.FamilyDivergence, models.KindOIWithoutVolume,
				maxSeverityOf(oi), value, threshold, models.NullFloat{}, desc))
		}
	}

	if t := Turnover(a); t.Valid {
		switch {
		case t.Float > d.cfg.HighTurnover:
			out = append(out, d.record(a, models.FamilyDivergence, models.KindTurnoverHigh,
				scaleAbove(t.Float, d.cfg.HighTurnover), t.Float, d.cfg.HighTurnover, models.NullFloat{},
				fmt.Sprintf("volume %d is %.2fx open interest %d", a.TotalVolume, t.Float, a.TotalOI().Int)))
		case t.Float < d.cfg.LowTurnover && a.TotalVolume > d.cfg.LowTurnoverMinVolume:
			out = append(out, d.record(a, models.FamilyDivergence, models.KindTurnoverLow,
				scaleBelow(t.Float, d.cfg.LowTurnover), t.Float, d.cfg.LowTurnover, models.NullFloat{},
				fmt.Sprintf("volume %d turned over only %.1f%% of open interest %d", a.TotalVolume, t.Float*100, a.TotalOI().Int)))
		}
	}
	return out
}

func (d *Detector) structuralRules(a models.EnrichedAggregate) []models.AnomalyRecord {
	var out []models.AnomalyRecord

	if oi := a.OpenInterest; oi != nil && oi.StrikeConcentration != nil {
		sc := oi.StrikeConcentration
		if sc.Share.Valid && sc.Share.Float > d.cfg.StrikeConcentration {
			out = append(out, d.record(a, models.FamilyStructural, models.KindStrikeConcentration,
				scaleAbove(sc.Share.Float, d.cfg.StrikeConcentration), sc.Share.Float, d.cfg.StrikeConcentration, models.NullFloat{},
				fmt.Sprintf("%.0f%% of open interest sits in strikes %s-%s around %s",
					sc.Share.Float*100, sc.BandLow, sc.BandHigh, sc.DominantStrike)))
		}
	}

	if ec := a.ExpiryCluster; ec != nil && d.cfg.ExpiryClusterMin > 0 && ec.Contracts >= d.cfg.ExpiryClusterMin {
		floor := float64(d.cfg.ExpiryClusterMin)
		out = append(out, d.record(a, models.FamilyStructural, models.KindExpiryCluster,
			scaleAbove(float64(ec.Contracts), floor), float64(ec.Contracts), floor, models.NullFloat{},
			fmt.Sprintf("%d of the top %d contracts expire on %s", ec.Contracts, ec.Depth, ec.Expiry)))
	}
	return out
}

// DetectAll scores every underlying and returns anomalies ordered by
// severity (highest first), then symbol, family and kind.
func (d *Detector) DetectAll(enriched map[string]models.EnrichedAggregate) ([]models.AnomalyRecord, models.DetectionSummary) {
	symbols := make([]string, 0, len(enriched))
	for s := range enriched {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	median := MedianVolume(enriched)
	var anomalies []models.AnomalyRecord
	for _, s := range symbols {
		anomalies = append(anomalies, d.detect(enriched[s], median)...)
	}
	Sort(anomalies)
	return anomalies, Summarize(anomalies, len(enriched))
}

// Sort orders anomalies by severity descending, then symbol, family and kind.
func Sort(anomalies []models.AnomalyRecord) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.Kind < b.Kind
	})
}

// Summarize counts anomalies per level, family and kind.
func Summarize(anomalies []models.AnomalyRecord, scanned int) models.DetectionSummary {
	summary := models.DetectionSummary{
		Total:          len(anomalies),
		TickersScanned: scanned,
		ByLevel:        map[models.SeverityLevel]int{models.LevelHigh: 0, models.LevelMedium: 0, models.LevelLow: 0},
		ByFamily:       make(map[models.RuleFamily]int),
		ByKind:         make(map[models.AnomalyKind]int),
	}
	flagged := make(map[string]struct{})
	for _, a := range anomalies {
		summary.ByLevel[a.Level]++
		summary.ByFamily[a.Family]++
		summary.ByKind[a.Kind]++
		flagged[a.Symbol] = struct{}{}
	}
	summary.TickersFlagged = len(flagged)
	return summary
}
