// Package history layers trailing-window statistics over a day's aggregates,
// reading earlier days back from the snapshot store.
package history

import (
	"errors"
	"math"
	"sort"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/models"
	"github.com/viktsys/optionscan/snapshot"
)

const (
	DefaultLookback   = 10
	DefaultMinHistory = 3
	DefaultTrendDelta = 2
)

// Config tunes the rolling window.
type Config struct {
	Lookback   int `yaml:"lookback"`
	MinHistory int `yaml:"min_history"`
	TrendDelta int `yaml:"trend_delta"`
}

func DefaultConfig() Config {
	return Config{
		Lookback:   DefaultLookback,
		MinHistory: DefaultMinHistory,
		TrendDelta: DefaultTrendDelta,
	}
}

// Analyzer builds HistoricalSeries from persisted snapshots and enriches aggregates.
type Analyzer struct {
	store *snapshot.Store
	cal   *calendar.Calendar
	cfg   Config
	log   *logger.Entry
}

func NewAnalyzer(store *snapshot.Store, cal *calendar.Calendar, cfg Config, log *logger.Log) *Analyzer {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = DefaultMinHistory
	}
	if cfg.TrendDelta <= 0 {
		cfg.TrendDelta = DefaultTrendDelta
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Analyzer{store: store, cal: cal, cfg: cfg, log: log.WithComponent("history")}
}

// Rank orders symbols by total volume, highest first, ties by symbol. Ranks start at 1.
func Rank(aggs map[string]models.UnderlyingAggregate) map[string]int {
	symbols := make([]string, 0, len(aggs))
	for s := range aggs {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(i, j int) bool {
		a, b := aggs[symbols[i]], aggs[symbols[j]]
		if a.TotalVolume != b.TotalVolume {
			return a.TotalVolume > b.TotalVolume
		}
		return symbols[i] < symbols[j]
	})
	ranks := make(map[string]int, len(symbols))
	for i, s := range symbols {
		ranks[s] = i + 1
	}
	return ranks
}

// Window returns the lookback trading days strictly before end, oldest first.
func (a *Analyzer) Window(end calendar.TradingDate, lookback int) ([]calendar.TradingDate, error) {
	if lookback <= 0 {
		lookback = a.cfg.Lookback
	}
	return a.cal.TradingDaysBefore(end, lookback)
}

// LoadWindow reads every snapshot in the window once and returns one series
// per symbol seen. Days without a snapshot are left out.
func (a *Analyzer) LoadWindow(end calendar.TradingDate, lookback int) (map[string]models.HistoricalSeries, error) {
	days, err := a.Window(end, lookback)
	if err != nil {
		return nil, err
	}

	series := make(map[string]models.HistoricalSeries)
	loaded := 0
	for _, d := range days {
		snap, err := a.store.Load(d)
		if errors.Is(err, snapshot.ErrNotFound) {
			continue
		}
		if err != nil {
			a.log.WithError(err).WithFields(logger.Fields{"date": d.String()}).Warn("skipping unreadable snapshot")
			continue
		}
		loaded++

		dayAggs := make(map[string]models.UnderlyingAggregate, len(snap.Aggregates))
		for _, e := range snap.Aggregates {
			dayAggs[e.Symbol] = e.UnderlyingAggregate
		}
		ranks := Rank(dayAggs)
		for symbol, agg := range dayAggs {
			s := series[symbol]
			s.Symbol = symbol
			s.Entries = append(s.Entries, models.SeriesEntry{Aggregate: agg, Rank: ranks[symbol]})
			series[symbol] = s
		}
	}
	a.log.WithFields(logger.Fields{"end": end.String(), "days": len(days), "loaded": loaded, "symbols": len(series)}).Debug("history window loaded")
	return series, nil
}

// LoadSeries returns one symbol's series over the lookback days before end.
func (a *Analyzer) LoadSeries(symbol string, end calendar.TradingDate, lookback int) (models.HistoricalSeries, error) {
	all, err := a.LoadWindow(end, lookback)
	if err != nil {
		return models.HistoricalSeries{}, err
	}
	s, ok := all[symbol]
	if !ok {
		return models.HistoricalSeries{Symbol: symbol}, nil
	}
	return s, nil
}

// Enrich adds rolling statistics to each of today's aggregates.
func (a *Analyzer) Enrich(current map[string]models.UnderlyingAggregate, series map[string]models.HistoricalSeries, date calendar.TradingDate) (map[string]models.EnrichedAggregate, error) {
	window, err := a.Window(date, a.cfg.Lookback)
	if err != nil {
		return nil, err
	}
	ranks := Rank(current)

	out := make(map[string]models.EnrichedAggregate, len(current))
	for symbol, agg := range current {
		out[symbol] = models.EnrichedAggregate{
			UnderlyingAggregate: agg,
			History:             a.stats(agg, ranks[symbol], series[symbol], window),
		}
	}
	return out, nil
}

func (a *Analyzer) stats(agg models.UnderlyingAggregate, rank int, s models.HistoricalSeries, window []calendar.TradingDate) models.HistoryStats {
	st := models.HistoryStats{
		LookbackDays:        len(window),
		Appearances:         s.Len(),
		AppearanceRate:      models.Divide(float64(s.Len()), float64(len(window))),
		Rank:                rank,
		Trend:               models.TrendNew,
		Streak:              1,
		InsufficientHistory: s.Len() < a.cfg.MinHistory,
	}

	present := make(map[string]models.SeriesEntry, s.Len())
	for _, e := range s.Entries {
		present[e.Aggregate.Date.String()] = e
	}
	for i := len(window) - 1; i >= 0; i-- {
		if _, ok := present[window[i].String()]; !ok {
			break
		}
		st.Streak++
	}
	if len(window) > 0 {
		if prev, ok := present[window[len(window)-1].String()]; ok {
			st.PriorVolume = models.Int(prev.Aggregate.TotalVolume)
			st.PriorOpenInterest = prev.Aggregate.TotalOI()
			st.RankChange = models.Int(int64(prev.Rank - rank))
		}
	}

	if s.Len() == 0 {
		return st
	}

	best, worst, sumRank := s.Entries[0].Rank, s.Entries[0].Rank, 0
	volumes := make([]float64, 0, s.Len())
	for _, e := range s.Entries {
		sumRank += e.Rank
		if e.Rank < best {
			best = e.Rank
		}
		if e.Rank > worst {
			worst = e.Rank
		}
		volumes = append(volumes, float64(e.Aggregate.TotalVolume))
	}
	meanRank := float64(sumRank) / float64(s.Len())
	st.MeanRank = models.Float(meanRank)
	st.BestRank = models.Int(int64(best))
	st.WorstRank = models.Int(int64(worst))

	delta := meanRank - float64(rank)
	switch {
	case delta >= float64(a.cfg.TrendDelta):
		st.Trend = models.TrendImproving
	case delta <= -float64(a.cfg.TrendDelta):
		st.Trend = models.TrendDeclining
	default:
		st.Trend = models.TrendFlat
	}

	if !st.InsufficientHistory {
		mean, stddev := meanStdDev(volumes)
		st.VolumeMean = models.Float(mean)
		st.VolumeStdDev = models.Float(stddev)
	}
	return st
}

// meanStdDev returns the mean and population standard deviation of xs.
func meanStdDev(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
