// Package pipeline runs one trading day end to end: resolve the date, fetch,
// enrich with history, detect anomalies and persist the day's snapshot.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/detector"
	"github.com/viktsys/optionscan/fetcher"
	"github.com/viktsys/optionscan/history"
	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/metrics"
	"github.com/viktsys/optionscan/models"
	"github.com/viktsys/optionscan/snapshot"
)

// Options selects the day and acquisition strategy of a run.
type Options struct {
	// Date is an explicit YYYY-MM-DD; empty means the last completed trading day.
	Date  string
	Hint  models.Strategy
	TopN  int
	RunID string
}

// Result is everything a run produced. Renderers and notifiers consume it.
type Result struct {
	RunID      string
	Date       calendar.TradingDate
	Aggregates []models.EnrichedAggregate
	Anomalies  []models.AnomalyRecord
	Summary    models.DetectionSummary
	Report     *models.StrategyReport
	Snapshot   string
	Parquet    string
}

// Pipeline wires the stages together. It holds no per-run state.
type Pipeline struct {
	cal           *calendar.Calendar
	fetcher       *fetcher.Fetcher
	store         *snapshot.Store
	analyzer      *history.Analyzer
	detector      *detector.Detector
	recorder      *metrics.Recorder
	exportParquet bool
	now           func() time.Time
	log           *logger.Entry
}

// Deps are the collaborators of a Pipeline. Recorder may be nil.
type Deps struct {
	Calendar      *calendar.Calendar
	Fetcher       *fetcher.Fetcher
	Store         *snapshot.Store
	Analyzer      *history.Analyzer
	Detector      *detector.Detector
	Recorder      *metrics.Recorder
	ExportParquet bool
	Now           func() time.Time
	Log           *logger.Log
}

func New(d Deps) *Pipeline {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	log := d.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Pipeline{
		cal:           d.Calendar,
		fetcher:       d.Fetcher,
		store:         d.Store,
		analyzer:      d.Analyzer,
		detector:      d.Detector,
		recorder:      d.Recorder,
		exportParquet: d.ExportParquet,
		now:           now,
		log:           log.WithComponent("pipeline"),
	}
}

// Run processes one trading day. Nothing is persisted unless every stage succeeds.
func (p *Pipeline) Run(ctx context.Context, opts Options) (res *Result, err error) {
	started := p.now()
	strategy := opts.Hint
	if strategy == "" {
		strategy = models.StrategyAuto
	}
	var report *models.StrategyReport
	defer func() {
		if p.recorder == nil {
			return
		}
		p.recorder.ObserveFetch(report)
		if res != nil {
			p.recorder.ObserveDetection(res.Summary)
		}
		p.recorder.ObserveRun(strategy, err, p.now().Sub(started), p.now())
	}()

	date, err := p.cal.ResolveTarget(started, opts.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trading day: %w", err)
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := p.log.WithFields(logger.Fields{"date": date.String(), "run_id": runID, "strategy": string(strategy)})
	log.Info("run started")

	aggs, report, err := p.fetcher.Fetch(ctx, fetcher.Request{RunID: runID, Date: date, Strategy: strategy, TopN: opts.TopN})
	if err != nil {
		log.WithError(err).Error("fetch failed")
		return nil, fmt.Errorf("fetch %s: %w", date, err)
	}

	series, err := p.analyzer.LoadWindow(date, 0)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", date, err)
	}
	enriched, err := p.analyzer.Enrich(aggs, series, date)
	if err != nil {
		return nil, fmt.Errorf("enrich %s: %w", date, err)
	}
	anomalies, summary := p.detector.DetectAll(enriched)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res = &Result{
		RunID:      runID,
		Date:       date,
		Aggregates: ByRank(enriched),
		Anomalies:  anomalies,
		Summary:    summary,
		Report:     report,
	}
	snap := &snapshot.Snapshot{
		Date:       date,
		RunID:      runID,
		DataSource: report.Path,
		Aggregates: res.Aggregates,
		Anomalies:  anomalies,
	}
	if err := p.store.Save(snap); err != nil {
		return nil, fmt.Errorf("save snapshot %s: %w", date, err)
	}
	res.Snapshot = p.store.Path(date)

	if p.exportParquet {
		path, err := p.store.ExportParquet(snap)
		if err != nil {
			// the JSON snapshot stays authoritative
			log.WithError(err).Warn("parquet export failed")
		} else {
			res.Parquet = path
		}
	}

	logger.LogPerformance(log, "run", p.now().Sub(started), logger.Fields{
		"underlyings": len(res.Aggregates),
		"anomalies":   summary.Total,
		"high":        summary.ByLevel[models.LevelHigh],
		"flagged":     summary.TickersFlagged,
		"path":        string(report.Path),
	})
	return res, nil
}

// ByRank returns the aggregates ordered by their volume rank.
func ByRank(enriched map[string]models.EnrichedAggregate) []models.EnrichedAggregate {
	out := make([]models.EnrichedAggregate, 0, len(enriched))
	for _, e := range enriched {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].History.Rank != out[j].History.Rank {
			return out[i].History.Rank < out[j].History.Rank
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
