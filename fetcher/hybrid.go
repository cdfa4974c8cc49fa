// Package fetcher produces a day's per-underlying aggregates from the bulk
// flat file and per-ticker option chain snapshots.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/ingest"
	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/models"
)

const (
	DefaultTopN      = 35
	DefaultOIWorkers = 4
)

// ErrNoData is returned when an API-only fetch yields no underlying at all.
var ErrNoData = errors.New("no data fetched")

// DefaultAPIUniverse is the symbol list used by the api strategy when none is configured.
var DefaultAPIUniverse = []string{
	"SPY", "QQQ", "IWM", "DIA",
	"NVDA", "TSLA", "AAPL", "MSFT", "GOOGL", "META", "AMZN",
	"AMD", "INTC", "NFLX", "BABA", "NIO", "PLTR", "SOFI",
	"BAC", "JPM", "GS", "WFC", "C",
	"XLE", "USO", "XOM", "CVX",
	"VIX", "UVXY", "VIXY",
	"GLD", "SLV", "TLT", "HYG", "EEM",
	"PFE", "JNJ", "UNH", "ABBV",
	"WMT", "HD", "MCD", "DIS",
	"BA", "CAT", "GE",
	"T", "VZ",
}

// Config tunes acquisition.
type Config struct {
	DataDir     string                  `yaml:"-"`
	TopN        int                     `yaml:"top_n"`
	OIWorkers   int                     `yaml:"oi_workers"`
	APIUniverse []string                `yaml:"api_universe"`
	Retry       RetryPolicy             `yaml:"retry"`
	OIRetry     RetryPolicy             `yaml:"oi_retry"`
	Parser      ingest.ParserConfig     `yaml:"parser"`
	Reader      ingest.ReaderConfig     `yaml:"reader"`
	Aggregate   ingest.AggregateOptions `yaml:"aggregate"`
}

func DefaultConfig() Config {
	return Config{
		TopN:        DefaultTopN,
		OIWorkers:   DefaultOIWorkers,
		APIUniverse: append([]string(nil), DefaultAPIUniverse...),
		Retry:       DefaultRetryPolicy(),
		OIRetry: RetryPolicy{
			MaxAttempts:    2,
			BaseDelay:      time.Second,
			MaxDelay:       5 * time.Second,
			AttemptTimeout: 30 * time.Second,
		},
		Parser:    ingest.DefaultParserConfig(),
		Reader:    ingest.DefaultReaderConfig(),
		Aggregate: ingest.DefaultAggregateOptions(),
	}
}

// Request names the day to fetch and how.
type Request struct {
	RunID    string
	Date     calendar.TradingDate
	Strategy models.Strategy
	TopN     int
}

// Fetcher reconciles the bulk volume source and the per-ticker OI source.
type Fetcher struct {
	cfg       Config
	bulk      BulkSource
	oi        OIClient
	cache     *Cache
	chains    *ChainCache
	freshness FreshnessPolicy
	log       *logger.Entry
}

// New builds a Fetcher. bulk or oi may be nil when the strategies that need
// them are never requested.
func New(cfg Config, bulk BulkSource, oi OIClient, freshness FreshnessPolicy, log *logger.Log) *Fetcher {
	if cfg.OIWorkers <= 0 {
		cfg.OIWorkers = DefaultOIWorkers
	}
	if len(cfg.APIUniverse) == 0 {
		cfg.APIUniverse = DefaultAPIUniverse
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Fetcher{
		cfg:       cfg,
		bulk:      bulk,
		oi:        oi,
		cache:     NewCache(cfg.DataDir),
		chains:    NewChainCache(cfg.DataDir),
		freshness: freshness,
		log:       log.WithComponent("fetcher"),
	}
}

// Fetch returns the aggregates for req.Date together with a report of the
// path taken. The report is returned even when err is non-nil.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (map[string]models.UnderlyingAggregate, *models.StrategyReport, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = models.StrategyAuto
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	topN := req.TopN
	if topN <= 0 {
		topN = f.cfg.TopN
	}
	if topN <= 0 {
		topN = DefaultTopN
	}

	report := &models.StrategyReport{
		RunID:        runID,
		Date:         req.Date,
		Strategy:     strategy,
		Path:         models.PathNone,
		FieldSources: map[string]models.DataPath{models.FieldVolume: models.PathNone, models.FieldOpenInterest: models.PathNone},
		StartedAt:    time.Now().UTC(),
	}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		sort.Strings(report.FailedTickers)
	}()

	log := f.log.WithFields(logger.Fields{"date": req.Date.String(), "strategy": string(strategy), "run_id": runID})
	processor := ingest.NewProcessor(ingest.NewParser(req.Date, f.cfg.Parser), f.cfg.Reader, nil)

	var (
		aggs map[string]models.UnderlyingAggregate
		err  error
	)
	switch strategy {
	case models.StrategyAuto, models.StrategyBulk:
		aggs, err = f.fetchBulk(ctx, req.Date, processor, report, log)
		if err != nil {
			return nil, report, err
		}
		if strategy == models.StrategyAuto {
			symbols := TopSymbols(aggs, topN)
			if err := f.enrich(ctx, req.Date, symbols, aggs, processor, report, log); err != nil {
				return nil, report, err
			}
		}
	case models.StrategyAPI:
		aggs, err = f.fetchAPI(ctx, req.Date, processor, report, log)
		if err != nil {
			return nil, report, err
		}
	default:
		return nil, report, fmt.Errorf("unknown strategy %q", strategy)
	}

	stats := processor.Stats()
	report.RowsRead = stats.RowsRead
	report.RecordsProcessed = stats.Processed
	report.RecordsSkipped = stats.Skipped
	report.Underlyings = len(aggs)

	log.WithFields(logger.Fields{
		"path":          string(report.Path),
		"underlyings":   report.Underlyings,
		"processed":     report.RecordsProcessed,
		"skipped":       report.RecordsSkipped,
		"oi_enriched":   report.OIEnriched,
		"oi_failed":     report.OIFailed,
		"network_calls": report.NetworkCalls,
	}).Info("fetch complete")
	return aggs, report, nil
}

func (f *Fetcher) fetchBulk(ctx context.Context, date calendar.TradingDate, processor *ingest.Processor, report *models.StrategyReport, log *logger.Entry) (map[string]models.UnderlyingAggregate, error) {
	path, size, cached := f.cache.Lookup(date)
	if cached && f.freshness.Fresh(date) {
		report.Path = models.PathCache
		report.BulkBytes = size
		log.WithFields(logger.Fields{"file": path, "size": humanize.Bytes(uint64(size))}).Info("using cached bulk file")
	} else {
		if cached {
			log.Info("cached bulk file is stale, downloading again")
		}
		if f.bulk == nil {
			return nil, &BulkUnavailableError{Date: date, Last: errors.New("no bulk source configured")}
		}

		var written int64
		attempts, err := f.cfg.Retry.Do(ctx, func(attemptCtx context.Context) error {
			report.BulkAttempts++
			report.NetworkCalls++
			p, err := f.cache.Store(date, func(w io.Writer) error {
				n, err := f.bulk.Download(attemptCtx, date, w)
				written = n
				return err
			})
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"attempt": report.BulkAttempts}).Warn("bulk download attempt failed")
				return err
			}
			path = p
			return nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("bulk download for %s: %w", date, ctxErr)
			}
			return nil, &BulkUnavailableError{Date: date, Attempts: attempts, Last: err}
		}
		report.Path = models.PathBulk
		report.BulkBytes = written
		log.WithFields(logger.Fields{"file": path, "size": humanize.Bytes(uint64(written)), "attempts": attempts}).Info("bulk file downloaded")
	}

	snaps, err := processor.ProcessFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bulk file %s: %w", path, err)
	}
	report.FieldSources[models.FieldVolume] = report.Path
	return ingest.Aggregate(snaps, date, f.cfg.Aggregate), nil
}

func (f *Fetcher) fetchAPI(ctx context.Context, date calendar.TradingDate, processor *ingest.Processor, report *models.StrategyReport, log *logger.Entry) (map[string]models.UnderlyingAggregate, error) {
	chains, err := f.fetchChains(ctx, date, f.cfg.APIUniverse, report, log)
	if err != nil {
		return nil, err
	}

	aggs := make(map[string]models.UnderlyingAggregate, len(chains))
	for symbol, records := range chains {
		snaps := processor.ProcessRecords(records)
		if agg, ok := ingest.Aggregate(snaps, date, f.cfg.Aggregate)[symbol]; ok {
			aggs[symbol] = agg
			if agg.OpenInterest != nil {
				report.OIEnriched++
			}
		}
	}
	if len(aggs) == 0 {
		return nil, fmt.Errorf("api strategy for %s: %w", date, ErrNoData)
	}

	report.Path = models.PathAPI
	report.FieldSources[models.FieldVolume] = models.PathAPI
	if report.OIEnriched > 0 {
		report.FieldSources[models.FieldOpenInterest] = models.PathAPI
	}
	return aggs, nil
}

// enrich fetches chains for symbols and merges their open interest into aggs.
func (f *Fetcher) enrich(ctx context.Context, date calendar.TradingDate, symbols []string, aggs map[string]models.UnderlyingAggregate, processor *ingest.Processor, report *models.StrategyReport, log *logger.Entry) error {
	if len(symbols) == 0 {
		return nil
	}
	chains, err := f.fetchChains(ctx, date, symbols, report, log)
	if err != nil {
		return err
	}

	details := make([]OIDetail, 0, len(chains))
	for _, symbol := range sortedKeys(chains) {
		snaps := processor.ProcessRecords(chains[symbol])
		details = append(details, DetailFromChain(symbol, date, snaps, f.cfg.Aggregate))
	}
	merged, dropped := MergeOpenInterest(aggs, details)
	report.OIEnriched = merged
	report.OIDropped = dropped
	if merged > 0 {
		report.FieldSources[models.FieldOpenInterest] = models.PathAPI
	}
	return nil
}

type chainResult struct {
	records  []models.RawContractRecord
	attempts int
	err      error
}

// fetchChains returns the chains of every symbol that could be fetched.
// Per-symbol failures are recorded on the report and do not fail the call.
func (f *Fetcher) fetchChains(ctx context.Context, date calendar.TradingDate, symbols []string, report *models.StrategyReport, log *logger.Entry) (map[string][]models.RawContractRecord, error) {
	report.OIRequested = len(symbols)

	cached := make(map[string][]models.RawContractRecord)
	if f.freshness.Fresh(date) {
		c, err := f.chains.Load(date)
		if err != nil {
			log.WithError(err).Warn("ignoring unreadable chain cache")
		} else {
			cached = c
		}
	}

	out := make(map[string][]models.RawContractRecord, len(symbols))
	var missing []string
	for _, s := range symbols {
		if records, ok := cached[s]; ok {
			out[s] = records
			continue
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return out, nil
	}
	if f.oi == nil {
		for _, s := range missing {
			f.recordFailure(report, log, &PerTickerFetchError{Symbol: s, Err: errors.New("no open interest client configured")})
		}
		return out, nil
	}

	start := time.Now()
	results := make([]chainResult, len(missing))
	semaphore := make(chan struct{}, f.cfg.OIWorkers)
	var wg sync.WaitGroup
	for i, symbol := range missing {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				results[i].err = ctx.Err()
				return
			}
			defer func() { <-semaphore }()

			var records []models.RawContractRecord
			attempts, err := f.cfg.OIRetry.Do(ctx, func(attemptCtx context.Context) error {
				r, err := f.oi.ChainSnapshot(attemptCtx, symbol)
				records = r
				return err
			})
			results[i] = chainResult{records: records, attempts: attempts, err: err}
		}(i, symbol)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open interest fetch for %s: %w", date, err)
	}

	fetched := 0
	for i, symbol := range missing {
		res := results[i]
		report.NetworkCalls += res.attempts
		if res.err != nil {
			f.recordFailure(report, log, &PerTickerFetchError{Symbol: symbol, Err: res.err})
			continue
		}
		out[symbol] = res.records
		cached[symbol] = res.records
		fetched++
	}
	logger.LogPerformance(log, "fetch_chains", time.Since(start), logger.Fields{
		"requested": len(missing),
		"fetched":   fetched,
	})

	if fetched > 0 {
		if err := f.chains.Store(date, cached); err != nil {
			log.WithError(err).Warn("failed to cache option chains")
		}
	}
	return out, nil
}

func (f *Fetcher) recordFailure(report *models.StrategyReport, log *logger.Entry, err *PerTickerFetchError) {
	report.OIFailed++
	report.FailedTickers = append(report.FailedTickers, err.Symbol)
	log.WithError(err).WithFields(logger.Fields{"symbol": err.Symbol}).Warn("open interest unavailable")
}

// TopSymbols returns up to n symbols by total volume, ties by symbol.
func TopSymbols(aggs map[string]models.UnderlyingAggregate, n int) []string {
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
	if len(symbols) > n {
		symbols = symbols[:n]
	}
	return symbols
}

func sortedKeys(m map[string][]models.RawContractRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
