package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/detector"
	"github.com/viktsys/optionscan/fetcher"
	"github.com/viktsys/optionscan/history"
	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/metrics"
	"github.com/viktsys/optionscan/models"
	"github.com/viktsys/optionscan/snapshot"
)

var nyse = calendar.NewNYSE()

// monday is the Monday after 2024-03-15, well after its close.
var monday = time.Date(2024, 3, 18, 12, 0, 0, 0, time.UTC)

func gzipCSV(t *testing.T, rows ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := io.WriteString(gz, "ticker,volume,open,close,high,low,window_start,transactions\n")
	require.NoError(t, err)
	for _, r := range rows {
		_, err := io.WriteString(gz, r+",1,1,1,1,0,1\n")
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type fakeBulk struct {
	data  []byte
	err   error
	calls int32
}

func (b *fakeBulk) Download(ctx context.Context, date calendar.TradingDate, w io.Writer) (int64, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.err != nil {
		return 0, b.err
	}
	n, err := w.Write(b.data)
	return int64(n), err
}

type fakeOI struct {
	chains map[string][]models.RawContractRecord
	calls  int32
}

func (o *fakeOI) ChainSnapshot(ctx context.Context, underlying string) ([]models.RawContractRecord, error) {
	atomic.AddInt32(&o.calls, 1)
	return o.chains[underlying], nil
}

type harness struct {
	dir      string
	bulk     *fakeBulk
	oi       *fakeOI
	store    *snapshot.Store
	analyzer *history.Analyzer
	recorder *metrics.Recorder
	pipeline *Pipeline
}

func newHarness(t *testing.T, bulk *fakeBulk, oi *fakeOI) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := func() time.Time { return monday }

	cfg := fetcher.DefaultConfig()
	cfg.DataDir = dir
	cfg.Retry = fetcher.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Linear: true}
	cfg.OIRetry = fetcher.RetryPolicy{MaxAttempts: 1}

	var oiClient fetcher.OIClient
	if oi != nil {
		oiClient = oi
	}
	f := fetcher.New(cfg, bulk, oiClient, fetcher.FreshnessPolicy{Calendar: nyse, Now: clock}, logger.Discard())
	store := snapshot.NewStore(dir)
	analyzer := history.NewAnalyzer(store, nyse, history.DefaultConfig(), logger.Discard())
	recorder := metrics.NewRecorder()

	return &harness{
		dir:      dir,
		bulk:     bulk,
		oi:       oi,
		store:    store,
		analyzer: analyzer,
		recorder: recorder,
		pipeline: New(Deps{
			Calendar:      nyse,
			Fetcher:       f,
			Store:         store,
			Analyzer:      analyzer,
			Detector:      detector.New(detector.DefaultConfig()),
			Recorder:      recorder,
			ExportParquet: true,
			Now:           clock,
			Log:           logger.Discard(),
		}),
	}
}

func find(records []models.AnomalyRecord, symbol string, kind models.AnomalyKind) (models.AnomalyRecord, bool) {
	for _, r := range records {
		if r.Symbol == symbol && r.Kind == kind {
			return r, true
		}
	}
	return models.AnomalyRecord{}, false
}

func TestRunFearAndGreedWithoutHistory(t *testing.T) {
	h := newHarness(t, &fakeBulk{data: gzipCSV(t,
		"O:AAA240419C00010000,1000",
		"O:AAA240419P00010000,4000",
		"O:BBB240419C00020000,500",
		"O:BBB240419P00020000,100",
	)}, nil)

	res, err := h.pipeline.Run(context.Background(), Options{Hint: models.StrategyBulk})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-15", res.Date.String())

	require.Len(t, res.Aggregates, 2)
	assert.Equal(t, "AAA", res.Aggregates[0].Symbol)
	assert.Equal(t, 1, res.Aggregates[0].History.Rank)
	assert.True(t, res.Aggregates[0].History.InsufficientHistory)
	assert.Equal(t, models.Float(4.0), res.Aggregates[0].PutCallVolumeRatio)

	_, ok := find(res.Anomalies, "AAA", models.KindRatioFear)
	assert.True(t, ok)
	_, ok = find(res.Anomalies, "BBB", models.KindRatioGreed)
	assert.True(t, ok)
	_, ok = find(res.Anomalies, "AAA", models.KindVolumeZScore)
	assert.False(t, ok)
	assert.Equal(t, 2, res.Summary.Total)

	snap, err := h.store.Load(res.Date)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, snap.RunID)
	assert.Equal(t, models.PathBulk, snap.DataSource)
	assert.Len(t, snap.Anomalies, 2)
	assert.FileExists(t, res.Parquet)

	n, err := testutil.GatherAndCount(h.recorder.Registry(), "optionscan_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunVolumeZScoreFromHistory(t *testing.T) {
	h := newHarness(t, &fakeBulk{data: gzipCSV(t,
		"O:XYZ240419C00050000,750",
		"O:XYZ240419P00050000,750",
	)}, nil)

	date, err := nyse.ResolveTarget(monday, "2024-03-15")
	require.NoError(t, err)
	window, err := h.analyzer.Window(date, 10)
	require.NoError(t, err)
	require.Len(t, window, 10)
	for i, d := range window {
		v := int64(900)
		if i%2 == 1 {
			v = 1100
		}
		require.NoError(t, h.store.Save(&snapshot.Snapshot{
			Date:  d,
			RunID: "seed",
			Aggregates: []models.EnrichedAggregate{{UnderlyingAggregate: models.UnderlyingAggregate{
				Symbol: "XYZ", Date: d, CallVolume: v / 2, PutVolume: v / 2, TotalVolume: v,
			}}},
		}))
	}

	res, err := h.pipeline.Run(context.Background(), Options{Date: "2024-03-15", Hint: models.StrategyBulk})
	require.NoError(t, err)

	xyz := res.Aggregates[0]
	assert.False(t, xyz.History.InsufficientHistory)
	assert.Equal(t, 10, xyz.History.Appearances)
	assert.InDelta(t, 1000, xyz.History.VolumeMean.Float, 1e-9)
	assert.InDelta(t, 100, xyz.History.VolumeStdDev.Float, 1e-9)

	rec, ok := find(res.Anomalies, "XYZ", models.KindVolumeZScore)
	require.True(t, ok)
	assert.InDelta(t, 5.0, rec.Value, 1e-9)
	assert.InDelta(t, 5.0, rec.Severity, 1e-9)
	assert.Equal(t, 3.0, rec.Threshold)
}

func TestRunBulkUnavailableWritesNothing(t *testing.T) {
	bulk := &fakeBulk{err: errors.New("503 service unavailable")}
	h := newHarness(t, bulk, nil)

	res, err := h.pipeline.Run(context.Background(), Options{Date: "2024-03-15", Hint: models.StrategyBulk})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, fetcher.ErrBulkUnavailable)

	date, _ := nyse.ResolveTarget(monday, "2024-03-15")
	assert.False(t, h.store.Exists(date))

	_, err = h.pipeline.Run(context.Background(), Options{Date: "2024-03-15", Hint: models.StrategyBulk})
	assert.ErrorIs(t, err, fetcher.ErrBulkUnavailable)
	assert.Equal(t, int32(6), atomic.LoadInt32(&bulk.calls))
}

func TestRunRejectsNonTradingDay(t *testing.T) {
	h := newHarness(t, &fakeBulk{}, nil)
	_, err := h.pipeline.Run(context.Background(), Options{Date: "2024-03-16"})
	assert.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.bulk.calls))
}

func TestRunIsIdempotent(t *testing.T) {
	data := gzipCSV(t,
		"O:AAA240419C00010000,1000",
		"O:AAA240419P00011000,4000",
		"O:AAA240621C00012000,40",
		"O:BBB240419C00020000,500",
		"O:BBB240419P00020000,100",
		"O:CCC240419C00030000,10",
	)
	h := newHarness(t, &fakeBulk{data: data}, nil)

	first, err := h.pipeline.Run(context.Background(), Options{Date: "2024-03-15", Hint: models.StrategyBulk})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(h.dir, "cache")))
	second, err := h.pipeline.Run(context.Background(), Options{Date: "2024-03-15", Hint: models.StrategyBulk})
	require.NoError(t, err)

	a, err := json.Marshal(first.Aggregates)
	require.NoError(t, err)
	b, err := json.Marshal(second.Aggregates)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, first.Anomalies, second.Anomalies)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.bulk.calls))
}

func TestRerunCachedDateMakesNoNetworkCalls(t *testing.T) {
	bulk := &fakeBulk{data: gzipCSV(t,
		"O:AAA240419C00010000,1000",
		"O:AAA240419P00010000,4000",
	)}
	oi := &fakeOI{chains: map[string][]models.RawContractRecord{
		"AAA": {
			{Ticker: "O:AAA240419C00010000", Volume: "1000", OpenInterest: "7000", UnderlyingPrice: "10"},
			{Ticker: "O:AAA240419P00010000", Volume: "4000", OpenInterest: "3000", UnderlyingPrice: "10"},
		},
	}}
	h := newHarness(t, bulk, oi)

	first, err := h.pipeline.Run(context.Background(), Options{Date: "2024-03-15"})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Report.NetworkCalls)
	require.NotNil(t, first.Aggregates[0].OpenInterest)
	assert.Equal(t, int64(10000), first.Aggregates[0].OpenInterest.Total)

	second, err := h.pipeline.Run(context.Background(), Options{Date: "2024-03-15"})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Report.NetworkCalls)
	assert.Equal(t, models.PathCache, second.Report.Path)
	assert.Equal(t, int32(1), atomic.LoadInt32(&bulk.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&oi.calls))
}

func TestByRank(t *testing.T) {
	got := ByRank(map[string]models.EnrichedAggregate{
		"B": {UnderlyingAggregate: models.UnderlyingAggregate{Symbol: "B"}, History: models.HistoryStats{Rank: 2}},
		"A": {UnderlyingAggregate: models.UnderlyingAggregate{Symbol: "A"}, History: models.HistoryStats{Rank: 1}},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Symbol)
}
