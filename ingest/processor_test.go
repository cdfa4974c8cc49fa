package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/models"
)

const bulkHeader = "ticker,volume,open,close,high,low,window_start,transactions\n"

func newTestProcessor(t *testing.T, cfg ReaderConfig) *Processor {
	t.Helper()
	return NewProcessor(NewParser(tradingDay(t, "2024-03-15"), DefaultParserConfig()), cfg, logger.Discard())
}

func TestProcessReaderSkipsMalformedRows(t *testing.T) {
	csv := bulkHeader +
		"O:AAA240419C00010000,100,1,1,1,1,1710460800000000000,5\n" +
		"O:AAA240419P00010000,50,1,1,1,1,1710460800000000000,5\n" +
		"GARBAGE,999,1,1,1,1,1710460800000000000,5\n" +
		"O:BBB240419C00020000,70,1,1,1,1,1710460800000000000,5\n" +
		"O:BBB240419P00020000,abc,1,1,1,1,1710460800000000000,5\n"

	p := newTestProcessor(t, ReaderConfig{BatchSize: 2, Workers: 3, BufferSize: 1})
	snaps, err := p.ProcessReader(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Len(t, snaps, 3)

	stats := p.Stats()
	assert.Equal(t, int64(5), stats.RowsRead)
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(2), stats.Skipped)

	aggs := Aggregate(snaps, tradingDay(t, "2024-03-15"), DefaultAggregateOptions())
	require.Len(t, aggs, 2)
	assert.Equal(t, int64(150), aggs["AAA"].TotalVolume)
	assert.Equal(t, int64(70), aggs["BBB"].TotalVolume)
}

func TestProcessFileGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(bulkHeader + "O:SPY240419C00500000,12,1,1,1,1,0,1\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "2024-03-15.csv.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	p := newTestProcessor(t, DefaultReaderConfig())
	snaps, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "SPY", snaps[0].Underlying)
	assert.Equal(t, int64(12), snaps[0].Volume)
}

func TestProcessReaderCorruptGzip(t *testing.T) {
	p := newTestProcessor(t, DefaultReaderConfig())
	_, err := p.ProcessReader(context.Background(), bytes.NewReader([]byte{0x1f, 0x8b, 0x00, 0x01}))
	assert.Error(t, err)
}

func TestProcessReaderMissingColumns(t *testing.T) {
	p := newTestProcessor(t, DefaultReaderConfig())
	_, err := p.ProcessReader(context.Background(), strings.NewReader("symbol,qty\nX,1\n"))
	assert.Error(t, err)
}

func TestProcessReaderEmpty(t *testing.T) {
	p := newTestProcessor(t, DefaultReaderConfig())
	snaps, err := p.ProcessReader(context.Background(), strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestProcessReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestProcessor(t, DefaultReaderConfig())
	_, err := p.ProcessReader(ctx, strings.NewReader(bulkHeader+"O:SPY240419C00500000,12,1,1,1,1,0,1\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessRecords(t *testing.T) {
	p := newTestProcessor(t, DefaultReaderConfig())
	snaps := p.ProcessRecords([]models.RawContractRecord{
		{Ticker: "O:SPY240419C00500000", Underlying: "SPY", Type: "call", Strike: "500", Expiry: "2024-04-19", Volume: "3", OpenInterest: "900"},
		{Ticker: "O:SPY240419P00500000", Underlying: "SPY", Type: "put", Strike: "", Expiry: "", Volume: "1", OpenInterest: "100"},
		{Underlying: "SPY", Type: "put"},
	})
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(1), p.Stats().Skipped)
}
