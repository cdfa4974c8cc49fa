package snapshot

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/models"
)

func day(t *testing.T, s string) calendar.TradingDate {
	t.Helper()
	d, err := calendar.ParseDay(s)
	require.NoError(t, err)
	td, err := calendar.NewNYSE().Confirm(d)
	require.NoError(t, err)
	return td
}

func sampleSnapshot(t *testing.T, date string) *Snapshot {
	d := day(t, date)
	return &Snapshot{
		Date:       d,
		RunID:      "run-1",
		DataSource: models.PathBulk,
		Aggregates: []models.EnrichedAggregate{
			{
				UnderlyingAggregate: models.UnderlyingAggregate{
					Symbol:             "AAA",
					Date:               d,
					CallVolume:         1000,
					PutVolume:          4000,
					TotalVolume:        5000,
					PutCallVolumeRatio: models.Float(4),
					OpenInterest: &models.OpenInterest{
						Call:         10,
						Put:          30,
						Total:        40,
						PutCallRatio: models.Float(3),
					},
				},
				History: models.HistoryStats{Rank: 1, Trend: models.TrendNew, InsufficientHistory: true},
			},
			{
				UnderlyingAggregate: models.UnderlyingAggregate{
					Symbol:      "BBB",
					Date:        d,
					CallVolume:  500,
					TotalVolume: 500,
				},
				History: models.HistoryStats{Rank: 2, Trend: models.TrendFlat, VolumeMean: models.Float(450)},
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	snap := sampleSnapshot(t, "2024-03-15")

	require.NoError(t, store.Save(snap))
	assert.True(t, store.Exists(snap.Date))

	got, err := store.Load(snap.Date)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
	assert.False(t, got.Aggregates[1].PutCallVolumeRatio.Valid)
	assert.Nil(t, got.Aggregates[1].OpenInterest)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save(sampleSnapshot(t, "2024-03-15")))
	require.NoError(t, store.Save(sampleSnapshot(t, "2024-03-15")))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2024-03-15.json", entries[0].Name())
}

func TestLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load(day(t, "2024-03-15"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, store.Exists(day(t, "2024-03-15")))
}

func TestDatesSortedAndFiltered(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, d := range []string{"2024-03-15", "2024-03-13", "2024-03-14"} {
		require.NoError(t, store.Save(sampleSnapshot(t, d)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "garbage.json"), []byte("{}"), 0o644))

	dates, err := store.Dates()
	require.NoError(t, err)
	require.Len(t, dates, 3)
	assert.Equal(t, "2024-03-13", dates[0].String())
	assert.Equal(t, "2024-03-15", dates[2].String())

	empty, err := NewStore(t.TempDir()).Dates()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWriteFileAtomicKeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "file.bin")
	require.NoError(t, WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write([]byte("good"))
		return err
	}))

	boom := errors.New("boom")
	err := WriteFileAtomic(path, func(w io.Writer) error {
		w.Write([]byte("partial"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExportParquet(t *testing.T) {
	store := NewStore(t.TempDir())
	snap := sampleSnapshot(t, "2024-03-15")

	path, err := store.ExportParquet(snap)
	require.NoError(t, err)
	assert.Equal(t, store.ParquetPath(snap.Date), path)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(aggregateRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]aggregateRow, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "AAA", rows[0].Symbol)
	require.NotNil(t, rows[0].TotalOI)
	assert.Equal(t, int64(40), *rows[0].TotalOI)
	assert.Nil(t, rows[1].TotalOI)
	assert.Nil(t, rows[1].PutCallVolumeRatio)
	assert.Equal(t, "2024-03-15", rows[1].Date)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
