package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/models"
	"github.com/viktsys/optionscan/snapshot"
)

var nyse = calendar.NewNYSE()

func day(t *testing.T, s string) calendar.TradingDate {
	t.Helper()
	d, err := calendar.ParseDay(s)
	require.NoError(t, err)
	td, err := nyse.Confirm(d)
	require.NoError(t, err)
	return td
}

func seed(t *testing.T, store *snapshot.Store, date string, volume, oi int64, rank int) {
	t.Helper()
	d := day(t, date)
	require.NoError(t, store.Save(&snapshot.Snapshot{
		Date:  d,
		RunID: "seed",
		Aggregates: []models.EnrichedAggregate{{
			UnderlyingAggregate: models.UnderlyingAggregate{
				Symbol:             "XYZ",
				Date:               d,
				TotalVolume:        volume,
				PutCallVolumeRatio: models.Float(float64(volume) / 1000),
				OpenInterest:       &models.OpenInterest{Total: oi},
			},
			History: models.HistoryStats{Rank: rank},
		}},
		Anomalies: []models.AnomalyRecord{{Symbol: "XYZ", Date: d, Kind: models.KindVolumeZScore}},
	}))
}

func newServer(t *testing.T) (http.Handler, *snapshot.Store) {
	store := snapshot.NewStore(t.TempDir())
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) })
	h := NewHandler(store, nyse, metrics, logger.Discard())
	h.now = func() time.Time { return time.Date(2024, 3, 18, 12, 0, 0, 0, time.UTC) }
	return SetupRoutes(h), store
}

func get(t *testing.T, srv http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newServer(t)

	rec := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestSnapshots(t *testing.T) {
	srv, store := newServer(t)
	seed(t, store, "2024-03-14", 1000, 5000, 2)
	seed(t, store, "2024-03-15", 3000, 4000, 1)

	rec := get(t, srv, "/api/snapshots")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []SnapshotInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "2024-03-15", list[0].Date)
	assert.Equal(t, 1, list[0].Underlyings)
	assert.Equal(t, 1, list[0].Anomalies)

	rec = get(t, srv, "/api/snapshots/2024-03-14")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap snapshot.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "2024-03-14", snap.Date.String())
	assert.Equal(t, int64(1000), snap.Aggregates[0].TotalVolume)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/snapshots/2024-03-13").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/snapshots/2024-03-16").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/snapshots/yesterday").Code)
}

func TestUnderlyingStats(t *testing.T) {
	srv, store := newServer(t)
	seed(t, store, "2024-03-01", 9000, 9000, 1)
	seed(t, store, "2024-03-14", 1000, 5000, 2)
	seed(t, store, "2024-03-15", 3000, 4000, 1)

	rec := get(t, srv, "/api/underlyings/xyz/stats?from=2024-03-11")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats UnderlyingStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "XYZ", stats.Symbol)
	assert.Equal(t, 2, stats.Days)
	assert.Equal(t, "2024-03-15", stats.LastSeen)
	assert.Equal(t, int64(3000), stats.MaxDailyVolume)
	assert.Equal(t, models.Int(5000), stats.MaxOpenInterest)
	assert.Equal(t, models.Float(3.0), stats.MaxPutCallRatio)
	assert.Equal(t, models.Int(1), stats.BestRank)
	assert.Equal(t, 2, stats.Anomalies)

	rec = get(t, srv, "/api/underlyings/XYZ/stats")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "2024-03-10", stats.From)
	assert.Equal(t, 2, stats.Days)

	rec = get(t, srv, "/api/underlyings/NONE/stats?from=2024-01-01")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Days)
	assert.False(t, stats.MaxOpenInterest.Valid)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/underlyings/XYZ/stats?from=03-11").Code)
}

func TestListSkipsCorruptSnapshot(t *testing.T) {
	srv, store := newServer(t)
	seed(t, store, "2024-03-15", 3000, 4000, 1)
	require.NoError(t, os.WriteFile(store.Path(day(t, "2024-03-14")), []byte("{"), 0o644))

	rec := get(t, srv, "/api/snapshots")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []SnapshotInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}
