package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/models"
	"github.com/viktsys/optionscan/snapshot"
)

// UnderlyingStats summarises one underlying across persisted snapshots.
type UnderlyingStats struct {
	Symbol          string           `json:"symbol"`
	From            string           `json:"from"`
	Days            int              `json:"days"`
	LastSeen        string           `json:"last_seen,omitempty"`
	MaxDailyVolume  int64            `json:"max_daily_volume"`
	MaxOpenInterest models.NullInt   `json:"max_open_interest"`
	MaxPutCallRatio models.NullFloat `json:"max_put_call_ratio"`
	BestRank        models.NullInt   `json:"best_rank"`
	Anomalies       int              `json:"anomalies"`
}

// SnapshotInfo is one entry of the snapshot listing.
type SnapshotInfo struct {
	Date        string `json:"date"`
	Underlyings int    `json:"underlyings"`
	Anomalies   int    `json:"anomalies"`
}

type Handler struct {
	store   *snapshot.Store
	cal     *calendar.Calendar
	metrics http.Handler
	now     func() time.Time
	log     *logger.Entry
}

// NewHandler serves snapshots from store. metrics may be nil.
func NewHandler(store *snapshot.Store, cal *calendar.Calendar, metrics http.Handler, log *logger.Log) *Handler {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Handler{store: store, cal: cal, metrics: metrics, now: time.Now, log: log.WithComponent("api")}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	dates, err := h.store.Dates()
	if err != nil {
		h.log.WithError(err).Error("failed to list snapshots")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]SnapshotInfo, 0, len(dates))
	for i := len(dates) - 1; i >= 0; i-- {
		snap, err := h.store.Load(dates[i])
		if err != nil {
			h.log.WithError(err).WithFields(logger.Fields{"date": dates[i].String()}).Warn("skipping unreadable snapshot")
			continue
		}
		out = append(out, SnapshotInfo{Date: snap.Date.String(), Underlyings: len(snap.Aggregates), Anomalies: len(snap.Anomalies)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	d, err := calendar.ParseDay(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
		return
	}
	date, err := h.cal.Confirm(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := h.store.Load(date)
	if errors.Is(err, snapshot.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetUnderlyingStats reports maxima for one symbol since ?from=YYYY-MM-DD,
// defaulting to the last eight calendar days.
func (h *Handler) GetUnderlyingStats(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	var from time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		d, err := calendar.ParseDay(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
			return
		}
		from = d
	} else {
		from = h.cal.Today(h.now()).AddDate(0, 0, -8)
	}

	stats, err := h.calculateStats(symbol, from)
	if err != nil {
		h.log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("failed to calculate stats")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) calculateStats(symbol string, from time.Time) (*UnderlyingStats, error) {
	dates, err := h.store.Dates()
	if err != nil {
		return nil, err
	}

	stats := &UnderlyingStats{Symbol: symbol, From: from.Format("2006-01-02")}
	for _, d := range dates {
		if d.Time().Before(from) {
			continue
		}
		snap, err := h.store.Load(d)
		if err != nil {
			h.log.WithError(err).WithFields(logger.Fields{"date": d.String()}).Warn("skipping unreadable snapshot")
			continue
		}
		for _, a := range snap.Aggregates {
			if a.Symbol != symbol {
				continue
			}
			stats.Days++
			stats.LastSeen = d.String()
			if a.TotalVolume > stats.MaxDailyVolume {
				stats.MaxDailyVolume = a.TotalVolume
			}
			if oi := a.TotalOI(); oi.Valid && (!stats.MaxOpenInterest.Valid || oi.Int > stats.MaxOpenInterest.Int) {
				stats.MaxOpenInterest = oi
			}
			if pc := a.PutCallVolumeRatio; pc.Valid && (!stats.MaxPutCallRatio.Valid || pc.Float > stats.MaxPutCallRatio.Float) {
				stats.MaxPutCallRatio = pc
			}
			if a.History.Rank > 0 && (!stats.BestRank.Valid || int64(a.History.Rank) < stats.BestRank.Int) {
				stats.BestRank = models.Int(int64(a.History.Rank))
			}
		}
		for _, an := range snap.Anomalies {
			if an.Symbol == symbol {
				stats.Anomalies++
			}
		}
	}
	return stats, nil
}

func SetupRoutes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshots", h.ListSnapshots)
		r.Get("/snapshots/{date}", h.GetSnapshot)
		r.Get("/underlyings/{symbol}/stats", h.GetUnderlyingStats)
	})
	return r
}

func requestLogger(log *logger.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logger.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"request_id": middleware.GetReqID(r.Context()),
				"duration":   time.Since(start).String(),
			}).Debug("request served")
		})
	}
}
