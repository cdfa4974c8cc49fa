// Package metrics records run outcomes on a private Prometheus registry.
//
// Registers:
//
//	#optionscan_runs_total{strategy,outcome}
//	#optionscan_run_duration_seconds
//	#optionscan_network_calls_total
//	#optionscan_records_total{result}
//	#optionscan_underlyings
//	#optionscan_oi_fetch_total{result}
//	#optionscan_anomalies{level}
//	#optionscan_last_success_timestamp_seconds
//	#go_* and process_* system metrics
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/viktsys/optionscan/models"
)

const namespace = "optionscan"

// Config controls the optional Pushgateway export of a batch run.
type Config struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

func DefaultConfig() Config {
	return Config{Job: namespace}
}

// Recorder owns the registry and every collector.
type Recorder struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	networkCalls prometheus.Counter
	records      *prometheus.CounterVec
	underlyings  prometheus.Gauge
	oiFetch      *prometheus.CounterVec
	anomalies    *prometheus.GaugeVec
	lastSuccess  prometheus.Gauge
}

// NewRecorder creates a Recorder on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a pipeline run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		networkCalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_calls_total",
			Help:      "Bulk download attempts plus per-ticker chain requests",
		}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Contract records by result",
		}, []string{"result"}),
		underlyings: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "underlyings",
			Help:      "Underlyings aggregated in the last run",
		}),
		oiFetch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oi_fetch_total",
			Help:      "Per-ticker open interest fetches by result",
		}, []string{"result"}),
		anomalies: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomalies",
			Help:      "Anomalies detected in the last run by severity level",
		}, []string{"level"}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}),
	}
}

// Registry exposes the underlying registry for gathering in tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveFetch records the acquisition side of a run. A nil report is ignored.
func (r *Recorder) ObserveFetch(report *models.StrategyReport) {
	if report == nil {
		return
	}
	r.networkCalls.Add(float64(report.NetworkCalls))
	r.records.WithLabelValues("processed").Add(float64(report.RecordsProcessed))
	r.records.WithLabelValues("skipped").Add(float64(report.RecordsSkipped))
	r.underlyings.Set(float64(report.Underlyings))
	r.oiFetch.WithLabelValues("enriched").Add(float64(report.OIEnriched))
	r.oiFetch.WithLabelValues("failed").Add(float64(report.OIFailed))
	r.oiFetch.WithLabelValues("dropped").Add(float64(report.OIDropped))
}

// ObserveDetection sets the per-level anomaly gauges.
func (r *Recorder) ObserveDetection(summary models.DetectionSummary) {
	for _, level := range []models.SeverityLevel{models.LevelHigh, models.LevelMedium, models.LevelLow} {
		r.anomalies.WithLabelValues(string(level)).Set(float64(summary.ByLevel[level]))
	}
}

// ObserveSnapshot sets the last-run gauges from a persisted day.
func (r *Recorder) ObserveSnapshot(underlyings int, anomalies []models.AnomalyRecord) {
	r.underlyings.Set(float64(underlyings))
	counts := make(map[models.SeverityLevel]int)
	for _, a := range anomalies {
		counts[a.Level]++
	}
	r.ObserveDetection(models.DetectionSummary{ByLevel: counts})
}

// ObserveRun counts a finished run.
func (r *Recorder) ObserveRun(strategy models.Strategy, err error, elapsed time.Duration, now time.Time) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.runs.WithLabelValues(string(strategy), outcome).Inc()
	r.runDuration.Observe(elapsed.Seconds())
	if err == nil {
		r.lastSuccess.Set(float64(now.Unix()))
	}
}

// Push sends the registry to a Pushgateway. It is a no-op without a URL.
func (r *Recorder) Push(ctx context.Context, cfg Config) error {
	if cfg.PushgatewayURL == "" {
		return nil
	}
	job := cfg.Job
	if job == "" {
		job = namespace
	}
	return push.New(cfg.PushgatewayURL, job).Gatherer(r.registry).PushContext(ctx)
}
