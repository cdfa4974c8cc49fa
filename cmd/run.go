package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/viktsys/optionscan/detector"
	"github.com/viktsys/optionscan/fetcher"
	"github.com/viktsys/optionscan/history"
	"github.com/viktsys/optionscan/metrics"
	"github.com/viktsys/optionscan/models"
	"github.com/viktsys/optionscan/pipeline"
	"github.com/viktsys/optionscan/snapshot"
)

var (
	runDate     string
	runStrategy string
	runTopN     int
	runJSON     bool
)

var runCMD = &cobra.Command{
	Use:   "run",
	Short: "Scan one trading day for unusual options activity",
	Long: `Fetch the day's contract aggregates, enrich the top underlyings with open
interest, compute rolling history and detect anomalies. The day's snapshot is
written only when every stage succeeds.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, ok := models.ParseStrategy(runStrategy)
		if !ok {
			return fmt.Errorf("unknown strategy %q (want auto, bulk or api)", runStrategy)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cal, err := tradingCalendar()
		if err != nil {
			return err
		}

		var bulk fetcher.BulkSource
		if strategy != models.StrategyAPI {
			s3, err := fetcher.NewS3BulkSource(ctx, cfg.FlatFiles)
			if err != nil {
				return err
			}
			bulk = s3
		}
		var oi fetcher.OIClient
		if strategy != models.StrategyBulk {
			oi = fetcher.NewPolygonClient(cfg.Polygon)
		}

		store := snapshot.NewStore(cfg.DataDir)
		recorder := metrics.NewRecorder()
		p := pipeline.New(pipeline.Deps{
			Calendar:      cal,
			Fetcher:       fetcher.New(cfg.Fetch, bulk, oi, fetcher.FreshnessPolicy{Calendar: cal, Now: time.Now}, log),
			Store:         store,
			Analyzer:      history.NewAnalyzer(store, cal, cfg.History, log),
			Detector:      detector.New(cfg.Detection),
			Recorder:      recorder,
			ExportParquet: cfg.Snapshot.ExportParquet,
			Log:           log,
		})

		res, runErr := p.Run(ctx, pipeline.Options{Date: runDate, Hint: strategy, TopN: runTopN})

		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Push(pushCtx, cfg.Metrics); err != nil {
			log.WithComponent("metrics").WithError(err).Warn("failed to push metrics")
		}
		if runErr != nil {
			return runErr
		}

		if runJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printResult(cmd, res)
		return nil
	},
}

func printResult(cmd *cobra.Command, res *pipeline.Result) {
	out := cmd.OutOrStdout()
	r := res.Report
	fmt.Fprintf(out, "%s  run %s  path=%s  underlyings=%d  processed=%d  skipped=%d  network_calls=%d\n",
		res.Date, res.RunID, r.Path, r.Underlyings, r.RecordsProcessed, r.RecordsSkipped, r.NetworkCalls)
	if r.OIRequested > 0 {
		fmt.Fprintf(out, "open interest: %d requested, %d enriched, %d failed %v\n", r.OIRequested, r.OIEnriched, r.OIFailed, r.FailedTickers)
	}
	s := res.Summary
	fmt.Fprintf(out, "%d anomalies on %d of %d underlyings (high %d, medium %d, low %d)\n",
		s.Total, s.TickersFlagged, s.TickersScanned, s.ByLevel[models.LevelHigh], s.ByLevel[models.LevelMedium], s.ByLevel[models.LevelLow])
	for _, a := range res.Anomalies {
		fmt.Fprintf(out, "  %-6s %-8s %5.2f  %-20s %s\n", a.Level, a.Symbol, a.Severity, a.Kind, a.Description)
	}
	fmt.Fprintf(out, "snapshot: %s\n", res.Snapshot)
}

func init() {
	runCMD.Flags().StringVarP(&runDate, "date", "d", "", "trading day YYYY-MM-DD (default: last completed trading day)")
	runCMD.Flags().StringVarP(&runStrategy, "strategy", "s", string(models.StrategyAuto), "acquisition strategy: auto, bulk or api")
	runCMD.Flags().IntVarP(&runTopN, "top-n", "n", 0, "underlyings to enrich with open interest (default from config)")
	runCMD.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
}
