package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/viktsys/optionscan/api"
	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/metrics"
	"github.com/viktsys/optionscan/snapshot"
)

var serverCMD = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long: `Start the HTTP API server to serve persisted snapshots and per-underlying statistics.

The server does not run the pipeline. Its /metrics endpoint reports go and
process metrics plus the underlying and anomaly gauges of the newest snapshot
on disk, read at startup. Run counters and durations live in the run command's
process and reach Prometheus through the Pushgateway (metrics.pushgateway_url).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cal, err := tradingCalendar()
		if err != nil {
			return err
		}
		store := snapshot.NewStore(cfg.DataDir)
		recorder := metrics.NewRecorder()
		if err := observeLatest(store, recorder); err != nil {
			log.WithComponent("metrics").WithError(err).Warn("failed to load latest snapshot")
		}
		h := api.NewHandler(store, cal, recorder.Handler(), log)

		srv := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      api.SetupRoutes(h),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		entry := log.WithComponent("server").WithFields(logger.Fields{"addr": cfg.Server.Addr})

		errCh := make(chan error, 1)
		go func() {
			entry.Info("starting server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		entry.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// observeLatest seeds the snapshot gauges from the newest persisted day.
func observeLatest(store *snapshot.Store, recorder *metrics.Recorder) error {
	dates, err := store.Dates()
	if err != nil || len(dates) == 0 {
		return err
	}
	snap, err := store.Load(dates[len(dates)-1])
	if err != nil {
		return err
	}
	recorder.ObserveSnapshot(len(snap.Aggregates), snap.Anomalies)
	return nil
}
