package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/esi-contract-ingest/internal/scheduler"
	"github.com/Sternrassler/esi-contract-ingest/pkg/metrics"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run ingestion passes on a fixed interval",
	Long: `Schedule runs an ingestion pass immediately and then every
ingest.interval until SIGINT or SIGTERM. Passes never overlap: within the
process a slow pass delays the next tick, across instances the run lock
skips passes while another instance is ingesting.

When metrics.addr is set, /metrics and /health are served on it.

Example:
  contract-ingest schedule --config ingest.yaml`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, metrics.NewMux(a.healthChecks()), logger)
		g.Go(func() error { return srv.Serve(gctx) })
	}

	g.Go(func() error {
		scheduler.New(cfg.Ingest.Interval, func(ctx context.Context) {
			a.agg.RunOnce(ctx)
		}, logger).Run(gctx)
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("Shutdown complete")
	return err
}
