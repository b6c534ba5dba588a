package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/esi-contract-ingest/internal/aggregator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion pass and exit",
	Long: `Run performs a single ingestion pass: acquire the run lock, fetch every
configured region, resolve issuer names, upsert contracts, then fetch and
upsert the items of item exchange and auction contracts.

A pass skipped because another instance holds the run lock exits
successfully. A failed pass exits non-zero.

Example:
  contract-ingest run --config ingest.yaml --contract-limit 100`,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
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

	res := a.agg.RunOnce(ctx)
	printResult(cmd.OutOrStdout(), res)

	if res.State == aggregator.StateFailed {
		return fmt.Errorf("ingestion run failed: %w", res.Err)
	}
	return nil
}

func printResult(w io.Writer, res aggregator.Result) {
	fmt.Fprintf(w, "Run %s finished: %s\n", res.RunID, res.State)
	if res.State == aggregator.StateLockDenied {
		fmt.Fprintln(w, "  Another instance holds the run lock")
		return
	}
	fmt.Fprintf(w, "  Contracts: %d\n", res.Contracts)
	fmt.Fprintf(w, "  Items: %d\n", res.Items)
	if len(res.FailedPartitions) > 0 {
		fmt.Fprintf(w, "  Skipped regions: %v\n", res.FailedPartitions)
	}
	if res.FailedItemFetches > 0 {
		fmt.Fprintf(w, "  Item fetch failures: %d\n", res.FailedItemFetches)
	}
	if res.Err != nil {
		fmt.Fprintf(w, "  Error: %v\n", res.Err)
	}
	fmt.Fprintf(w, "  Duration: %s\n", res.Duration.Round(time.Millisecond))
}
