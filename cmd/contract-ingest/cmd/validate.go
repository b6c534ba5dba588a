package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var validateOffline bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and check connectivity",
	Long: `Validate checks the configuration and, unless --offline is given,
connects to the configured dependencies.

Checks performed:
  - Configuration syntax and required fields
  - Redis connectivity (fetch cache, run lock, error budget)
  - Database connectivity

Example:
  contract-ingest validate --config ingest.yaml`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateOffline, "offline", false,
		"Only validate the configuration, skip connectivity checks")

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	cmd.Println("Configuration is valid")

	if validateOffline {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	for name, check := range a.healthChecks() {
		if err := check(ctx); err != nil {
			return fmt.Errorf("%s check failed: %w", name, err)
		}
		cmd.Printf("%s: OK\n", name)
	}
	return nil
}
