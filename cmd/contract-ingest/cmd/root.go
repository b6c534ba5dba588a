// Package cmd implements the contract-ingest command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/esi-contract-ingest/internal/config"
	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile       string
	logLevel      string
	logFormat     string
	contractLimit int
)

var rootCmd = &cobra.Command{
	Use:   "contract-ingest",
	Short: "ESI public contract ingestion engine",
	Long: `Periodically pulls public contracts and their items from ESI and
upserts them into a relational store.

Features:
  - Conditional revalidation of every page (ETag / 304) against a Redis cache
  - Retry with exponential backoff on transient upstream failures
  - Batch issuer name resolution
  - Cross-instance run lock so only one ingestion runs at a time
  - Idempotent bulk upserts (postgres, mysql, sqlite, generic)`,
	Version:      Version,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Path to configuration file (defaults and INGEST_* environment only when empty)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	rootCmd.PersistentFlags().IntVar(&contractLimit, "contract-limit", 0,
		"Cap the contracts processed per run (development)")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// CLIOverrides contains flag values that override config file settings
type CLIOverrides struct {
	LogLevel      string
	LogFormat     string
	ContractLimit int
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() CLIOverrides {
	return CLIOverrides{
		LogLevel:      logLevel,
		LogFormat:     logFormat,
		ContractLimit: contractLimit,
	}
}

// loadConfig loads, overrides and validates the configuration, then sets up
// the global logger from it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	overrides := GetCLIOverrides()
	cfg.ApplyOverrides(overrides.LogLevel, overrides.LogFormat, overrides.ContractLimit)

	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}

	return cfg, logging.Setup(loggingConfig(cfg)), nil
}

func loggingConfig(cfg *config.Config) logging.Config {
	return logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Format == "text",
		Output: os.Stderr,
	}
}
