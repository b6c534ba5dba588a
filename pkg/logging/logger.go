// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
// The ingest binary calls this once at startup; library packages never do.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Str("service", "contract-ingest").Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a textual level to zerolog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a component logger from parent. Every package tags its
// logger this way.
func Component(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: page-level detail
//   - Cache hit/miss per page key, conditional requests, ETags
//   - Individual retry backoffs
//
// Info: run milestones
//   - Lock acquired / released / denied
//   - Per-partition record counts, batch upserts
//   - Run finished with counts and duration
//
// Warn: degraded but continuing
//   - Cache read/write failures (fall back to uncached fetch)
//   - 304 without cached body
//   - Partition or contract-item fetch skipped
//   - Error budget throttling
//
// Error: run-level failure
//   - Retry budget exhausted
//   - Bulk upsert failures, recovered panics
//
// Context Fields:
//   - component: emitting package (esi-client, fetch-cache, paginator, ...)
//   - run_id: one id per aggregation run
//   - endpoint, page, status_code, error_class, attempt
//   - region_id, contract_id, table, batch
//   - etag, ttl
