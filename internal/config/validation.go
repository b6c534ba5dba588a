package config

import (
	"fmt"
	"strings"

	"github.com/Sternrassler/esi-contract-ingest/internal/store"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateESI()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateIngest()...)

	if c.Redis.Addr == "" {
		errors = append(errors, ValidationError{Field: "redis.addr", Message: "is required"})
	}
	if c.Fetch.MaxPages < 0 {
		errors = append(errors, ValidationError{Field: "fetch.max_pages", Message: "must not be negative"})
	}
	if c.Lock.TTL <= 0 {
		errors = append(errors, ValidationError{Field: "lock.ttl", Message: "must be positive"})
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error (got %q)", c.Logging.Level),
		})
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be json or text (got %q)", c.Logging.Format),
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateESI() ValidationErrors {
	var errors ValidationErrors
	esi := c.ESI

	if esi.BaseURL == "" {
		errors = append(errors, ValidationError{Field: "esi.base_url", Message: "is required"})
	}
	if strings.TrimSpace(esi.UserAgent) == "" {
		errors = append(errors, ValidationError{
			Field:   "esi.user_agent",
			Message: `is required by ESI (format: "AppName/Version (contact@example.com)")`,
		})
	}
	if esi.Timeout <= 0 {
		errors = append(errors, ValidationError{Field: "esi.timeout", Message: "must be positive"})
	}
	if esi.RateLimit < 0 {
		errors = append(errors, ValidationError{Field: "esi.rate_limit", Message: "must not be negative"})
	}
	if esi.Retry.MaxAttempts < 1 {
		errors = append(errors, ValidationError{Field: "esi.retry.max_attempts", Message: "must be at least 1"})
	}
	if esi.Retry.InitialBackoff < 0 {
		errors = append(errors, ValidationError{Field: "esi.retry.initial_backoff", Message: "must not be negative"})
	}
	if esi.Retry.Multiplier < 1 {
		errors = append(errors, ValidationError{Field: "esi.retry.multiplier", Message: "must be at least 1"})
	}
	if esi.Retry.Jitter < 0 || esi.Retry.Jitter >= 1 {
		errors = append(errors, ValidationError{Field: "esi.retry.jitter", Message: "must be in [0, 1)"})
	}
	if esi.ErrorBudget.Enabled && esi.ErrorBudget.Critical > esi.ErrorBudget.Warning {
		errors = append(errors, ValidationError{
			Field:   "esi.error_budget.critical",
			Message: "must not exceed esi.error_budget.warning",
		})
	}
	if esi.Names.ChunkSize < 1 || esi.Names.ChunkSize > 1000 {
		errors = append(errors, ValidationError{Field: "esi.names.chunk_size", Message: "must be between 1 and 1000"})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if _, err := store.ParseDialect(c.Database.Dialect); err != nil {
		errors = append(errors, ValidationError{Field: "database.dialect", Message: err.Error()})
	}
	if c.Database.DSN == "" {
		errors = append(errors, ValidationError{Field: "database.dsn", Message: "is required"})
	}
	if c.Database.MaxOpenConns < 0 {
		errors = append(errors, ValidationError{Field: "database.max_open_conns", Message: "must not be negative"})
	}

	return errors
}

func (c *Config) validateIngest() ValidationErrors {
	var errors ValidationErrors
	ingest := c.Ingest

	if len(ingest.Regions) == 0 {
		errors = append(errors, ValidationError{Field: "ingest.regions", Message: "at least one region must be configured"})
	}
	for _, region := range ingest.Regions {
		if region <= 0 {
			errors = append(errors, ValidationError{
				Field:   "ingest.regions",
				Message: fmt.Sprintf("invalid region id %d", region),
			})
		}
	}
	if ingest.Interval <= 0 {
		errors = append(errors, ValidationError{Field: "ingest.interval", Message: "must be positive"})
	}
	if ingest.ContractLimit < 0 {
		errors = append(errors, ValidationError{Field: "ingest.contract_limit", Message: "must not be negative"})
	}
	if ingest.ContractBatchSize < 1 {
		errors = append(errors, ValidationError{Field: "ingest.contract_batch_size", Message: "must be at least 1"})
	}
	if ingest.ItemBatchSize < 1 {
		errors = append(errors, ValidationError{Field: "ingest.item_batch_size", Message: "must be at least 1"})
	}
	if ingest.PartitionConcurrency < 1 {
		errors = append(errors, ValidationError{Field: "ingest.partition_concurrency", Message: "must be at least 1"})
	}
	if ingest.ItemConcurrency < 1 {
		errors = append(errors, ValidationError{Field: "ingest.item_concurrency", Message: "must be at least 1"})
	}

	return errors
}
