package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: INGEST_DATABASE_DSN overrides
// database.dsn.
const EnvPrefix = "INGEST"

// Load reads configuration from the specified YAML file. An empty path
// loads defaults and environment overrides only.
func Load(configPath string) (*Config, error) {
	v := NewViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// NewViper returns a Viper instance carrying every default and bound to
// INGEST_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults(DefaultConfig()) {
		v.SetDefault(key, value)
	}
	return v
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	substituteEnvVars(cfg)

	return cfg, nil
}

// defaults flattens cfg into viper keys. AutomaticEnv only overrides keys
// viper knows about, so every key is listed.
func defaults(cfg *Config) map[string]any {
	return map[string]any{
		"esi.base_url":                    cfg.ESI.BaseURL,
		"esi.user_agent":                  cfg.ESI.UserAgent,
		"esi.timeout":                     cfg.ESI.Timeout,
		"esi.rate_limit":                  cfg.ESI.RateLimit,
		"esi.burst":                       cfg.ESI.Burst,
		"esi.retry.max_attempts":          cfg.ESI.Retry.MaxAttempts,
		"esi.retry.initial_backoff":       cfg.ESI.Retry.InitialBackoff,
		"esi.retry.max_backoff":           cfg.ESI.Retry.MaxBackoff,
		"esi.retry.multiplier":            cfg.ESI.Retry.Multiplier,
		"esi.retry.jitter":                cfg.ESI.Retry.Jitter,
		"esi.error_budget.enabled":        cfg.ESI.ErrorBudget.Enabled,
		"esi.error_budget.critical":       cfg.ESI.ErrorBudget.Critical,
		"esi.error_budget.warning":        cfg.ESI.ErrorBudget.Warning,
		"esi.error_budget.throttle_delay": cfg.ESI.ErrorBudget.ThrottleDelay,
		"esi.names.path":                  cfg.ESI.Names.Path,
		"esi.names.chunk_size":            cfg.ESI.Names.ChunkSize,
		"esi.names.cache_ttl":             cfg.ESI.Names.CacheTTL,
		"redis.addr":                      cfg.Redis.Addr,
		"redis.password":                  cfg.Redis.Password,
		"redis.db":                        cfg.Redis.DB,
		"database.dialect":                cfg.Database.Dialect,
		"database.driver":                 cfg.Database.Driver,
		"database.dsn":                    cfg.Database.DSN,
		"database.max_open_conns":         cfg.Database.MaxOpenConns,
		"database.max_idle_conns":         cfg.Database.MaxIdleConns,
		"database.conn_max_lifetime":      cfg.Database.ConnMaxLifetime,
		"ingest.regions":                  cfg.Ingest.Regions,
		"ingest.interval":                 cfg.Ingest.Interval,
		"ingest.contract_limit":           cfg.Ingest.ContractLimit,
		"ingest.contract_batch_size":      cfg.Ingest.ContractBatchSize,
		"ingest.item_batch_size":          cfg.Ingest.ItemBatchSize,
		"ingest.partition_concurrency":    cfg.Ingest.PartitionConcurrency,
		"ingest.item_concurrency":         cfg.Ingest.ItemConcurrency,
		"fetch.max_pages":                 cfg.Fetch.MaxPages,
		"lock.key":                        cfg.Lock.Key,
		"lock.ttl":                        cfg.Lock.TTL,
		"logging.level":                   cfg.Logging.Level,
		"logging.format":                  cfg.Logging.Format,
		"metrics.addr":                    cfg.Metrics.Addr,
	}
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns in the secret-bearing
// fields with environment variable values.
func substituteEnvVars(cfg *Config) {
	cfg.ESI.UserAgent = expandEnvVar(cfg.ESI.UserAgent)
	cfg.Redis.Addr = expandEnvVar(cfg.Redis.Addr)
	cfg.Redis.Password = expandEnvVar(cfg.Redis.Password)
	cfg.Database.DSN = expandEnvVar(cfg.Database.DSN)
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Return original if env var not found
		return match
	})
}

// ApplyOverrides applies CLI flag overrides. Only non-zero/non-empty values
// are applied.
func (c *Config) ApplyOverrides(logLevel, logFormat string, contractLimit int) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if contractLimit > 0 {
		c.Ingest.ContractLimit = contractLimit
	}
}
