// Package config provides configuration structures and loading for the
// contract ingest service.
package config

import "time"

// Config represents the complete application configuration.
type Config struct {
	ESI      ESIConfig      `yaml:"esi" mapstructure:"esi"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Lock     LockConfig     `yaml:"lock" mapstructure:"lock"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

// ESIConfig configures the upstream API client.
type ESIConfig struct {
	BaseURL   string        `yaml:"base_url" mapstructure:"base_url"`
	UserAgent string        `yaml:"user_agent" mapstructure:"user_agent"` // required by ESI
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RateLimit float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second, 0 disables
	Burst     int           `yaml:"burst" mapstructure:"burst"`

	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	ErrorBudget ErrorBudgetConfig `yaml:"error_budget" mapstructure:"error_budget"`
	Names       NamesConfig       `yaml:"names" mapstructure:"names"`
}

// RetryConfig configures transient failure retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
}

// ErrorBudgetConfig configures the shared ESI error-limit gate.
type ErrorBudgetConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Critical      int           `yaml:"critical" mapstructure:"critical"`
	Warning       int           `yaml:"warning" mapstructure:"warning"`
	ThrottleDelay time.Duration `yaml:"throttle_delay" mapstructure:"throttle_delay"`
}

// NamesConfig configures batch id resolution.
type NamesConfig struct {
	Path      string        `yaml:"path" mapstructure:"path"`
	ChunkSize int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// RedisConfig is the key-value store holding the fetch cache, the run lock
// and the error budget.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// DatabaseConfig is the relational store.
type DatabaseConfig struct {
	Dialect         string        `yaml:"dialect" mapstructure:"dialect"` // postgres, mysql, sqlite, generic
	Driver          string        `yaml:"driver" mapstructure:"driver"`   // overrides the dialect's driver
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// IngestConfig controls what a run fetches and how it writes.
type IngestConfig struct {
	Regions              []int64       `yaml:"regions" mapstructure:"regions"` // list, or comma-separated in env
	Interval             time.Duration `yaml:"interval" mapstructure:"interval"`
	ContractLimit        int           `yaml:"contract_limit" mapstructure:"contract_limit"` // development cap, 0 = all
	ContractBatchSize    int           `yaml:"contract_batch_size" mapstructure:"contract_batch_size"`
	ItemBatchSize        int           `yaml:"item_batch_size" mapstructure:"item_batch_size"`
	PartitionConcurrency int           `yaml:"partition_concurrency" mapstructure:"partition_concurrency"`
	ItemConcurrency      int           `yaml:"item_concurrency" mapstructure:"item_concurrency"`
}

// FetchConfig controls pagination.
type FetchConfig struct {
	MaxPages int `yaml:"max_pages" mapstructure:"max_pages"` // 0 = no cap
}

// LockConfig configures the distributed run lock.
type LockConfig struct {
	Key string        `yaml:"key" mapstructure:"key"`
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
}

// MetricsConfig configures the metrics and health listener of the scheduler.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"` // empty disables the listener
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		ESI: ESIConfig{
			BaseURL:   "https://esi.evetech.net",
			Timeout:   30 * time.Second,
			RateLimit: 10,
			Burst:     10,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     30 * time.Second,
				Multiplier:     2.0,
			},
			ErrorBudget: ErrorBudgetConfig{
				Enabled:       true,
				Critical:      5,
				Warning:       20,
				ThrottleDelay: time.Second,
			},
			Names: NamesConfig{
				Path:      "/v3/universe/names/",
				ChunkSize: 1000,
				CacheTTL:  24 * time.Hour,
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Database: DatabaseConfig{
			Dialect:         "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 10 * time.Minute,
		},
		Ingest: IngestConfig{
			Regions:              []int64{10000002},
			Interval:             time.Hour,
			ContractBatchSize:    500,
			ItemBatchSize:        50,
			PartitionConcurrency: 1,
			ItemConcurrency:      4,
		},
		Lock: LockConfig{
			Key: "hangar-bay:aggregation:lock",
			TTL: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}
