package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.ESI.UserAgent = "contract-ingest/1.0 (ops@example.com)"
	cfg.Database.DSN = "postgres://ingest@localhost/hangar"
	return cfg
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
esi:
  user_agent: "contract-ingest/1.0 (ops@example.com)"
  timeout: 10s
  retry:
    max_attempts: 5
    initial_backoff: 250ms

redis:
  addr: redis:6379
  db: 2

database:
  dialect: sqlite
  dsn: file:ingest.db

ingest:
  regions: [10000002, 10000043]
  interval: 15m
  contract_limit: 100

fetch:
  max_pages: 3

logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.ESI.UserAgent != "contract-ingest/1.0 (ops@example.com)" {
		t.Errorf("unexpected user agent: %q", cfg.ESI.UserAgent)
	}
	if cfg.ESI.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", cfg.ESI.Timeout)
	}
	if cfg.ESI.Retry.MaxAttempts != 5 || cfg.ESI.Retry.InitialBackoff != 250*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.ESI.Retry)
	}
	if cfg.ESI.Retry.Multiplier != 2.0 {
		t.Errorf("expected default multiplier to survive a partial section, got %v", cfg.ESI.Retry.Multiplier)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Database.Dialect != "sqlite" || cfg.Database.DSN != "file:ingest.db" {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if len(cfg.Ingest.Regions) != 2 || cfg.Ingest.Regions[1] != 10000043 {
		t.Errorf("unexpected regions: %v", cfg.Ingest.Regions)
	}
	if cfg.Ingest.Interval != 15*time.Minute {
		t.Errorf("expected interval 15m, got %v", cfg.Ingest.Interval)
	}
	if cfg.Ingest.ContractLimit != 100 {
		t.Errorf("expected contract limit 100, got %d", cfg.Ingest.ContractLimit)
	}
	if cfg.Ingest.ContractBatchSize != 500 || cfg.Ingest.ItemBatchSize != 50 {
		t.Errorf("expected default batch sizes, got %d/%d", cfg.Ingest.ContractBatchSize, cfg.Ingest.ItemBatchSize)
	}
	if cfg.Fetch.MaxPages != 3 {
		t.Errorf("expected max pages 3, got %d", cfg.Fetch.MaxPages)
	}
	if cfg.Lock.Key != "hangar-bay:aggregation:lock" || cfg.Lock.TTL != 30*time.Minute {
		t.Errorf("unexpected lock config: %+v", cfg.Lock)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}

	def := DefaultConfig()
	if cfg.ESI.BaseURL != def.ESI.BaseURL {
		t.Errorf("expected base URL %q, got %q", def.ESI.BaseURL, cfg.ESI.BaseURL)
	}
	if cfg.Ingest.Interval != time.Hour {
		t.Errorf("expected default interval 1h, got %v", cfg.Ingest.Interval)
	}
	if len(cfg.Ingest.Regions) != 1 || cfg.Ingest.Regions[0] != 10000002 {
		t.Errorf("expected default region 10000002, got %v", cfg.Ingest.Regions)
	}
	if !cfg.ESI.ErrorBudget.Enabled {
		t.Error("expected error budget enabled by default")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("INGEST_INGEST_REGIONS", "10000002,10000043,10000030")
	t.Setenv("INGEST_DATABASE_DSN", "postgres://env@db/hangar")
	t.Setenv("INGEST_LOCK_TTL", "15m")
	t.Setenv("INGEST_ESI_ERROR_BUDGET_ENABLED", "false")

	path := writeConfig(t, `
database:
  dsn: postgres://file@db/hangar
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	want := []int64{10000002, 10000043, 10000030}
	if len(cfg.Ingest.Regions) != len(want) {
		t.Fatalf("expected regions %v, got %v", want, cfg.Ingest.Regions)
	}
	for i := range want {
		if cfg.Ingest.Regions[i] != want[i] {
			t.Errorf("region %d: expected %d, got %d", i, want[i], cfg.Ingest.Regions[i])
		}
	}
	if cfg.Database.DSN != "postgres://env@db/hangar" {
		t.Errorf("expected env DSN to win over file, got %q", cfg.Database.DSN)
	}
	if cfg.Lock.TTL != 15*time.Minute {
		t.Errorf("expected lock TTL 15m, got %v", cfg.Lock.TTL)
	}
	if cfg.ESI.ErrorBudget.Enabled {
		t.Error("expected error budget disabled by env")
	}
}

func TestLoad_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_INGEST_DB_PASSWORD", "s3cret")
	t.Setenv("TEST_INGEST_REDIS_PASSWORD", "r3dis")

	path := writeConfig(t, `
redis:
  password: ${TEST_INGEST_REDIS_PASSWORD}
database:
  dsn: postgres://ingest:${TEST_INGEST_DB_PASSWORD}@db/hangar
esi:
  user_agent: contract-ingest/1.0 ($UNSET_INGEST_CONTACT)
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.DSN != "postgres://ingest:s3cret@db/hangar" {
		t.Errorf("unexpected DSN: %q", cfg.Database.DSN)
	}
	if cfg.Redis.Password != "r3dis" {
		t.Errorf("unexpected redis password: %q", cfg.Redis.Password)
	}
	if cfg.ESI.UserAgent != "contract-ingest/1.0 ($UNSET_INGEST_CONTACT)" {
		t.Errorf("unset variables must be kept verbatim, got %q", cfg.ESI.UserAgent)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing user agent", func(c *Config) { c.ESI.UserAgent = " " }, "esi.user_agent"},
		{"zero attempts", func(c *Config) { c.ESI.Retry.MaxAttempts = 0 }, "esi.retry.max_attempts"},
		{"multiplier below one", func(c *Config) { c.ESI.Retry.Multiplier = 0.5 }, "esi.retry.multiplier"},
		{"jitter out of range", func(c *Config) { c.ESI.Retry.Jitter = 1.5 }, "esi.retry.jitter"},
		{"budget thresholds inverted", func(c *Config) { c.ESI.ErrorBudget.Critical = 50 }, "esi.error_budget.critical"},
		{"names chunk too large", func(c *Config) { c.ESI.Names.ChunkSize = 5000 }, "esi.names.chunk_size"},
		{"unknown dialect", func(c *Config) { c.Database.Dialect = "oracle" }, "database.dialect"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"no regions", func(c *Config) { c.Ingest.Regions = nil }, "ingest.regions"},
		{"bad region", func(c *Config) { c.Ingest.Regions = []int64{-1} }, "ingest.regions"},
		{"zero interval", func(c *Config) { c.Ingest.Interval = 0 }, "ingest.interval"},
		{"zero batch", func(c *Config) { c.Ingest.ItemBatchSize = 0 }, "ingest.item_batch_size"},
		{"zero concurrency", func(c *Config) { c.Ingest.PartitionConcurrency = 0 }, "ingest.partition_concurrency"},
		{"negative max pages", func(c *Config) { c.Fetch.MaxPages = -1 }, "fetch.max_pages"},
		{"missing redis", func(c *Config) { c.Redis.Addr = "" }, "redis.addr"},
		{"zero lock ttl", func(c *Config) { c.Lock.TTL = 0 }, "lock.ttl"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}

			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, v := range verrs {
				if v.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "first"},
		{Field: "b", Message: "second"},
	}
	got := errs.Error()
	if !strings.Contains(got, "a: first") || !strings.Contains(got, "b: second") {
		t.Errorf("unexpected message: %q", got)
	}
	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should render empty")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyOverrides("debug", "", 25)

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level override, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("empty format must not override, got %q", cfg.Logging.Format)
	}
	if cfg.Ingest.ContractLimit != 25 {
		t.Errorf("expected contract limit 25, got %d", cfg.Ingest.ContractLimit)
	}
}
