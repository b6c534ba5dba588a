package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/internal/aggregator"
	"github.com/Sternrassler/esi-contract-ingest/internal/config"
	"github.com/Sternrassler/esi-contract-ingest/internal/store"
	"github.com/Sternrassler/esi-contract-ingest/pkg/cache"
	"github.com/Sternrassler/esi-contract-ingest/pkg/client"
	"github.com/Sternrassler/esi-contract-ingest/pkg/metrics"
	"github.com/Sternrassler/esi-contract-ingest/pkg/pagination"
	"github.com/Sternrassler/esi-contract-ingest/pkg/ratelimit"
	"github.com/Sternrassler/esi-contract-ingest/pkg/resolver"
	"github.com/Sternrassler/esi-contract-ingest/pkg/runlock"
)

// app holds the per-process clients. Close releases them.
type app struct {
	redis *redis.Client
	db    *sql.DB
	esi   *client.Client
	agg   *aggregator.Aggregator
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	dialect, err := store.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	db, err := store.Open(ctx, databaseConfig(cfg, dialect), logger)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	logger.Info().Str("dialect", string(dialect)).Msg("Connected to database")

	clientCfg := clientConfig(cfg)
	if cfg.ESI.ErrorBudget.Enabled {
		clientCfg.ErrorBudget = ratelimit.NewTracker(rdb, thresholds(cfg), logger)
	}
	esiClient, err := client.New(clientCfg, logger)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("failed to create ESI client: %w", err)
	}

	fetcher := pagination.NewFetcher(esiClient, cache.NewManager(rdb, logger), pagination.Config{
		MaxPages: cfg.Fetch.MaxPages,
	}, logger)
	names := resolver.New(esiClient, resolver.Config{
		Path:      cfg.ESI.Names.Path,
		ChunkSize: cfg.ESI.Names.ChunkSize,
		NameTTL:   cfg.ESI.Names.CacheTTL,
	}, logger)
	locker := runlock.New(rdb, cfg.Lock.Key, cfg.Lock.TTL, logger)
	writer := store.NewWriter(db, dialect, logger)

	return &app{
		redis: rdb,
		db:    db,
		esi:   esiClient,
		agg:   aggregator.New(fetcher, names, locker, writer, aggregatorConfig(cfg), logger),
	}, nil
}

// Close releases the clients in reverse order of creation.
func (a *app) Close() {
	a.esi.Close()
	a.db.Close()
	a.redis.Close()
}

func (a *app) healthChecks() map[string]metrics.HealthCheck {
	return map[string]metrics.HealthCheck{
		"redis":    func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		"database": a.db.PingContext,
	}
}

func clientConfig(cfg *config.Config) client.Config {
	c := client.DefaultConfig(cfg.ESI.UserAgent)
	c.BaseURL = cfg.ESI.BaseURL
	c.Timeout = cfg.ESI.Timeout
	c.RateLimit = cfg.ESI.RateLimit
	c.Burst = cfg.ESI.Burst
	c.Retry = client.RetryConfig{
		MaxAttempts:       cfg.ESI.Retry.MaxAttempts,
		InitialBackoff:    cfg.ESI.Retry.InitialBackoff,
		MaxBackoff:        cfg.ESI.Retry.MaxBackoff,
		BackoffMultiplier: cfg.ESI.Retry.Multiplier,
		Jitter:            cfg.ESI.Retry.Jitter,
	}
	return c
}

func thresholds(cfg *config.Config) ratelimit.Thresholds {
	return ratelimit.Thresholds{
		Critical:      cfg.ESI.ErrorBudget.Critical,
		Warning:       cfg.ESI.ErrorBudget.Warning,
		ThrottleDelay: cfg.ESI.ErrorBudget.ThrottleDelay,
	}
}

func databaseConfig(cfg *config.Config, dialect store.Dialect) store.DatabaseConfig {
	return store.DatabaseConfig{
		Dialect:         dialect,
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

func aggregatorConfig(cfg *config.Config) aggregator.Config {
	c := aggregator.DefaultConfig()
	c.RegionIDs = cfg.Ingest.Regions
	c.ContractLimit = cfg.Ingest.ContractLimit
	c.ContractBatchSize = cfg.Ingest.ContractBatchSize
	c.ItemBatchSize = cfg.Ingest.ItemBatchSize
	c.PartitionConcurrency = cfg.Ingest.PartitionConcurrency
	c.ItemConcurrency = cfg.Ingest.ItemConcurrency
	return c
}
