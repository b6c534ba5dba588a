package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DatabaseConfig holds connection settings.
type DatabaseConfig struct {
	Dialect Dialect

	// Driver overrides the database/sql driver chosen for Dialect.
	Driver string

	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the database, retrying with exponential backoff.
func Open(ctx context.Context, cfg DatabaseConfig, logger zerolog.Logger) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = cfg.Dialect.DriverName()
	}
	if driver == "" {
		return nil, fmt.Errorf("unsupported database dialect %q", cfg.Dialect)
	}

	var db *sql.DB
	var err error

	maxRetries := 3
	backoff := time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = connect(driver, cfg)
		if err == nil {
			// Verify connection
			if pingErr := db.PingContext(ctx); pingErr == nil {
				return db, nil
			} else {
				db.Close()
				err = pingErr
			}
		}

		logger.Warn().Err(err).Int("attempt", i+1).Str("driver", driver).Msg("Database connection failed")

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	return nil, fmt.Errorf("connect to %s database: failed after %d retries: %w", cfg.Dialect, maxRetries, err)
}

func connect(driver string, cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	return db, nil
}
