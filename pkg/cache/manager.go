package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

// Manager is the Redis-backed conditional fetch cache.
//
// Every failure is logged and reported as a miss; callers never see a cache
// error and always fall back to an unconditional fetch.
type Manager struct {
	redis  redis.Cmdable
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a cache manager on top of a Redis client.
func NewManager(redisClient redis.Cmdable, logger zerolog.Logger) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis:  redisClient,
		logger: logging.Component(logger, "fetch-cache"),
		now:    time.Now,
	}
}

// Get returns the entry stored under key, if any.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := m.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			CacheErrors.WithLabelValues("get").Inc()
			m.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		}
		CacheMisses.Inc()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("decode").Inc()
		CacheMisses.Inc()
		m.logger.Warn().Err(err).Str("key", key).Msg("Corrupt cache entry, treating as miss")
		return nil, false
	}

	if entry.IsExpired(m.now()) {
		CacheMisses.Inc()
		return nil, false
	}

	CacheHits.Inc()
	m.logger.Debug().Str("key", key).Str("etag", entry.ETag).Msg("Cache hit")
	return &entry, true
}

// Put stores the validator and body under key for ttl.
// Non-positive ttl or an empty validator is a no-op.
func (m *Manager) Put(ctx context.Context, key, etag string, body []byte, ttl time.Duration) {
	if ttl <= 0 || etag == "" {
		return
	}

	now := m.now()
	data, err := json.Marshal(Entry{
		Data:     body,
		ETag:     etag,
		Expires:  now.Add(ttl),
		CachedAt: now,
	})
	if err != nil {
		CacheErrors.WithLabelValues("encode").Inc()
		m.logger.Warn().Err(err).Str("key", key).Msg("Failed to encode cache entry")
		return
	}

	if err := m.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		m.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed, continuing uncached")
		return
	}

	CacheWrites.Inc()
	m.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cached response")
}
