// Package resolver resolves EVE entity ids to display names through the
// batch names endpoint.
//
// Resolution is best-effort: a chunk that fails is logged and its ids are
// left out of the result. Callers must treat missing ids as unresolved, not
// as an error.
package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/pkg/client"
	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

var (
	namesResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_names_resolved_total",
		Help: "Ids resolved to names through the names endpoint",
	})

	nameCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_name_cache_hits_total",
		Help: "Ids answered from the in-process name cache",
	})

	nameChunksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_name_chunks_failed_total",
		Help: "Name resolution chunks skipped after a failure",
	})
)

// Name is a resolved entity.
type Name struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Poster sends JSON POST requests. *client.Client implements it.
type Poster interface {
	PostJSON(ctx context.Context, path string, v any) (*client.Response, error)
}

// Config holds resolver configuration.
type Config struct {
	// Path of the names endpoint.
	Path string

	// ChunkSize is the number of ids per request. ESI accepts at most 1000.
	ChunkSize int

	// NameTTL is how long resolved names stay in the in-process cache.
	// Zero disables caching.
	NameTTL time.Duration
}

// DefaultConfig returns the ESI defaults.
func DefaultConfig() Config {
	return Config{
		Path:      "/v3/universe/names/",
		ChunkSize: 1000,
		NameTTL:   24 * time.Hour,
	}
}

// Resolver resolves ids in chunks.
type Resolver struct {
	poster Poster
	config Config
	names  *cache.Cache
	logger zerolog.Logger
}

// New creates a resolver.
func New(poster Poster, config Config, logger zerolog.Logger) *Resolver {
	defaults := DefaultConfig()
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.ChunkSize <= 0 || config.ChunkSize > defaults.ChunkSize {
		config.ChunkSize = defaults.ChunkSize
	}

	r := &Resolver{
		poster: poster,
		config: config,
		logger: logging.Component(logger, "id-resolver"),
	}
	if config.NameTTL > 0 {
		r.names = cache.New(config.NameTTL, 2*config.NameTTL)
	}
	return r
}

// Resolve maps ids to names. Duplicate and non-positive ids are ignored.
// An empty input makes no request.
func (r *Resolver) Resolve(ctx context.Context, ids []int64) map[int64]Name {
	resolved := make(map[int64]Name)

	pending := r.fromCache(dedupe(ids), resolved)
	if len(pending) == 0 {
		return resolved
	}

	for start := 0; start < len(pending); start += r.config.ChunkSize {
		end := min(start+r.config.ChunkSize, len(pending))
		chunk := pending[start:end]

		names, err := r.resolveChunk(ctx, chunk)
		if err != nil {
			nameChunksFailed.Inc()
			r.logger.Warn().
				Err(err).
				Int("chunk_size", len(chunk)).
				Int64("first_id", chunk[0]).
				Msg("Name resolution chunk failed, skipping")
			continue
		}

		for _, n := range names {
			resolved[n.ID] = n
			if r.names != nil {
				r.names.SetDefault(cacheKey(n.ID), n)
			}
		}
		namesResolved.Add(float64(len(names)))
	}

	r.logger.Debug().
		Int("requested", len(ids)).
		Int("resolved", len(resolved)).
		Msg("Names resolved")

	return resolved
}

func (r *Resolver) resolveChunk(ctx context.Context, chunk []int64) ([]Name, error) {
	resp, err := r.poster.PostJSON(ctx, r.config.Path, chunk)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, client.StatusError(resp)
	}

	var names []Name
	if err := json.Unmarshal(resp.Body, &names); err != nil {
		return nil, &client.FetchError{
			StatusCode: resp.StatusCode,
			Class:      client.ErrorClassUnexpected,
			Message:    "decode names",
			Err:        err,
		}
	}
	return names, nil
}

// fromCache copies cached names into resolved and returns the ids still
// missing.
func (r *Resolver) fromCache(ids []int64, resolved map[int64]Name) []int64 {
	if r.names == nil {
		return ids
	}

	pending := ids[:0]
	for _, id := range ids {
		if v, ok := r.names.Get(cacheKey(id)); ok {
			resolved[id] = v.(Name)
			nameCacheHits.Inc()
			continue
		}
		pending = append(pending, id)
	}
	return pending
}

// dedupe returns the distinct positive ids in ascending order.
func dedupe(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func cacheKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
