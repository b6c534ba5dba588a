package pagination

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/pkg/cache"
	"github.com/Sternrassler/esi-contract-ingest/pkg/client"
	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

// Doer issues GET requests. *client.Client implements it.
type Doer interface {
	Get(ctx context.Context, path string, header http.Header) (*client.Response, error)
}

// Cache stores page validators and bodies. *cache.Manager implements it.
type Cache interface {
	Get(ctx context.Context, key string) (*cache.Entry, bool)
	Put(ctx context.Context, key, etag string, body []byte, ttl time.Duration)
}

// Options control a single fetch.
type Options struct {
	// AllPages follows pagination; otherwise only page 1 is fetched.
	AllPages bool

	// IgnoreNotFound treats 404 as the end of pages instead of an error.
	IgnoreNotFound bool
}

// Config holds fetcher configuration.
type Config struct {
	// MaxPages caps the pages fetched per resource. Zero means no cap.
	MaxPages int
}

// Page is one fetched page.
type Page struct {
	Number  int
	Records []json.RawMessage

	// TotalPages is the X-Pages hint, or 0 when the response had none.
	TotalPages int

	// ETag is the validator the records correspond to.
	ETag string

	// NotModified is set when the records were replayed from the cache.
	NotModified bool

	// Done is set when this page ends pagination regardless of TotalPages.
	Done bool
}

// Fetcher walks paginated endpoints.
type Fetcher struct {
	doer   Doer
	cache  Cache
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewFetcher creates a fetcher. cache may be nil to disable revalidation.
func NewFetcher(doer Doer, pageCache Cache, config Config, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		doer:   doer,
		cache:  pageCache,
		config: config,
		logger: logging.Component(logger, "paginator"),
		now:    time.Now,
	}
}

// Fetch returns the records of every page of path, in page order.
func (f *Fetcher) Fetch(ctx context.Context, path string, opts Options) ([]json.RawMessage, error) {
	start := time.Now()
	var records []json.RawMessage

	page := 1
	for {
		p, err := f.FetchPage(ctx, path, page, opts)
		if err != nil {
			return nil, err
		}
		records = append(records, p.Records...)

		if p.Done || !opts.AllPages {
			break
		}
		if p.TotalPages > 0 && page >= p.TotalPages {
			break
		}
		if f.config.MaxPages > 0 && page >= f.config.MaxPages {
			f.logger.Info().
				Str("endpoint", path).
				Int("page", page).
				Msg("Page cap reached, stopping pagination")
			break
		}
		page++
	}

	pagesFetched.Observe(float64(page))
	f.logger.Debug().
		Str("endpoint", path).
		Int("pages", page).
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return records, nil
}

// FetchPage fetches a single page, revalidating it against the cache.
func (f *Fetcher) FetchPage(ctx context.Context, path string, page int, opts Options) (*Page, error) {
	key := cache.Key(path, page)

	var cached *cache.Entry
	if f.cache != nil {
		cached, _ = f.cache.Get(ctx, key)
	}

	header := http.Header{}
	cache.AddConditionalHeaders(header, cached)

	resp, err := f.doer.Get(ctx, pageURL(path, page), header)
	if err != nil {
		return nil, err
	}

	result := &Page{
		Number:     page,
		TotalPages: totalPages(resp.Header),
		ETag:       resp.Header.Get("ETag"),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		cache.NotModifiedResponses.Inc()
		result.NotModified = true
		if !cached.HasBody() {
			// The validator matched but the body is gone; nothing to replay.
			f.logger.Warn().
				Str("endpoint", path).
				Int("page", page).
				Msg("304 without cached body, stopping pagination")
			result.Done = true
			return result, nil
		}
		if result.ETag == "" {
			result.ETag = cached.ETag
		}
		records, err := decodePage(cached.Data)
		if err != nil {
			return nil, &client.FetchError{
				StatusCode: resp.StatusCode,
				Class:      client.ErrorClassUnexpected,
				Message:    "decode cached page",
				Err:        err,
			}
		}
		f.logger.Debug().Str("endpoint", path).Int("page", page).Msg("Page not modified, replaying cache")
		result.Records = records
		result.Done = len(records) == 0

	case resp.StatusCode == http.StatusNoContent:
		result.Done = true

	case resp.StatusCode == http.StatusNotFound && opts.IgnoreNotFound:
		f.logger.Debug().Str("endpoint", path).Int("page", page).Msg("404 treated as end of pages")
		result.Done = true

	case resp.StatusCode == http.StatusOK:
		records, err := decodePage(resp.Body)
		if err != nil {
			return nil, &client.FetchError{
				StatusCode: resp.StatusCode,
				Class:      client.ErrorClassUnexpected,
				Message:    "decode page",
				Err:        err,
			}
		}
		result.Records = records
		result.Done = len(records) == 0

		if len(records) > 0 && f.cache != nil {
			ttl := cache.TTLFromHeaders(resp.Header, f.now())
			f.cache.Put(ctx, key, result.ETag, resp.Body, ttl)
		}

	default:
		return nil, client.StatusError(resp)
	}

	return result, nil
}

// decodePage parses a page body as a JSON array. An empty body is an
// empty page.
func decodePage(body []byte) ([]json.RawMessage, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func pageURL(path string, page int) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "page=" + strconv.Itoa(page)
}

// totalPages parses X-Pages; a missing or invalid hint is 0.
func totalPages(h http.Header) int {
	n, err := strconv.Atoi(h.Get("X-Pages"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
