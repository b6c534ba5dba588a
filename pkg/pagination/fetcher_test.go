package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/internal/testutil"
	"github.com/Sternrassler/esi-contract-ingest/pkg/cache"
	"github.com/Sternrassler/esi-contract-ingest/pkg/client"
)

func newTestFetcher(t *testing.T, mock *testutil.MockESI, cfg Config) (*Fetcher, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clientCfg := client.DefaultConfig("TestApp/1.0.0 (test@example.com)")
	clientCfg.BaseURL = mock.URL()
	clientCfg.RateLimit = 0
	clientCfg.Retry.InitialBackoff = time.Millisecond
	esi, err := client.New(clientCfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	return NewFetcher(esi, cache.NewManager(rdb, zerolog.Nop()), cfg, zerolog.Nop()), mr
}

func ids(t *testing.T, records []json.RawMessage) []int {
	t.Helper()
	out := make([]int, 0, len(records))
	for _, r := range records {
		var v struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(r, &v); err != nil {
			t.Fatalf("decode record %s: %v", r, err)
		}
		out = append(out, v.ID)
	}
	return out
}

func assertIDs(t *testing.T, got []int, want ...int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

var allPages = Options{AllPages: true, IgnoreNotFound: true}

func TestFetch_SinglePageWithXPages(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetPages("/widgets/42/", `[{"id":1},{"id":2}]`)

	f, _ := newTestFetcher(t, mock, Config{})

	records, err := f.Fetch(context.Background(), "/widgets/42/", Options{AllPages: true})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	assertIDs(t, ids(t, records), 1, 2)
	if n := mock.RequestCount(); n != 1 {
		t.Errorf("RequestCount = %d, want 1", n)
	}
}

func TestFetch_StopsAtNoContent(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetResource("/v1/contracts/public/10000002/", testutil.Resource{
		Pages:      []string{`[{"id":1},{"id":2}]`, `[{"id":3}]`, `[{"id":4}]`},
		OmitXPages: true,
	})

	f, _ := newTestFetcher(t, mock, Config{})

	records, err := f.Fetch(context.Background(), "/v1/contracts/public/10000002/", allPages)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	assertIDs(t, ids(t, records), 1, 2, 3, 4)

	reqs := mock.Requests("/v1/contracts/public/10000002/")
	if len(reqs) != 4 {
		t.Fatalf("requests = %d, want 4 (3 pages + terminating 204)", len(reqs))
	}
	for i, r := range reqs {
		if r.Page != i+1 {
			t.Errorf("request %d page = %d, want %d", i, r.Page, i+1)
		}
	}
}

func TestFetch_StopsAtXPages(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetPages("/v1/contracts/public/10000043/", `[{"id":1}]`, `[{"id":2}]`)

	f, _ := newTestFetcher(t, mock, Config{})

	records, err := f.Fetch(context.Background(), "/v1/contracts/public/10000043/", allPages)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	assertIDs(t, ids(t, records), 1, 2)
	if n := mock.RequestCount(); n != 2 {
		t.Errorf("RequestCount = %d, want 2", n)
	}
}

func TestFetch_EmptyPageStops(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetResource("/v1/things/", testutil.Resource{
		Pages:      []string{`[{"id":1}]`, `[]`, `[{"id":3}]`},
		OmitXPages: true,
	})

	f, _ := newTestFetcher(t, mock, Config{})

	records, err := f.Fetch(context.Background(), "/v1/things/", allPages)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	assertIDs(t, ids(t, records), 1)
	if n := mock.RequestCount(); n != 2 {
		t.Errorf("RequestCount = %d, want 2", n)
	}
}

func TestFetch_FirstPageOnly(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetPages("/v1/contracts/public/items/7/", `[{"id":1}]`, `[{"id":2}]`)

	f, _ := newTestFetcher(t, mock, Config{})

	records, err := f.Fetch(context.Background(), "/v1/contracts/public/items/7/", Options{IgnoreNotFound: true})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	assertIDs(t, ids(t, records), 1)
	if n := mock.RequestCount(); n != 1 {
		t.Errorf("RequestCount = %d, want 1", n)
	}
}

func TestFetch_MaxPages(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetPages("/v1/things/", `[{"id":1}]`, `[{"id":2}]`, `[{"id":3}]`)

	f, _ := newTestFetcher(t, mock, Config{MaxPages: 2})

	records, err := f.Fetch(context.Background(), "/v1/things/", allPages)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	assertIDs(t, ids(t, records), 1, 2)
}

func TestFetch_RevalidatesFromCache(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetPages("/v1/things/", `[{"id":1}]`, `[{"id":2}]`)

	f, mr := newTestFetcher(t, mock, Config{})
	ctx := context.Background()

	first, err := f.Fetch(ctx, "/v1/things/", allPages)
	if err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	if mock.ConditionalCount() != 0 {
		t.Errorf("first fetch sent %d conditional requests", mock.ConditionalCount())
	}

	ttl := mr.TTL(cache.Key("/v1/things/", 1))
	if ttl < 4*time.Minute || ttl > 5*time.Minute {
		t.Errorf("cache TTL = %v, want about 5m from Expires", ttl)
	}

	mock.Reset()
	second, err := f.Fetch(ctx, "/v1/things/", allPages)
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}

	assertIDs(t, ids(t, second), ids(t, first)...)
	if n := mock.ConditionalCount(); n != 2 {
		t.Errorf("ConditionalCount = %d, want 2", n)
	}
}

func TestFetchPage_NotModifiedReplaysCache(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	body := `[{"id":5},{"id":6}]`
	mock.SetPages("/v1/things/", body)

	f, _ := newTestFetcher(t, mock, Config{})
	ctx := context.Background()

	if _, err := f.FetchPage(ctx, "/v1/things/", 1, Options{}); err != nil {
		t.Fatal(err)
	}

	page, err := f.FetchPage(ctx, "/v1/things/", 1, Options{})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if !page.NotModified {
		t.Error("Expected NotModified page")
	}
	if page.ETag != testutil.PageETag(body) {
		t.Errorf("ETag = %q, want %q", page.ETag, testutil.PageETag(body))
	}
	if page.Done {
		t.Error("Replayed non-empty page must not end pagination")
	}
	assertIDs(t, ids(t, page.Records), 5, 6)
}

// staticCache returns a fixed entry for every key.
type staticCache struct {
	entry *cache.Entry
	puts  int
}

func (c *staticCache) Get(context.Context, string) (*cache.Entry, bool) {
	return c.entry, c.entry != nil
}

func (c *staticCache) Put(context.Context, string, string, []byte, time.Duration) {
	c.puts++
}

func TestFetch_NotModifiedWithoutCachedBody(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetHandler("/v1/things/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pages", "3")
		w.WriteHeader(http.StatusNotModified)
	})

	f, _ := newTestFetcher(t, mock, Config{})
	f.cache = &staticCache{entry: &cache.Entry{ETag: `"stale"`}}

	records, err := f.Fetch(context.Background(), "/v1/things/", allPages)
	if err != nil {
		t.Fatalf("Fetch() must not fail on a missing cached body, got %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
	if n := mock.RequestCount(); n != 1 {
		t.Errorf("RequestCount = %d, want 1 (pagination stops)", n)
	}
}

func TestFetch_NotFound(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()

	f, _ := newTestFetcher(t, mock, Config{})
	ctx := context.Background()

	records, err := f.Fetch(ctx, "/v1/contracts/public/items/404/", Options{IgnoreNotFound: true})
	if err != nil || len(records) != 0 {
		t.Errorf("IgnoreNotFound: records = %v, err = %v", records, err)
	}

	_, err = f.Fetch(ctx, "/v1/contracts/public/items/404/", Options{})
	var fetchErr *client.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected FetchError 404, got %v", err)
	}
}

func TestFetch_ClientErrorIsTerminal(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetStatus("/v1/things/", http.StatusForbidden)

	f, _ := newTestFetcher(t, mock, Config{})

	_, err := f.Fetch(context.Background(), "/v1/things/", allPages)

	var fetchErr *client.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected FetchError 403, got %v", err)
	}
	if n := mock.RequestCount(); n != 1 {
		t.Errorf("RequestCount = %d, want 1 (4xx is not retried)", n)
	}
}

func TestFetch_ServerErrorExhaustsRetries(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetStatus("/v1/things/", http.StatusServiceUnavailable)

	f, _ := newTestFetcher(t, mock, Config{})

	_, err := f.Fetch(context.Background(), "/v1/things/", allPages)

	var fetchErr *client.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected FetchError 503, got %v", err)
	}
	if !errors.Is(err, client.ErrRetryExhausted) {
		t.Error("Expected ErrRetryExhausted")
	}
	if n := mock.RequestCount(); n != 3 {
		t.Errorf("RequestCount = %d, want 3", n)
	}
}

func TestFetch_MalformedBody(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetPages("/v1/things/", `{"not":"an array"}`)

	f, mr := newTestFetcher(t, mock, Config{})

	_, err := f.Fetch(context.Background(), "/v1/things/", allPages)

	var fetchErr *client.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusOK || fetchErr.Message != "decode page" {
		t.Fatalf("Expected decode FetchError, got %v", err)
	}
	if mr.Exists(cache.Key("/v1/things/", 1)) {
		t.Error("Malformed page must not be cached")
	}
}

func TestFetch_EmptyPageNotCached(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetPages("/v1/things/", `[]`)

	f, _ := newTestFetcher(t, mock, Config{})
	sc := &staticCache{}
	f.cache = sc

	if _, err := f.Fetch(context.Background(), "/v1/things/", allPages); err != nil {
		t.Fatal(err)
	}
	if sc.puts != 0 {
		t.Errorf("puts = %d, want 0 for an empty page", sc.puts)
	}
}

func TestPageURL(t *testing.T) {
	if got := pageURL("/v1/a/", 3); got != "/v1/a/?page=3" {
		t.Errorf("pageURL = %q", got)
	}
	if got := pageURL("/v1/a/?datasource=tranquility", 2); got != "/v1/a/?datasource=tranquility&page=2" {
		t.Errorf("pageURL = %q", got)
	}
}
