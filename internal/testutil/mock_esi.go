// Package testutil provides a fake ESI server for tests.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// Resource is a paginated list endpoint served by MockESI.
type Resource struct {
	// Pages holds the JSON array body of each page, page 1 first.
	Pages []string

	// OmitXPages drops the X-Pages header, forcing clients to walk until an
	// empty page or PastEndStatus.
	OmitXPages bool

	// PastEndStatus is returned for pages beyond len(Pages). Default 204.
	PastEndStatus int

	// Status, when non-zero, is returned for every request instead of pages.
	Status int

	// Expires is added to the response time for the Expires header.
	// Default 5 minutes.
	Expires time.Duration
}

// Name is one entry of the names endpoint.
type Name struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Request is one request seen by the mock.
type Request struct {
	Method      string
	Path        string
	Page        int
	IfNoneMatch string
	Body        string
}

// NamesPath is the batch ID resolution endpoint.
const NamesPath = "/v3/universe/names/"

// MockESI is a configurable fake ESI server.
type MockESI struct {
	server *httptest.Server

	mu           sync.Mutex
	resources    map[string]Resource
	handlers     map[string]http.HandlerFunc
	names        map[int64]Name
	namesFailing int
	requests     []Request
}

// NewMockESI starts a fake ESI server. Call Close when done.
func NewMockESI() *MockESI {
	m := &MockESI{
		resources: make(map[string]Resource),
		handlers:  make(map[string]http.HandlerFunc),
		names:     make(map[int64]Name),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockESI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockESI) Close() {
	m.server.Close()
}

// SetResource registers a paginated resource at path.
func (m *MockESI) SetResource(path string, r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[path] = r
}

// SetPages registers a resource at path serving the given pages with X-Pages.
func (m *MockESI) SetPages(path string, pages ...string) {
	m.SetResource(path, Resource{Pages: pages})
}

// SetStatus makes every request to path answer with status.
func (m *MockESI) SetStatus(path string, status int) {
	m.SetResource(path, Resource{Status: status})
}

// SetHandler installs a custom handler for path, overriding resources.
func (m *MockESI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetName registers a resolvable id.
func (m *MockESI) SetName(id int64, name, category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[id] = Name{ID: id, Name: name, Category: category}
}

// FailNames makes the next n names requests answer 500.
func (m *MockESI) FailNames(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namesFailing = n
}

// Requests returns the requests seen for path, or all requests when path is "".
func (m *MockESI) Requests(path string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Request
	for _, r := range m.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// RequestCount returns the number of requests made to the server.
func (m *MockESI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// ConditionalCount returns the number of requests carrying If-None-Match.
func (m *MockESI) ConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.requests {
		if r.IfNoneMatch != "" {
			n++
		}
	}
	return n
}

// Reset clears the recorded requests.
func (m *MockESI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// PageETag is the validator MockESI sends for a page body.
func PageETag(body string) string {
	sum := sha256.Sum256([]byte(body))
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}

func (m *MockESI) serve(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page == 0 {
		page = 1
	}

	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Page:        page,
		IfNoneMatch: r.Header.Get("If-None-Match"),
		Body:        string(body),
	})
	handler, hasHandler := m.handlers[r.URL.Path]
	resource, hasResource := m.resources[r.URL.Path]
	m.mu.Unlock()

	w.Header().Set("X-ESI-Error-Limit-Remain", "100")
	w.Header().Set("X-ESI-Error-Limit-Reset", "60")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	switch {
	case hasHandler:
		handler(w, r)
	case r.URL.Path == NamesPath && r.Method == http.MethodPost:
		m.serveNames(w, body)
	case hasResource:
		m.servePage(w, r, resource, page)
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Not found"}`))
	}
}

func (m *MockESI) servePage(w http.ResponseWriter, r *http.Request, res Resource, page int) {
	if res.Status != 0 {
		w.WriteHeader(res.Status)
		return
	}

	expires := res.Expires
	if expires == 0 {
		expires = 5 * time.Minute
	}
	w.Header().Set("Expires", time.Now().Add(expires).UTC().Format(http.TimeFormat))
	if !res.OmitXPages {
		w.Header().Set("X-Pages", strconv.Itoa(len(res.Pages)))
	}

	if page > len(res.Pages) {
		status := res.PastEndStatus
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		return
	}

	body := res.Pages[page-1]
	etag := PageETag(body)
	w.Header().Set("ETag", etag)

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func (m *MockESI) serveNames(w http.ResponseWriter, body []byte) {
	var ids []int64
	if err := json.Unmarshal(body, &ids); err != nil || len(ids) == 0 || len(ids) > 1000 {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Invalid ids"}`))
		return
	}

	m.mu.Lock()
	failing := m.namesFailing > 0
	if failing {
		m.namesFailing--
	}
	out := make([]Name, 0, len(ids))
	for _, id := range ids {
		if n, ok := m.names[id]; ok {
			out = append(out, n)
		}
	}
	m.mu.Unlock()

	if failing {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}

	data, _ := json.Marshal(out)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
