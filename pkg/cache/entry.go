package cache

import (
	"time"
)

// Entry is the cached state of one fetched page.
type Entry struct {
	// Data is the raw response body.
	Data []byte `json:"data"`

	// ETag is the validator sent back as If-None-Match.
	ETag string `json:"etag"`

	// Expires is derived from the upstream Expires header.
	Expires time.Time `json:"expires"`

	// CachedAt is when the entry was written.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the entry has expired at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.Expires.IsZero() && now.After(e.Expires)
}

// HasBody reports whether the entry can be replayed after a 304.
func (e *Entry) HasBody() bool {
	return e != nil && len(e.Data) > 0
}
