package cache

import (
	"net/http"
	"time"
)

const (
	// DefaultTTL applies when the Expires header is missing or unparsable.
	DefaultTTL = 600 * time.Second

	// MinTTL is the floor for an Expires header that is already due.
	MinTTL = 10 * time.Second
)

// TTLFromHeaders derives how long a fetched page may be cached.
func TTLFromHeaders(headers http.Header, now time.Time) time.Duration {
	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return DefaultTTL
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return DefaultTTL
	}

	ttl := expires.Sub(now).Truncate(time.Second)
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}

// AddConditionalHeaders adds If-None-Match for a cached entry.
func AddConditionalHeaders(header http.Header, entry *Entry) bool {
	if entry == nil || header == nil || entry.ETag == "" {
		return false
	}
	header.Set("If-None-Match", entry.ETag)
	ConditionalRequestsSent.Inc()
	return true
}
