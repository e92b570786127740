package cache

import (
	"net/http"
	"time"
)

// CacheEntry is a stored response snapshot.
type CacheEntry struct {
	// URL is the request URL the response was fetched for
	URL string `json:"url"`

	// Data is the response body
	Data []byte `json:"data"`

	// ETag for conditional revalidation (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// LastModified from the origin's Last-Modified header
	LastModified time.Time `json:"last_modified,omitempty"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// Age returns how long ago the entry was written.
func (e *CacheEntry) Age() time.Duration {
	if e.CachedAt.IsZero() {
		return 0
	}
	age := time.Since(e.CachedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Size returns the body size in bytes.
func (e *CacheEntry) Size() int {
	return len(e.Data)
}
