package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies a cached response inside a namespace.
type CacheKey struct {
	// Method is the request method (only GET is ever stored)
	Method string

	// URL is the absolute request URL
	URL *url.URL
}

// NewKey builds the cache key for an intercepted request.
func NewKey(req *http.Request) CacheKey {
	return CacheKey{
		Method: req.Method,
		URL:    req.URL,
	}
}

// KeyForURL builds a GET cache key for a URL.
func KeyForURL(u *url.URL) CacheKey {
	return CacheKey{
		Method: http.MethodGet,
		URL:    u,
	}
}

// String generates a deterministic cache key string.
// Format: METHOD scheme://host/path?sorted-query
//
// Example:
//
//	GET https://app.example.com/assets/app.css?lang=en&v=2
func (k CacheKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}
	if k.URL == nil {
		return method + " "
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')

	scheme := strings.ToLower(k.URL.Scheme)
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	b.WriteString(canonicalHost(scheme, k.URL))

	path := k.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)

	// Query params sorted by key, values sorted within a key
	query := k.URL.Query()
	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for key := range query {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			values := append([]string(nil), query[key]...)
			sort.Strings(values)
			for _, value := range values {
				parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
		b.WriteByte('?')
		b.WriteString(strings.Join(parts, "&"))
	}

	return b.String()
}

// canonicalHost lowercases the host and drops the scheme's default port.
func canonicalHost(scheme string, u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}
