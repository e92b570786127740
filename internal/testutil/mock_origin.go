// Package testutil provides testing utilities for the cache worker.
package testutil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// ErrOffline is returned by the origin's transport while it is offline.
var ErrOffline = errors.New("mock origin: network is unreachable")

// MockResponse defines the behavior for a mock origin path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable application origin for testing.
// Unknown paths answer 404.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	offline  bool

	// Tracking
	requests         map[string]int
	userAgents       map[string]string
	conditionalCount int
}

// NewMockOrigin starts a new mock origin.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		handlers:   make(map[string]http.HandlerFunc),
		requests:   make(map[string]int),
		userAgents: make(map[string]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests[r.URL.Path]++
		mock.userAgents[r.URL.Path] = r.Header.Get("User-Agent")
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the origin base URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// ParsedURL returns the origin base URL parsed.
func (m *MockOrigin) ParsedURL() *url.URL {
	u, _ := url.Parse(m.server.URL)
	return u
}

// Close shuts down the origin.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// Transport returns a RoundTripper to the origin that fails with ErrOffline
// while the origin is offline.
func (m *MockOrigin) Transport() http.RoundTripper {
	return offlineTransport{origin: m, next: m.server.Client().Transport}
}

// SetOffline toggles simulated network loss.
func (m *MockOrigin) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MockOrigin) isOffline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offline
}

// SetHandler sets a custom handler for a specific path.
func (m *MockOrigin) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockOrigin) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// RequestCount returns the number of requests made for path.
func (m *MockOrigin) RequestCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[path]
}

// LastUserAgent returns the User-Agent of the latest request for path.
func (m *MockOrigin) LastUserAgent(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userAgents[path]
}

// ConditionalCount returns the number of conditional requests.
func (m *MockOrigin) ConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// Reset clears all tracking counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[string]int)
	m.userAgents = make(map[string]string)
	m.conditionalCount = 0
}

type offlineTransport struct {
	origin *MockOrigin
	next   http.RoundTripper
}

func (t offlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.origin.isOffline() {
		return nil, ErrOffline
	}
	return t.next.RoundTrip(req)
}

// NewPage returns an HTML response.
func NewPage(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
	}
}

// NewAsset returns a 200 response with content type and ETag.
func NewAsset(contentType, etag, body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": contentType,
			"ETag":         etag,
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "internal server error",
	}
}

// NewConditionalHandler answers 304 when If-None-Match matches etag.
func NewConditionalHandler(etag string, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}
