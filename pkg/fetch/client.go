// Package fetch provides the worker's network fetcher: a thin wrapper around
// net/http with error classification, retry with backoff and metrics.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for network fetches.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sw_fetch_requests_total",
		Help: "Total network fetches by status",
	}, []string{"status"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sw_fetch_duration_seconds",
		Help:    "Network fetch duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sw_fetch_errors_total",
		Help: "Total network fetch errors by class",
	}, []string{"class"})
)

// Client performs network fetches on behalf of the worker.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// Config holds the fetcher configuration.
type Config struct {
	// Transport performs the actual round trip. Nil means http.DefaultTransport.
	Transport http.RoundTripper

	// Timeout bounds a single attempt including reading the body.
	Timeout time.Duration

	// UserAgent is set on the requests Fetch builds. Requests passed to Do
	// are sent as they are.
	UserAgent string

	// MaxAttempts caps FetchWithRetry attempts (including the first).
	// Zero keeps the per-class defaults.
	MaxAttempts int

	// InitialBackoff overrides the per-class initial backoff when set.
	InitialBackoff time.Duration

	// Logger receives fetch and retry events. The zero value discards them.
	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "cache-worker/1.0",
	}
}

// New creates a new fetch client.
func New(cfg Config) *Client {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			// Redirects are handed back to the caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: cfg,
		logger: cfg.Logger.With().Str("component", "fetch").Logger(),
	}
}

// Do performs a single network round trip. Any HTTP status is returned as a
// response; only transport failures become errors (class network).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	startTime := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		fetchRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Network fetch failed")
		return nil, &FetchError{
			URL:        req.URL.String(),
			ErrorClass: ErrorClassNetwork,
			Message:    "transport failure",
			Err:        err,
		}
	}

	fetchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// Fetch issues a GET for u and returns the response only when it is 2xx.
// Other statuses are closed and reported as *FetchError.
func (c *Client) Fetch(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}

	if class := classifyStatus(resp.StatusCode); class != "" {
		resp.Body.Close()
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("url", u).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Fetch returned error status")
		return nil, &FetchError{
			URL:        u,
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    resp.Status,
		}
	}

	return resp, nil
}

// FetchWithRetry is Fetch with exponential backoff for server and network
// errors. Client errors are returned at once.
func (c *Client) FetchWithRetry(ctx context.Context, u string) (*http.Response, error) {
	var resp *http.Response

	err := retryWithBackoff(ctx, c.logger, c.retryConfig, func() error {
		var fetchErr error
		resp, fetchErr = c.Fetch(ctx, u)
		return fetchErr
	}, ClassOf)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// FetchEntry fetches u with retry and snapshots the response as a cache entry.
// A response that may not be cached (for example 206) is an error.
func (c *Client) FetchEntry(ctx context.Context, u string) (*cache.CacheEntry, error) {
	resp, err := c.FetchWithRetry(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !cache.Cacheable(resp) {
		return nil, &FetchError{
			URL:        u,
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassClient,
			Message:    "response not cacheable",
		}
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		return nil, &FetchError{
			URL:        u,
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read body",
			Err:        err,
		}
	}

	return entry, nil
}

// retryConfig applies the client's overrides to the per-class defaults.
func (c *Client) retryConfig(class ErrorClass) RetryConfig {
	cfg := RetryConfigForErrorClass(class)
	if c.config.MaxAttempts > 0 {
		cfg.MaxAttempts = c.config.MaxAttempts
	}
	if c.config.InitialBackoff > 0 {
		cfg.InitialBackoff = c.config.InitialBackoff
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	return cfg
}
