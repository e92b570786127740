// Package strategy implements the worker's fetch strategies.
//
// A strategy resolves one intercepted GET request from the network, the
// cache, or both. The set is closed: NetworkFirst for navigations and
// precached URLs, StaleWhileRevalidate for everything else. Both write
// successful network responses to the runtime namespace and fall back from
// the runtime namespace to the static one.
package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoFallback is returned when the network failed and no cached entry exists.
// It wraps the network error.
var ErrNoFallback = errors.New("network failed and no cached response")

// HeaderCacheStatus marks how a response was produced.
const HeaderCacheStatus = "X-Cache-Worker"

// Kind names a strategy.
type Kind string

const (
	// KindNetworkFirst tries the network and falls back to the cache.
	KindNetworkFirst Kind = "network_first"

	// KindStaleWhileRevalidate answers from the cache and refreshes in the background.
	KindStaleWhileRevalidate Kind = "stale_while_revalidate"
)

// Strategy resolves one request.
type Strategy interface {
	Kind() Kind
	Resolve(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Prometheus metrics for strategies.
var (
	strategyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sw_strategy_requests_total",
		Help: "Requests resolved by strategy and outcome",
	}, []string{"strategy", "outcome"})

	revalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sw_revalidations_total",
		Help: "Background revalidations by result",
	}, []string{"result"})
)

// Outcomes recorded per request.
const (
	outcomeNetwork  = "network"
	outcomeCache    = "cache"
	outcomeFallback = "fallback"
	outcomeFailed   = "failed"
)

// Network performs a single network round trip. *fetch.Client implements it.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cache is the part of the cache manager strategies use.
// *cache.Manager implements it.
type Cache interface {
	Match(ctx context.Context, ns cache.Namespace, key cache.CacheKey) (*cache.CacheEntry, error)
	Put(ctx context.Context, ns cache.Namespace, key cache.CacheKey, entry *cache.CacheEntry) error
}

// Config is shared by all strategies of a worker.
type Config struct {
	Network Network
	Cache   Cache

	// Static and Runtime are the current version's namespaces.
	Static  cache.Namespace
	Runtime cache.Namespace

	// NamespaceGone is called when a write finds the runtime namespace
	// deleted, which means a newer version activated. Optional.
	NamespaceGone func(ns cache.Namespace)

	// UserAgent is set on background refreshes that carry none.
	UserAgent string

	Logger zerolog.Logger
}

// base holds what every strategy needs.
type base struct {
	network Network
	cache   Cache
	static  cache.Namespace
	runtime cache.Namespace
	gone    func(cache.Namespace)
	agent   string
	logger  zerolog.Logger
	tracer  trace.Tracer
}

func newBase(cfg Config, kind Kind) base {
	return base{
		network: cfg.Network,
		cache:   cfg.Cache,
		static:  cfg.Static,
		runtime: cfg.Runtime,
		gone:    cfg.NamespaceGone,
		agent:   cfg.UserAgent,
		logger:  cfg.Logger.With().Str("strategy", string(kind)).Logger(),
		tracer:  otel.Tracer("github.com/Sternrassler/cache-worker/pkg/strategy"),
	}
}

// lookup reads the runtime namespace, then the static one.
func (b *base) lookup(ctx context.Context, key cache.CacheKey) (*cache.CacheEntry, cache.Namespace, bool) {
	for _, ns := range []cache.Namespace{b.runtime, b.static} {
		entry, err := b.cache.Match(ctx, ns, key)
		if err == nil {
			return entry, ns, true
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			b.logger.Warn().Err(err).
				Str("namespace", ns.String()).
				Str("url", key.URL.String()).
				Msg("Cache read failed")
		}
	}
	return nil, cache.Namespace{}, false
}

// store snapshots resp into the runtime namespace. resp keeps a readable body.
// Failures are logged and never reach the caller.
func (b *base) store(ctx context.Context, key cache.CacheKey, resp *http.Response) {
	if !cache.Cacheable(resp) {
		return
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		b.logger.Warn().Err(err).Str("url", key.URL.String()).Msg("Snapshot failed")
		return
	}
	entry.URL = key.URL.String()

	// The response is already on its way; a cancelled request must not lose the write.
	if err := b.cache.Put(context.WithoutCancel(ctx), b.runtime, key, entry); err != nil {
		if errors.Is(err, cache.ErrNamespaceNotFound) {
			b.logger.Info().
				Str("namespace", b.runtime.String()).
				Msg("Runtime namespace deleted by a newer version")
			if b.gone != nil {
				b.gone(b.runtime)
			}
			return
		}
		b.logger.Warn().Err(err).
			Str("namespace", b.runtime.String()).
			Str("url", key.URL.String()).
			Msg("Cache write failed")
		return
	}

	b.logger.Debug().
		Str("namespace", b.runtime.String()).
		Str("url", key.URL.String()).
		Int("status", resp.StatusCode).
		Msg("Cached response")
}

// outbound prepares req for the network. Accept-Encoding is dropped so the
// transport negotiates compression itself and stored bodies are always
// decoded: the cache key ignores request headers.
func outbound(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.Header.Del("Accept-Encoding")
	return out
}

// fromCache rebuilds a response for req and marks it as a hit.
func fromCache(entry *cache.CacheEntry, ns cache.Namespace, req *http.Request) *http.Response {
	resp := cache.EntryToResponse(entry, req)
	resp.Header.Set(HeaderCacheStatus, "hit; ns="+ns.String())
	return resp
}

// markNetwork tags a network response. status is "miss" or "fetch".
func markNetwork(resp *http.Response, status string) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderCacheStatus, status)
}
