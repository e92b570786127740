package strategy

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Limiter admits background refreshes. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow() bool
}

// StaleWhileRevalidate answers from the cache at once and refreshes the entry
// in the background. A miss is fetched from the network and cached.
type StaleWhileRevalidate struct {
	base
	limiter Limiter

	// Background refreshes outlive their request and stop on Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewStaleWhileRevalidate creates the strategy. limiter may be nil.
func NewStaleWhileRevalidate(cfg Config, limiter Limiter) *StaleWhileRevalidate {
	ctx, cancel := context.WithCancel(context.Background())
	return &StaleWhileRevalidate{
		base:     newBase(cfg, KindStaleWhileRevalidate),
		limiter:  limiter,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Kind implements Strategy.
func (s *StaleWhileRevalidate) Kind() Kind {
	return KindStaleWhileRevalidate
}

// Resolve implements Strategy.
func (s *StaleWhileRevalidate) Resolve(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := s.tracer.Start(ctx, "strategy.stale_while_revalidate", trace.WithAttributes(
		attribute.String("http.url", req.URL.String()),
	))
	defer span.End()

	key := cache.NewKey(req)

	if entry, ns, ok := s.lookup(ctx, key); ok {
		s.logger.Debug().
			Str("url", req.URL.String()).
			Str("namespace", ns.String()).
			Dur("age", entry.Age()).
			Msg("Serving cached response")
		s.revalidate(req, key, entry)
		strategyRequestsTotal.WithLabelValues(string(KindStaleWhileRevalidate), outcomeCache).Inc()
		span.SetAttributes(
			attribute.String("cache.namespace", ns.String()),
			attribute.Int64("cache.age_ms", entry.Age().Milliseconds()),
		)
		return fromCache(entry, ns, req), nil
	}

	resp, err := s.network.Do(outbound(ctx, req))
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("url", req.URL.String()).
			Msg("Cache miss and network failed")
		strategyRequestsTotal.WithLabelValues(string(KindStaleWhileRevalidate), outcomeFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "no fallback")
		return nil, fmt.Errorf("%w: %w", ErrNoFallback, err)
	}

	s.store(ctx, key, resp)
	markNetwork(resp, "miss")
	strategyRequestsTotal.WithLabelValues(string(KindStaleWhileRevalidate), outcomeNetwork).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

// Wait blocks until all background refreshes have settled.
func (s *StaleWhileRevalidate) Wait() {
	s.wg.Wait()
}

// Close cancels running refreshes and waits for them.
func (s *StaleWhileRevalidate) Close() {
	s.cancel()
	s.wg.Wait()
}

// revalidate starts at most one refresh per key. It never blocks the caller.
func (s *StaleWhileRevalidate) revalidate(req *http.Request, key cache.CacheKey, entry *cache.CacheEntry) {
	if s.ctx.Err() != nil {
		return
	}

	id := key.String()
	s.mu.Lock()
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		revalidationsTotal.WithLabelValues("coalesced").Inc()
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.mu.Unlock()
		revalidationsTotal.WithLabelValues("rate_limited").Inc()
		s.logger.Debug().Str("url", id).Msg("Revalidation skipped by rate limiter")
		return
	}
	s.inflight[id] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	header := req.Header.Clone()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		}()

		result := s.refresh(key, header, entry)
		revalidationsTotal.WithLabelValues(result).Inc()
	}()
}

// refresh fetches key again and updates the runtime namespace.
// It returns the metric label for the result.
func (s *StaleWhileRevalidate) refresh(key cache.CacheKey, header http.Header, entry *cache.CacheEntry) string {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, key.URL.String(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", key.URL.String()).Msg("Revalidation request invalid")
		return "failed"
	}
	if header != nil {
		req.Header = header
	}
	req.Header.Del("Accept-Encoding")
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")
	if s.agent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.agent)
	}
	cache.AddConditionalHeaders(req, entry)

	resp, err := s.network.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", key.URL.String()).Msg("Revalidation failed")
		return "failed"
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		s.logger.Debug().Str("url", key.URL.String()).Msg("Revalidated, not modified")
		return "not_modified"
	case !cache.Cacheable(resp):
		s.logger.Warn().
			Str("url", key.URL.String()).
			Int("status", resp.StatusCode).
			Msg("Revalidation returned uncacheable response, keeping entry")
		return "kept"
	}

	s.store(s.ctx, key, resp)
	return "updated"
}
