package strategy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NetworkFirst serves the network response and keeps a copy; when the
// network fails it serves the last copy instead.
type NetworkFirst struct {
	base
}

// NewNetworkFirst creates a network-first strategy.
func NewNetworkFirst(cfg Config) *NetworkFirst {
	return &NetworkFirst{base: newBase(cfg, KindNetworkFirst)}
}

// Kind implements Strategy.
func (s *NetworkFirst) Kind() Kind {
	return KindNetworkFirst
}

// Resolve implements Strategy.
// Non-2xx network responses are returned as they are and not cached; only a
// transport failure triggers the cache fallback.
func (s *NetworkFirst) Resolve(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := s.tracer.Start(ctx, "strategy.network_first", trace.WithAttributes(
		attribute.String("http.url", req.URL.String()),
	))
	defer span.End()

	key := cache.NewKey(req)

	resp, err := s.network.Do(outbound(ctx, req))
	if err == nil {
		s.store(ctx, key, resp)
		markNetwork(resp, "fetch")
		strategyRequestsTotal.WithLabelValues(string(KindNetworkFirst), outcomeNetwork).Inc()
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return resp, nil
	}

	entry, ns, ok := s.lookup(ctx, key)
	if ok {
		s.logger.Info().
			Err(err).
			Str("url", req.URL.String()).
			Str("namespace", ns.String()).
			Msg("Network failed, serving cached response")
		strategyRequestsTotal.WithLabelValues(string(KindNetworkFirst), outcomeFallback).Inc()
		span.SetAttributes(attribute.String("cache.namespace", ns.String()))
		return fromCache(entry, ns, req), nil
	}

	s.logger.Error().
		Err(err).
		Str("url", req.URL.String()).
		Msg("Network failed and nothing cached")
	strategyRequestsTotal.WithLabelValues(string(KindNetworkFirst), outcomeFailed).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "no fallback")
	return nil, fmt.Errorf("%w: %w", ErrNoFallback, err)
}
