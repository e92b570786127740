package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for background traffic limiting.
var (
	rateLimitDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sw_rate_limit_decisions_total",
		Help: "Background fetch admission decisions by result",
	}, []string{"result"})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sw_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a background fetch token",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
	})
)

// Limiter is a token bucket shared by all background fetches of a worker.
type Limiter struct {
	limiter *rate.Limiter
	allowed atomic.Uint64
	denied  atomic.Uint64
	logger  zerolog.Logger
}

// NewLimiter creates a limiter allowing rps events per second with the given burst.
// rps <= 0 disables limiting.
func NewLimiter(rps float64, burst int, logger zerolog.Logger) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Allow reports whether one background fetch may start now. It never blocks.
func (l *Limiter) Allow() bool {
	if l.limiter.Allow() {
		l.allowed.Add(1)
		rateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
		return true
	}

	l.denied.Add(1)
	rateLimitDecisionsTotal.WithLabelValues("denied").Inc()
	l.logger.Debug().Msg("Background fetch denied by rate limiter")
	return false
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	l.allowed.Add(1)
	rateLimitDecisionsTotal.WithLabelValues("waited").Inc()
	rateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// State returns a snapshot of the limiter.
func (l *Limiter) State() State {
	now := time.Now()
	limit := float64(l.limiter.Limit())
	tokens := float64(l.limiter.Burst())
	if l.limiter.Limit() == rate.Inf {
		// Reported as 0 so the snapshot stays JSON encodable.
		limit = 0
	} else {
		tokens = l.limiter.TokensAt(now)
	}

	return State{
		Limit:     limit,
		Burst:     l.limiter.Burst(),
		Tokens:    tokens,
		Allowed:   l.allowed.Load(),
		Denied:    l.denied.Load(),
		SampledAt: now,
	}
}
