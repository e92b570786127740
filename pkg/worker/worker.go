// Package worker hosts the caching worker: lifecycle, routing, strategies and
// the control channel behind one http.RoundTripper.
//
// An application installs a Worker as the Transport of its http.Client.
// Until the cache version is activated every request passes straight to the
// network; afterwards GET requests to the origin are served by a strategy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"github.com/Sternrassler/cache-worker/pkg/control"
	"github.com/Sternrassler/cache-worker/pkg/fetch"
	"github.com/Sternrassler/cache-worker/pkg/lifecycle"
	"github.com/Sternrassler/cache-worker/pkg/precache"
	"github.com/Sternrassler/cache-worker/pkg/ratelimit"
	"github.com/Sternrassler/cache-worker/pkg/router"
	"github.com/Sternrassler/cache-worker/pkg/strategy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the worker configuration.
type Config struct {
	// Version is the stamped cache version. Empty or placeholder is rejected.
	Version string

	// Origin is the scope the worker serves, e.g. https://app.example.com.
	Origin *url.URL

	// PrecacheURLs are fetched at install; relative entries resolve against Origin.
	PrecacheURLs []string

	// WaitForSkip keeps an installed version waiting until SKIP_WAITING arrives.
	// When false the worker activates right after install.
	WaitForSkip bool

	// Cache is the namespace store. Required.
	Cache *cache.Manager

	// Fetch configures network access.
	Fetch fetch.Config

	// Precache configures the install batch fetcher.
	Precache precache.Config

	// RevalidateRPS and RevalidateBurst bound background traffic.
	RevalidateRPS   float64
	RevalidateBurst int

	Logger zerolog.Logger
}

// Worker intercepts requests for one cache version.
type Worker struct {
	id          string
	origin      *url.URL
	waitForSkip bool

	cache     *cache.Manager
	network   *fetch.Client
	lifecycle *lifecycle.Manager
	router    *router.Router
	swr       *strategy.StaleWhileRevalidate
	limiter   *ratelimit.Limiter
	logger    zerolog.Logger
	tracer    trace.Tracer

	mu            sync.Mutex
	installed     bool
	skipRequested bool

	// ctx outlives requests and scopes control tasks.
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New wires a worker from cfg. The worker starts in state parsed; call Start.
func New(cfg Config) (*Worker, error) {
	if cfg.Cache == nil {
		return nil, errors.New("cache manager is required")
	}
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, errors.New("origin must be an absolute URL")
	}

	rules, err := router.NewRules(cfg.Origin, cfg.PrecacheURLs)
	if err != nil {
		return nil, fmt.Errorf("routing rules: %w", err)
	}

	precacheURLs := make([]string, 0, len(cfg.PrecacheURLs))
	for _, raw := range cfg.PrecacheURLs {
		u, err := router.ResolveURL(cfg.Origin, raw)
		if err != nil {
			return nil, fmt.Errorf("precache list: %w", err)
		}
		precacheURLs = append(precacheURLs, u.String())
	}

	id := uuid.New().String()
	logger := cfg.Logger.With().
		Str("worker_id", id).
		Str("version", cfg.Version).
		Logger()

	fetchCfg := cfg.Fetch
	fetchCfg.Logger = logger
	network := fetch.New(fetchCfg)

	precacheCfg := cfg.Precache
	precacheCfg.Logger = logger

	lc, err := lifecycle.NewManager(lifecycle.Config{
		Version:      cfg.Version,
		PrecacheURLs: precacheURLs,
		Store:        cfg.Cache,
		Precacher:    precache.NewBatchFetcher(network, precacheCfg),
		Logger:       logger.With().Str("component", "lifecycle").Logger(),
	})
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(cfg.RevalidateRPS, cfg.RevalidateBurst,
		logger.With().Str("component", "ratelimit").Logger())

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:          id,
		origin:      cfg.Origin,
		waitForSkip: cfg.WaitForSkip,
		cache:       cfg.Cache,
		network:     network,
		lifecycle:   lc,
		limiter:     limiter,
		logger:      logger,
		tracer:      otel.Tracer("github.com/Sternrassler/cache-worker/pkg/worker"),
		ctx:         ctx,
		cancel:      cancel,
	}

	static, runtime := lc.Namespaces()
	strategyCfg := strategy.Config{
		Network:       network,
		Cache:         cfg.Cache,
		Static:        static,
		Runtime:       runtime,
		NamespaceGone: w.namespaceGone,
		UserAgent:     cfg.Fetch.UserAgent,
		Logger:        logger.With().Str("component", "strategy").Logger(),
	}
	w.swr = strategy.NewStaleWhileRevalidate(strategyCfg, limiter)
	w.router = router.New(rules, strategy.NewNetworkFirst(strategyCfg), w.swr)
	return w, nil
}

// ID returns the worker instance id.
func (w *Worker) ID() string {
	return w.id
}

// Version returns the cache version.
func (w *Worker) Version() string {
	return w.lifecycle.Version()
}

// State returns the lifecycle state.
func (w *Worker) State() lifecycle.State {
	return w.lifecycle.State()
}

// Origin returns the worker's scope origin.
func (w *Worker) Origin() *url.URL {
	return w.origin
}

// Start installs the version and, unless it must wait for SKIP_WAITING,
// activates it. A SKIP_WAITING received during install is applied here.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.lifecycle.Install(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	w.installed = true
	activate := !w.waitForSkip || w.skipRequested
	w.mu.Unlock()

	if !activate {
		w.logger.Info().Msg("Installed, waiting for SKIP_WAITING")
		return nil
	}
	return w.lifecycle.Activate(ctx)
}

// SkipWaiting activates an installed version now. During install the request
// is remembered and applied once install completes.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipRequested = true
	installed := w.installed
	w.mu.Unlock()

	if !installed {
		w.logger.Debug().Msg("SKIP_WAITING before install completed, deferring")
		return
	}
	if err := w.lifecycle.Activate(w.ctx); err != nil {
		w.logger.Error().Err(err).Msg("Activation after SKIP_WAITING failed")
	}
}

// CacheURLs fetches urls into the runtime namespace. Relative URLs resolve
// against the origin; URLs of any other origin are refused. Failures are
// logged per URL and skipped.
func (w *Worker) CacheURLs(ctx context.Context, urls []string) {
	_, runtime := w.lifecycle.Namespaces()
	rules := w.router.Rules()
	stored := 0

	for _, raw := range urls {
		u, err := router.ResolveURL(w.origin, raw)
		if err != nil {
			w.logger.Warn().Err(err).Str("url", raw).Msg("Skipping invalid CACHE_URLS entry")
			continue
		}
		if !rules.InScope(u) {
			w.logger.Warn().
				Str("url", u.String()).
				Str("origin", rules.Origin()).
				Msg("Skipping cross-origin CACHE_URLS entry")
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			w.logger.Warn().Err(err).Int("stored", stored).Msg("CACHE_URLS interrupted")
			return
		}

		entry, err := w.network.FetchEntry(ctx, u.String())
		if err != nil {
			w.logger.Warn().Err(err).Str("url", u.String()).Msg("CACHE_URLS fetch failed")
			continue
		}
		if err := w.cache.Put(ctx, runtime, cache.KeyForURL(u), entry); err != nil {
			if errors.Is(err, cache.ErrNamespaceNotFound) {
				w.namespaceGone(runtime)
				return
			}
			w.logger.Warn().Err(err).
				Str("url", u.String()).
				Str("namespace", runtime.String()).
				Msg("CACHE_URLS write failed")
			continue
		}
		stored++
	}

	w.logger.Info().
		Int("requested", len(urls)).
		Int("stored", stored).
		Msg("CACHE_URLS processed")
}

// namespaceGone handles a write that found a namespace of this version
// deleted. Once install has opened the namespaces only the activation of a
// newer version deletes them, so the worker steps aside.
func (w *Worker) namespaceGone(ns cache.Namespace) {
	switch w.lifecycle.State() {
	case lifecycle.StateInstalled, lifecycle.StateActivating, lifecycle.StateActivated:
		w.lifecycle.Supersede()
	case lifecycle.StateRedundant:
	default:
		w.logger.Warn().Str("namespace", ns.String()).Msg("Namespace not open yet, write dropped")
	}
}

// HandleMessage dispatches one control message synchronously.
// It reports whether the message was understood.
func (w *Worker) HandleMessage(ctx context.Context, raw []byte) bool {
	return control.Dispatch(w.logger.With().Str("component", "control").Logger().WithContext(ctx), w, raw)
}

// PostMessage dispatches a control message in the background. The sender
// gets no reply; Wait or Shutdown block until the message is processed.
func (w *Worker) PostMessage(raw []byte) {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		w.logger.Debug().Msg("Control message after shutdown dropped")
		return
	}
	w.tasks.Add(1)
	w.mu.Unlock()

	msg := append([]byte(nil), raw...)
	go func() {
		defer w.tasks.Done()
		w.HandleMessage(w.ctx, msg)
	}()
}

// RoundTrip implements http.RoundTripper.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := w.tracer.Start(req.Context(), "worker.RoundTrip", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL.String()),
	))
	defer span.End()

	state := w.lifecycle.State()
	if !state.Intercepting() {
		span.SetAttributes(attribute.String("worker.route", "not_active"))
		return w.network.Do(req.WithContext(ctx))
	}

	decision, s := w.router.Route(req)
	span.SetAttributes(
		attribute.String("worker.route", decision.String()),
		attribute.String("worker.reason", string(decision.Reason)),
	)

	if s == nil {
		return w.network.Do(req.WithContext(ctx))
	}

	start := time.Now()
	resp, err := s.Resolve(ctx, req)
	w.logger.Debug().
		Str("url", req.URL.String()).
		Str("strategy", decision.String()).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Request resolved")
	return resp, err
}

// Snapshot is the introspection view of a worker.
type Snapshot struct {
	WorkerID   string          `json:"worker_id"`
	Version    string          `json:"version"`
	State      lifecycle.State `json:"state"`
	Waiting    bool            `json:"waiting"`
	Origin     string          `json:"origin"`
	Precache   []string        `json:"precache"`
	Namespaces []string        `json:"namespaces"`
	RateLimit  ratelimit.State `json:"rate_limit"`

	// RevalidateDenialRate is the share of background refreshes the limiter refused.
	RevalidateDenialRate float64 `json:"revalidate_denial_rate"`
}

// Snapshot lists the worker's state and the namespaces present in storage.
func (w *Worker) Snapshot(ctx context.Context) (Snapshot, error) {
	names, err := w.cache.Namespaces(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	state := w.lifecycle.State()
	limit := w.limiter.State()
	return Snapshot{
		WorkerID:             w.id,
		Version:              w.lifecycle.Version(),
		State:                state,
		Waiting:              state == lifecycle.StateInstalled,
		Origin:               w.origin.String(),
		Precache:             w.lifecycle.PrecacheURLs(),
		Namespaces:           names,
		RateLimit:            limit,
		RevalidateDenialRate: limit.DenialRate(),
	}, nil
}

// Ping checks the storage backend.
func (w *Worker) Ping(ctx context.Context) error {
	return w.cache.Storage().Ping(ctx)
}

// Wait blocks until background refreshes and posted messages have settled.
func (w *Worker) Wait() {
	w.tasks.Wait()
	w.swr.Wait()
}

// Shutdown stops background work and waits for it, bounded by ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.tasks.Wait()
		w.swr.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker shutdown: %w", ctx.Err())
	}
}
