package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"github.com/Sternrassler/cache-worker/pkg/precache"
	"github.com/Sternrassler/cache-worker/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInstallFailed is returned when the precache could not be completed.
	// The version is redundant afterwards.
	ErrInstallFailed = errors.New("install failed")

	// ErrAborted is returned when a phase was cancelled; the state is rolled back.
	ErrAborted = errors.New("lifecycle phase aborted")
)

// Prometheus metrics for the lifecycle.
var (
	lifecycleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sw_lifecycle_state",
		Help: "Current lifecycle state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	namespacesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sw_namespaces_pruned_total",
		Help: "Total stale namespaces deleted during activation",
	})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sw_lifecycle_phase_duration_seconds",
		Help:    "Duration of install and activate phases by outcome",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"phase", "outcome"})
)

// Store is the part of the cache manager the lifecycle needs.
// *cache.Manager implements it.
type Store interface {
	Open(ctx context.Context, ns cache.Namespace) error
	Put(ctx context.Context, ns cache.Namespace, key cache.CacheKey, entry *cache.CacheEntry) error
	Namespaces(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// Precacher fetches a precache list all-or-nothing.
// *precache.BatchFetcher implements it.
type Precacher interface {
	FetchAll(ctx context.Context, urls []string) ([]precache.Item, error)
}

// Config holds what a Manager needs for one cache version.
type Config struct {
	// Version is the stamped cache version of this build.
	Version string

	// PrecacheURLs are absolute URLs stored in the static namespace at install.
	PrecacheURLs []string

	Store     Store
	Precacher Precacher
	Logger    zerolog.Logger
}

// Manager runs the lifecycle of one cache version.
type Manager struct {
	// phase serializes Install and Activate.
	phase sync.Mutex

	mu    sync.RWMutex
	state State

	version   string
	static    cache.Namespace
	runtime   cache.Namespace
	urls      []string
	store     Store
	precacher Precacher
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewManager creates a manager in state parsed.
func NewManager(cfg Config) (*Manager, error) {
	if !version.Valid(cfg.Version) {
		return nil, fmt.Errorf("invalid cache version %q", cfg.Version)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Precacher == nil {
		return nil, fmt.Errorf("precacher is required")
	}
	for _, u := range cfg.PrecacheURLs {
		parsed, err := url.Parse(u)
		if err != nil || !parsed.IsAbs() {
			return nil, fmt.Errorf("precache url %q must be absolute", u)
		}
	}

	static, runtime := cache.CurrentNamespaces(cfg.Version)
	m := &Manager{
		state:     StateParsed,
		version:   cfg.Version,
		static:    static,
		runtime:   runtime,
		urls:      append([]string(nil), cfg.PrecacheURLs...),
		store:     cfg.Store,
		precacher: cfg.Precacher,
		logger:    cfg.Logger.With().Str("version", cfg.Version).Logger(),
		tracer:    otel.Tracer("github.com/Sternrassler/cache-worker/pkg/lifecycle"),
	}
	m.recordState(StateParsed)
	return m, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Waiting reports whether the version is installed but not yet activated.
func (m *Manager) Waiting() bool {
	return m.State() == StateInstalled
}

// Version returns the cache version.
func (m *Manager) Version() string {
	return m.version
}

// Namespaces returns the current static and runtime namespaces.
func (m *Manager) Namespaces() (static, runtime cache.Namespace) {
	return m.static, m.runtime
}

// PrecacheURLs returns a copy of the precache list.
func (m *Manager) PrecacheURLs() []string {
	return append([]string(nil), m.urls...)
}

// Install fetches the precache list and stores it in the static namespace.
// Nothing is written unless every fetch succeeded. A failed precache moves
// the version to redundant; cancellation moves it back to parsed.
func (m *Manager) Install(ctx context.Context) error {
	m.phase.Lock()
	defer m.phase.Unlock()

	if err := m.apply(EventInstall); err != nil {
		return err
	}

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "lifecycle.install", trace.WithAttributes(
		attribute.String("cache.version", m.version),
		attribute.Int("precache.urls", len(m.urls)),
	))
	defer span.End()

	m.logger.Info().
		Str("namespace", m.static.String()).
		Int("urls", len(m.urls)).
		Msg("Installing")

	if err := m.install(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if ctxErr := ctx.Err(); ctxErr != nil {
			m.mustApply(EventInstallAborted)
			phaseDuration.WithLabelValues("install", "aborted").Observe(time.Since(start).Seconds())
			m.logger.Warn().Err(ctxErr).Msg("Install aborted")
			return fmt.Errorf("%w: install: %w", ErrAborted, ctxErr)
		}

		m.mustApply(EventInstallFailed)
		phaseDuration.WithLabelValues("install", "failed").Observe(time.Since(start).Seconds())
		m.logger.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.mustApply(EventInstallOK)
	phaseDuration.WithLabelValues("install", "ok").Observe(time.Since(start).Seconds())
	m.logger.Info().
		Str("namespace", m.static.String()).
		Dur("duration", time.Since(start)).
		Msg("Install complete")
	return nil
}

func (m *Manager) install(ctx context.Context) error {
	// The runtime namespace is opened too so CACHE_URLS can write before activation.
	for _, ns := range []cache.Namespace{m.static, m.runtime} {
		if err := m.store.Open(ctx, ns); err != nil {
			return err
		}
	}

	items, err := m.precacher.FetchAll(ctx, m.urls)
	if err != nil {
		return err
	}

	// Every fetch succeeded; only now is the namespace written.
	for _, item := range items {
		u, err := url.Parse(item.URL)
		if err != nil {
			return fmt.Errorf("parse %s: %w", item.URL, err)
		}
		if err := m.store.Put(ctx, m.static, cache.KeyForURL(u), item.Entry); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Activate deletes every namespace that does not belong to the current
// version and then marks the version activated. Calling it when already
// activated is a no-op. Cancellation moves the version back to installed.
func (m *Manager) Activate(ctx context.Context) error {
	m.phase.Lock()
	defer m.phase.Unlock()

	if m.State() == StateActivated {
		return nil
	}
	if err := m.apply(EventActivate); err != nil {
		return err
	}

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "lifecycle.activate", trace.WithAttributes(
		attribute.String("cache.version", m.version),
	))
	defer span.End()

	pruned, err := m.prune(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.mustApply(EventActivateAborted)
		phaseDuration.WithLabelValues("activate", "aborted").Observe(time.Since(start).Seconds())

		if ctxErr := ctx.Err(); ctxErr != nil {
			m.logger.Warn().Err(ctxErr).Msg("Activation aborted")
			return fmt.Errorf("%w: activate: %w", ErrAborted, ctxErr)
		}
		m.logger.Error().Err(err).Msg("Activation failed")
		return fmt.Errorf("activate: %w", err)
	}

	span.SetAttributes(attribute.Int("namespaces.pruned", len(pruned)))
	m.mustApply(EventActivateOK)
	phaseDuration.WithLabelValues("activate", "ok").Observe(time.Since(start).Seconds())
	m.logger.Info().
		Strs("pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Activated")
	return nil
}

// prune deletes all namespaces that are not current, foreign names included.
func (m *Manager) prune(ctx context.Context) ([]string, error) {
	names, err := m.store.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, name := range names {
		if cache.IsCurrent(name, m.version) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pruned, err
		}

		deleted, err := m.store.Delete(ctx, name)
		if err != nil {
			return pruned, err
		}
		if deleted {
			namespacesPruned.Inc()
			pruned = append(pruned, name)
			m.logger.Debug().Str("namespace", name).Msg("Deleted stale namespace")
		}
	}
	return pruned, ctx.Err()
}

// Supersede marks the version redundant because a newer version activated
// and deleted its namespaces. It is idempotent and reports whether the state
// changed.
func (m *Manager) Supersede() bool {
	m.mu.Lock()
	from := m.state
	if from == StateRedundant {
		m.mu.Unlock()
		return false
	}
	m.state, _ = Transition(from, EventSuperseded)
	m.mu.Unlock()

	m.recordState(StateRedundant)
	m.logger.Warn().
		Str("from", string(from)).
		Msg("Superseded by a newer version, requests pass through")
	return true
}

// apply moves the state machine by ev or returns ErrInvalidTransition.
func (m *Manager) apply(ev Event) error {
	m.mu.Lock()
	from := m.state
	to, err := Transition(from, ev)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = to
	m.mu.Unlock()

	if from != to {
		m.recordState(to)
		m.logger.Debug().
			Str("from", string(from)).
			Str("state", string(to)).
			Str("event", string(ev)).
			Msg("Lifecycle transition")
	}
	return nil
}

// mustApply is apply for events that are legal by construction of the phase.
// A version superseded while the phase ran stays redundant.
func (m *Manager) mustApply(ev Event) {
	if err := m.apply(ev); err != nil {
		if m.State() == StateRedundant {
			return
		}
		panic(err)
	}
}

func (m *Manager) recordState(current State) {
	for _, s := range States {
		value := 0.0
		if s == current {
			value = 1
		}
		lifecycleState.WithLabelValues(string(s)).Set(value)
	}
}
