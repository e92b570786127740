// Command cache-worker runs the caching worker as an HTTP proxy in front of
// one origin.
//
// The worker manifest (version, origin, precache list) is read from the file
// named by CACHE_WORKER_MANIFEST; everything else comes from the environment.
// If install fails the process exits non-zero so the previous deployment
// stays in charge.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"github.com/Sternrassler/cache-worker/pkg/config"
	"github.com/Sternrassler/cache-worker/pkg/fetch"
	"github.com/Sternrassler/cache-worker/pkg/logging"
	"github.com/Sternrassler/cache-worker/pkg/precache"
	"github.com/Sternrassler/cache-worker/pkg/telemetry"
	"github.com/Sternrassler/cache-worker/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cache-worker: %v\n", err)
		return 1
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(env.LogLevel)
	logCfg.Pretty = env.LogPretty
	logCfg.FilePath = env.LogFile
	logger := logging.Setup(logCfg)

	if err := serve(ctx, env, logger); err != nil {
		logger.Error().Err(err).Msg("Cache worker stopped")
		return 1
	}
	return 0
}

func serve(ctx context.Context, env config.Env, logger zerolog.Logger) error {
	manifest, err := config.LoadManifest(env.Manifest)
	if err != nil {
		return err
	}

	storage, closeStorage, err := openStorage(ctx, env)
	if err != nil {
		return err
	}
	defer closeStorage()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       env.OTELEndpoint,
		ServiceName:    "cache-worker",
		ServiceVersion: manifest.Version,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	w, err := worker.New(workerConfig(manifest, cache.NewManager(storage), logger))
	if err != nil {
		return err
	}

	logger.Info().
		Str("worker_id", w.ID()).
		Str("version", manifest.Version).
		Str("origin", manifest.Origin).
		Str("storage", env.StorageDriver).
		Int("precache", len(manifest.Precache)).
		Msg("Starting cache worker")

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + env.Port,
		Handler:           newRouter(w, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", srv.Addr).Str("state", string(w.State())).Msg("Listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	return w.Shutdown(shutdownCtx)
}

// workerConfig maps the manifest onto a worker configuration.
func workerConfig(m *config.Manifest, store *cache.Manager, logger zerolog.Logger) worker.Config {
	return worker.Config{
		Version:      m.Version,
		Origin:       m.OriginURL(),
		PrecacheURLs: m.Precache,
		WaitForSkip:  m.Activation.WaitForSkip,
		Cache:        store,
		Fetch: fetch.Config{
			Timeout:        m.Fetch.Timeout,
			UserAgent:      m.Fetch.UserAgent,
			MaxAttempts:    m.Fetch.MaxAttempts,
			InitialBackoff: m.Fetch.InitialBackoff,
		},
		Precache: precache.Config{
			MaxConcurrency: m.PrecacheConcurrency,
			Timeout:        m.PrecacheTimeout,
		},
		RevalidateRPS:   m.Revalidate.RPS,
		RevalidateBurst: m.Revalidate.Burst,
		Logger:          logger,
	}
}

// openStorage opens the backend named by env.StorageDriver. The returned
// close function releases it together with any client it owns.
func openStorage(ctx context.Context, env config.Env) (cache.Storage, func() error, error) {
	switch env.StorageDriver {
	case config.DriverRedis:
		opts, err := redis.ParseURL(env.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
		return cache.NewRedisStorage(client, env.RedisPrefix), client.Close, nil

	case config.DriverSQLite:
		s, err := cache.OpenSQLiteStorage(env.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverMemory:
		s := cache.NewMemoryStorage()
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, env.StorageDriver)
	}
}
