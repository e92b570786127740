package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Sternrassler/cache-worker/pkg/lifecycle"
	"github.com/Sternrassler/cache-worker/pkg/metrics"
	"github.com/Sternrassler/cache-worker/pkg/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// maxControlBody caps a control message body.
const maxControlBody = 1 << 20

// newRouter mounts the management endpoints and hands every other request to
// the worker's proxy handler.
func newRouter(w *worker.Worker, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(w))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/_worker/state", stateHandler(w, logger))
	r.Post("/_worker/control", controlHandler(w, logger))

	r.Handle("/*", worker.NewHandler(w))
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// readyHandler reports ready while storage answers and the worker has not
// become redundant.
func readyHandler(wk *worker.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		state := wk.State()
		status := http.StatusOK
		body := map[string]string{"status": "ready", "state": string(state)}

		if err := wk.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "storage unavailable"
			body["error"] = err.Error()
		} else if state == lifecycle.StateRedundant {
			status = http.StatusServiceUnavailable
			body["status"] = "redundant"
		}

		writeJSON(w, status, body)
	}
}

func stateHandler(wk *worker.Worker, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := wk.Snapshot(r.Context())
		if err != nil {
			logger.Warn().Err(err).Msg("Worker snapshot failed")
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// controlHandler accepts a control message and processes it in the
// background. The sender always gets 202 and no result.
func controlHandler(wk *worker.Worker, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
		if err != nil {
			logger.Debug().Err(err).Msg("Unreadable control message dropped")
		} else {
			wk.PostMessage(raw)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
