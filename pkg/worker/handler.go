package worker

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/Sternrassler/cache-worker/pkg/fetch"
	"github.com/Sternrassler/cache-worker/pkg/strategy"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler serves a Worker as a caching proxy. Origin-form requests
// ("GET /app.css") are sent to the worker's origin; absolute-form requests
// keep their URL.
type Handler struct {
	worker *Worker
}

// NewHandler returns the proxy handler for w.
func NewHandler(w *Worker) *Handler {
	return &Handler{worker: w}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out := h.outgoing(r)

	resp, err := h.worker.RoundTrip(out)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nobody reads the answer.
			return
		}
		status := http.StatusBadGateway
		if !errors.Is(err, strategy.ErrNoFallback) && !fetch.IsNetworkError(err) {
			status = http.StatusInternalServerError
		}
		h.worker.logger.Warn().
			Err(err).
			Str("url", out.URL.String()).
			Int("status", status).
			Msg("Proxy request failed")
		http.Error(w, http.StatusText(status), status)
		return
	}

	if err := send(w, resp); err != nil {
		h.worker.logger.Debug().Err(err).Str("url", out.URL.String()).Msg("Writing response failed")
	}
}

// outgoing turns a server request into a client request for the worker.
func (h *Handler) outgoing(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""

	if !r.URL.IsAbs() {
		origin := h.worker.Origin()
		out.URL = origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
		out.Host = origin.Host
	}

	removeHopHeaders(out.Header)
	// The transport negotiates compression and hands back decoded bodies.
	// Forwarding the client's Accept-Encoding would store encoded bytes
	// under a key every client shares.
	out.Header.Del("Accept-Encoding")
	return out
}

// send copies resp to w and closes its body.
func send(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	removeHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
