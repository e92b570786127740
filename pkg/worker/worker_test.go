package worker

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/cache-worker/internal/testutil"
	"github.com/Sternrassler/cache-worker/pkg/cache"
	"github.com/Sternrassler/cache-worker/pkg/fetch"
	"github.com/Sternrassler/cache-worker/pkg/lifecycle"
	"github.com/Sternrassler/cache-worker/pkg/precache"
	"github.com/Sternrassler/cache-worker/pkg/strategy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	origin *testutil.MockOrigin
	cache  *cache.Manager
	worker *Worker
	client *http.Client
}

func newOrigin(t *testing.T) *testutil.MockOrigin {
	t.Helper()
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)

	origin.SetResponse("/", testutil.NewPage("<html>shell</html>"))
	origin.SetResponse("/app.css", testutil.NewAsset("text/css", `"css-1"`, "body{}"))
	origin.SetResponse("/extra.png", testutil.NewAsset("image/png", `"png-1"`, "PNG"))
	origin.SetResponse("/api/items", testutil.MockResponse{Body: `["a"]`})
	return origin
}

func newEnv(t *testing.T, origin *testutil.MockOrigin, mutate func(*Config)) *testEnv {
	t.Helper()

	store := cache.NewManager(cache.NewMemoryStorage())
	cfg := Config{
		Version:      "1000",
		Origin:       origin.ParsedURL(),
		PrecacheURLs: []string{"/", "/app.css"},
		Cache:        store,
		Fetch: fetch.Config{
			Transport:      origin.Transport(),
			Timeout:        5 * time.Second,
			UserAgent:      "cache-worker/test",
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
		},
		Precache: precache.Config{MaxConcurrency: 2, Timeout: 5 * time.Second},
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Shutdown(ctx)
	})

	return &testEnv{
		origin: origin,
		cache:  cfg.Cache,
		worker: w,
		client: &http.Client{Transport: w},
	}
}

func (e *testEnv) key(t *testing.T, path string) cache.CacheKey {
	t.Helper()
	u, err := url.Parse(e.origin.URL() + path)
	require.NoError(t, err)
	return cache.KeyForURL(u)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string, error) {
	t.Helper()
	return e.do(t, e.client, path)
}

func (e *testEnv) do(t *testing.T, client *http.Client, path string) (*http.Response, string, error) {
	t.Helper()
	resp, err := client.Get(e.origin.URL() + path)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body), nil
}

func TestNew_Validation(t *testing.T) {
	origin := newOrigin(t)
	store := cache.NewManager(cache.NewMemoryStorage())

	_, err := New(Config{Version: "1000", Origin: origin.ParsedURL()})
	assert.Error(t, err, "missing cache")

	_, err = New(Config{Version: "1000", Cache: store})
	assert.Error(t, err, "missing origin")

	_, err = New(Config{Version: "__CACHE_VERSION__", Origin: origin.ParsedURL(), Cache: store})
	assert.Error(t, err, "placeholder version")
}

func TestWorker_InstallPopulatesStaticNamespace(t *testing.T) {
	env := newEnv(t, newOrigin(t), nil)
	ctx := context.Background()

	require.NoError(t, env.worker.Start(ctx))
	assert.Equal(t, lifecycle.StateActivated, env.worker.State())

	static := cache.Namespace{Role: cache.RoleStatic, Version: "1000"}
	for _, path := range []string{"/", "/app.css"} {
		entry, err := env.cache.Match(ctx, static, env.key(t, path))
		require.NoError(t, err, path)
		assert.NotEmpty(t, entry.Data, path)
	}

	keys, err := env.cache.Keys(ctx, static)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

// namespaceEntries returns the raw stored entries of ns by key.
func namespaceEntries(t *testing.T, store *cache.Manager, ns string) map[string]string {
	t.Helper()
	ctx := context.Background()
	keys, err := store.Storage().Keys(ctx, ns)
	require.NoError(t, err)
	entries := make(map[string]string, len(keys))
	for _, key := range keys {
		data, err := store.Storage().Get(ctx, ns, key)
		require.NoError(t, err)
		entries[key] = string(data)
	}
	return entries
}

func TestWorker_ActivationPrunesOldVersions(t *testing.T) {
	env := newEnv(t, newOrigin(t), func(cfg *Config) {
		cfg.WaitForSkip = true
	})
	ctx := context.Background()

	for _, name := range []string{"static-v900", "runtime-v900", "legacy"} {
		require.NoError(t, env.cache.Storage().CreateNamespace(ctx, name))
	}

	require.NoError(t, env.worker.Start(ctx))
	require.Equal(t, lifecycle.StateInstalled, env.worker.State())
	before := namespaceEntries(t, env.cache, "static-v1000")
	require.Len(t, before, 2)

	assert.True(t, env.worker.HandleMessage(ctx, []byte(`{"type":"SKIP_WAITING"}`)))
	require.Equal(t, lifecycle.StateActivated, env.worker.State())

	names, err := env.cache.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"runtime-v1000", "static-v1000"}, names)
	assert.Equal(t, before, namespaceEntries(t, env.cache, "static-v1000"), "pruning left the current static entries intact")
}

func TestWorker_CacheURLsMessage(t *testing.T) {
	env := newEnv(t, newOrigin(t), nil)
	ctx := context.Background()
	require.NoError(t, env.worker.Start(ctx))

	_, _, err := env.get(t, "/api/items")
	require.NoError(t, err)
	env.worker.Wait()

	staticBefore := namespaceEntries(t, env.cache, "static-v1000")
	runtimeBefore := namespaceEntries(t, env.cache, "runtime-v1000")
	require.Len(t, runtimeBefore, 1)

	env.worker.PostMessage([]byte(`{"type":"CACHE_URLS","urls":["/extra.png","/does-not-exist.png"]}`))
	env.worker.Wait()

	runtime := cache.Namespace{Role: cache.RoleRuntime, Version: "1000"}
	entry, err := env.cache.Match(ctx, runtime, env.key(t, "/extra.png"))
	require.NoError(t, err)
	assert.Equal(t, "PNG", string(entry.Data))

	_, err = env.cache.Match(ctx, runtime, env.key(t, "/does-not-exist.png"))
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	assert.Equal(t, staticBefore, namespaceEntries(t, env.cache, "static-v1000"), "static namespace unchanged")
	runtimeAfter := namespaceEntries(t, env.cache, "runtime-v1000")
	assert.Len(t, runtimeAfter, len(runtimeBefore)+1)
	for key, data := range runtimeBefore {
		assert.Equal(t, data, runtimeAfter[key], "runtime entry %s unchanged", key)
	}
}

func TestWorker_CacheURLsRefusesOtherOrigins(t *testing.T) {
	var mu sync.Mutex
	foreignHits := 0
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		foreignHits++
		mu.Unlock()
		w.Write([]byte("secret"))
	}))
	defer foreign.Close()

	env := newEnv(t, newOrigin(t), nil)
	ctx := context.Background()
	require.NoError(t, env.worker.Start(ctx))

	msg := `{"type":"CACHE_URLS","urls":["` + foreign.URL + `/latest/meta-data","/extra.png"]}`
	assert.True(t, env.worker.HandleMessage(ctx, []byte(msg)))

	mu.Lock()
	assert.Zero(t, foreignHits, "cross-origin URL must not be fetched")
	mu.Unlock()

	runtime := namespaceEntries(t, env.cache, "runtime-v1000")
	assert.Len(t, runtime, 1, "only the same-origin URL is stored")
	assert.Contains(t, runtime, env.key(t, "/extra.png").String())
}

func TestWorker_CacheURLsBeforeActivation(t *testing.T) {
	env := newEnv(t, newOrigin(t), func(cfg *Config) {
		cfg.WaitForSkip = true
	})
	ctx := context.Background()
	require.NoError(t, env.worker.Start(ctx))

	assert.True(t, env.worker.HandleMessage(ctx, []byte(`{"type":"CACHE_URLS","urls":["/extra.png"]}`)))
	assert.Equal(t, lifecycle.StateInstalled, env.worker.State())

	runtime := cache.Namespace{Role: cache.RoleRuntime, Version: "1000"}
	_, err := env.cache.Match(ctx, runtime, env.key(t, "/extra.png"))
	assert.NoError(t, err)
	assert.Equal(t, "cache-worker/test", env.origin.LastUserAgent("/extra.png"), "worker-initiated fetch carries the worker User-Agent")
}

func TestWorker_SupersededByNewerVersion(t *testing.T) {
	origin := newOrigin(t)
	shared := cache.NewManager(cache.NewMemoryStorage())
	ctx := context.Background()

	old := newEnv(t, origin, func(cfg *Config) {
		cfg.Version = "900"
		cfg.Cache = shared
	})
	require.NoError(t, old.worker.Start(ctx))
	_, _, err := old.get(t, "/api/items")
	require.NoError(t, err)

	current := newEnv(t, origin, func(cfg *Config) {
		cfg.Cache = shared
	})
	require.NoError(t, current.worker.Start(ctx))

	names, err := shared.Namespaces(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"runtime-v1000", "static-v1000"}, names)

	// The old worker still runs and sees the next request.
	resp, body, err := old.get(t, "/")
	require.NoError(t, err)
	assert.Equal(t, "<html>shell</html>", body)
	assert.Equal(t, "fetch", resp.Header.Get(strategy.HeaderCacheStatus))

	assert.Equal(t, lifecycle.StateRedundant, old.worker.State())
	names, err = shared.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"runtime-v1000", "static-v1000"}, names, "old namespaces stay deleted")

	// Redundant workers pass through.
	resp, _, err = old.get(t, "/api/items")
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(strategy.HeaderCacheStatus))
	assert.Equal(t, lifecycle.StateActivated, current.worker.State())
}

func TestWorker_CacheURLsAfterSupersede(t *testing.T) {
	origin := newOrigin(t)
	shared := cache.NewManager(cache.NewMemoryStorage())
	ctx := context.Background()

	old := newEnv(t, origin, func(cfg *Config) {
		cfg.Version = "900"
		cfg.Cache = shared
	})
	require.NoError(t, old.worker.Start(ctx))

	current := newEnv(t, origin, func(cfg *Config) {
		cfg.Cache = shared
	})
	require.NoError(t, current.worker.Start(ctx))

	assert.True(t, old.worker.HandleMessage(ctx, []byte(`{"type":"CACHE_URLS","urls":["/extra.png","/app.css"]}`)))

	assert.Equal(t, lifecycle.StateRedundant, old.worker.State())
	names, err := shared.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"runtime-v1000", "static-v1000"}, names)
	assert.Equal(t, 1, origin.RequestCount("/extra.png"), "CACHE_URLS stops after the first refused write")
}

func TestWorker_OfflineMissSurfacesFailure(t *testing.T) {
	env := newEnv(t, newOrigin(t), nil)
	require.NoError(t, env.worker.Start(context.Background()))

	env.origin.SetOffline(true)

	_, _, err := env.get(t, "/api/items")
	require.Error(t, err)
	assert.ErrorIs(t, err, strategy.ErrNoFallback)
	assert.ErrorIs(t, err, testutil.ErrOffline)
}

func TestWorker_OfflineServesPrecachedShell(t *testing.T) {
	env := newEnv(t, newOrigin(t), nil)
	require.NoError(t, env.worker.Start(context.Background()))

	env.origin.SetOffline(true)

	resp, body, err := env.get(t, "/")
	require.NoError(t, err)
	assert.Equal(t, "<html>shell</html>", body)
	assert.Equal(t, "hit; ns=static-v1000", resp.Header.Get(strategy.HeaderCacheStatus))
}

func TestWorker_StaleWhileRevalidateRoundTrip(t *testing.T) {
	origin := newOrigin(t)
	env := newEnv(t, origin, nil)
	require.NoError(t, env.worker.Start(context.Background()))

	resp, body, err := env.get(t, "/api/items")
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, body)
	assert.Equal(t, "miss", resp.Header.Get(strategy.HeaderCacheStatus))

	origin.SetResponse("/api/items", testutil.MockResponse{Body: `["a","b"]`})

	resp, body, err = env.get(t, "/api/items")
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, body, "stale entry served first")
	assert.Equal(t, "hit; ns=runtime-v1000", resp.Header.Get(strategy.HeaderCacheStatus))

	env.worker.Wait()

	_, body, err = env.get(t, "/api/items")
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, body, "refreshed entry served after revalidation")
	env.worker.Wait()
}

func TestWorker_PassthroughBeforeActivation(t *testing.T) {
	env := newEnv(t, newOrigin(t), func(cfg *Config) {
		cfg.WaitForSkip = true
	})
	ctx := context.Background()

	require.NoError(t, env.worker.Start(ctx))
	assert.Equal(t, lifecycle.StateInstalled, env.worker.State())

	resp, _, err := env.get(t, "/api/items")
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(strategy.HeaderCacheStatus), "not intercepted while waiting")

	runtime := cache.Namespace{Role: cache.RoleRuntime, Version: "1000"}
	_, err = env.cache.Match(ctx, runtime, env.key(t, "/api/items"))
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	assert.True(t, env.worker.HandleMessage(ctx, []byte(`{"type":"SKIP_WAITING"}`)))
	assert.Equal(t, lifecycle.StateActivated, env.worker.State())
}

func TestWorker_SkipWaitingDuringInstallIsDeferred(t *testing.T) {
	origin := newOrigin(t)
	release := make(chan struct{})
	origin.SetHandler("/app.css", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("body{}"))
	})

	env := newEnv(t, origin, func(cfg *Config) {
		cfg.WaitForSkip = true
	})

	done := make(chan error, 1)
	go func() { done <- env.worker.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return env.worker.State() == lifecycle.StateInstalling
	}, 2*time.Second, 5*time.Millisecond)

	env.worker.SkipWaiting()
	assert.Equal(t, lifecycle.StateInstalling, env.worker.State())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, lifecycle.StateActivated, env.worker.State())
}

func TestWorker_InstallFailureLeavesWorkerRedundant(t *testing.T) {
	env := newEnv(t, newOrigin(t), func(cfg *Config) {
		cfg.PrecacheURLs = []string{"/", "/missing.js"}
	})
	ctx := context.Background()

	err := env.worker.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrInstallFailed)
	assert.Equal(t, lifecycle.StateRedundant, env.worker.State())

	// A redundant worker never intercepts.
	resp, _, err := env.get(t, "/")
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(strategy.HeaderCacheStatus))
}

func TestWorker_NonGetPassesThrough(t *testing.T) {
	origin := newOrigin(t)
	origin.SetHandler("/api/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	env := newEnv(t, origin, nil)
	require.NoError(t, env.worker.Start(context.Background()))

	resp, err := env.client.Post(origin.URL()+"/api/items", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(strategy.HeaderCacheStatus))
	assert.NotEqual(t, "cache-worker/test", origin.LastUserAgent("/api/items"), "forwarded requests keep their own User-Agent")
}

func TestWorker_Snapshot(t *testing.T) {
	env := newEnv(t, newOrigin(t), nil)
	ctx := context.Background()
	require.NoError(t, env.worker.Start(ctx))

	snap, err := env.worker.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.worker.ID(), snap.WorkerID)
	assert.Equal(t, "1000", snap.Version)
	assert.Equal(t, lifecycle.StateActivated, snap.State)
	assert.False(t, snap.Waiting)
	assert.Equal(t, []string{"runtime-v1000", "static-v1000"}, snap.Namespaces)
	assert.Len(t, snap.Precache, 2)
	assert.Zero(t, snap.RevalidateDenialRate)
	assert.Equal(t, snap.RateLimit.DenialRate(), snap.RevalidateDenialRate)
	assert.NoError(t, env.worker.Ping(ctx))
}

func TestHandler_ProxiesOriginFormRequests(t *testing.T) {
	env := newEnv(t, newOrigin(t), nil)
	require.NoError(t, env.worker.Start(context.Background()))

	proxy := httptest.NewServer(NewHandler(env.worker))
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/app.css")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", string(body))
	assert.Equal(t, "fetch", resp.Header.Get(strategy.HeaderCacheStatus))

	env.origin.SetOffline(true)

	resp, err = http.Get(proxy.URL + "/app.css")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "body{}", string(body))
	assert.Equal(t, "hit; ns=runtime-v1000", resp.Header.Get(strategy.HeaderCacheStatus))

	resp, err = http.Get(proxy.URL + "/never-cached")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestWorker_ShutdownDropsLateMessages(t *testing.T) {
	env := newEnv(t, newOrigin(t), nil)
	ctx := context.Background()
	require.NoError(t, env.worker.Start(ctx))
	require.NoError(t, env.worker.Shutdown(ctx))

	env.worker.PostMessage([]byte(`{"type":"CACHE_URLS","urls":["/extra.png"]}`))
	env.worker.Wait()

	runtime := cache.Namespace{Role: cache.RoleRuntime, Version: "1000"}
	_, err := env.cache.Match(ctx, runtime, env.key(t, "/extra.png"))
	assert.True(t, errors.Is(err, cache.ErrCacheMiss))
}

func TestHandler_DoesNotShareEncodedBodies(t *testing.T) {
	origin := newOrigin(t)
	origin.SetHandler("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			gz.Write([]byte(`{"n":1}`))
			gz.Close()
			return
		}
		w.Write([]byte(`{"n":1}`))
	})
	env := newEnv(t, origin, nil)
	require.NoError(t, env.worker.Start(context.Background()))

	proxy := httptest.NewServer(NewHandler(env.worker))
	defer proxy.Close()

	fetchRaw := func(acceptEncoding string) (*http.Response, string) {
		t.Helper()
		client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
		req, err := http.NewRequest(http.MethodGet, proxy.URL+"/data.json", nil)
		require.NoError(t, err)
		if acceptEncoding != "" {
			req.Header.Set("Accept-Encoding", acceptEncoding)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	// The first client accepts gzip and fills the cache.
	resp, body := fetchRaw("gzip")
	assert.Equal(t, "miss", resp.Header.Get(strategy.HeaderCacheStatus))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, `{"n":1}`, body)
	env.worker.Wait()

	// The second client never asked for gzip and is served from the cache.
	resp, body = fetchRaw("")
	assert.Equal(t, "hit; ns=runtime-v1000", resp.Header.Get(strategy.HeaderCacheStatus))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, `{"n":1}`, body)
	env.worker.Wait()

	runtime := cache.Namespace{Role: cache.RoleRuntime, Version: "1000"}
	entry, err := env.cache.Match(context.Background(), runtime, env.key(t, "/data.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(entry.Data))
	assert.Empty(t, entry.Headers.Get("Content-Encoding"))
}

func TestWorker_LogsOnlyToConfiguredLogger(t *testing.T) {
	var global strings.Builder
	saved := log.Logger
	log.Logger = zerolog.New(&global)
	t.Cleanup(func() { log.Logger = saved })

	env := newEnv(t, newOrigin(t), nil)
	ctx := context.Background()
	require.NoError(t, env.worker.Start(ctx))

	_, _, err := env.get(t, "/api/items")
	require.NoError(t, err)
	env.worker.HandleMessage(ctx, []byte(`{"type":"CACHE_URLS","urls":["/extra.png","/missing.png"]}`))
	env.worker.HandleMessage(ctx, []byte(`not json`))
	env.worker.Wait()

	assert.Empty(t, global.String(), "a worker with a Nop logger writes nothing to the global logger")
}
