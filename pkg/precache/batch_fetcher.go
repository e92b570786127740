package precache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"github.com/rs/zerolog"
)

// ErrBatchFailed is returned when at least one URL of the batch could not be fetched.
var ErrBatchFailed = errors.New("precache batch failed")

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int
	// Timeout per URL fetch (retries included)
	Timeout time.Duration
	// Logger receives batch events. The zero value discards them.
	Logger zerolog.Logger
}

// DefaultConfig returns the default batch fetcher configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 6,
		Timeout:        30 * time.Second,
	}
}

// EntryFetcher fetches one URL into a cache entry. *fetch.Client implements it.
type EntryFetcher interface {
	FetchEntry(ctx context.Context, url string) (*cache.CacheEntry, error)
}

// Item is one fetched URL of a batch.
type Item struct {
	URL   string
	Entry *cache.CacheEntry
}

type job struct {
	index int
	url   string
}

type result struct {
	index int
	entry *cache.CacheEntry
	err   error
}

// BatchFetcher fetches URL lists with a bounded worker pool
type BatchFetcher struct {
	fetcher EntryFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher EntryFetcher, config Config) *BatchFetcher {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  config.Logger.With().Str("component", "precache").Logger(),
	}
}

// FetchAll fetches every URL and returns the items in list order.
// Any failure aborts the batch; the returned error wraps ErrBatchFailed and
// the first underlying error. Cancellation of ctx is returned as ctx.Err().
func (bf *BatchFetcher) FetchAll(ctx context.Context, urls []string) ([]Item, error) {
	start := time.Now()
	urls = dedupe(urls)
	if len(urls) == 0 {
		return nil, nil
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job, len(urls))
	for i, u := range urls {
		jobs <- job{index: i, url: u}
	}
	close(jobs)

	results := make(chan result, len(urls))

	workers := bf.config.MaxConcurrency
	if workers > len(urls) {
		workers = len(urls)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(batchCtx, jobs, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	items := make([]Item, len(urls))
	var firstErr error
	fetched := 0
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s: %w", ErrBatchFailed, urls[res.index], res.err)
				cancel()
			}
			continue
		}
		items[res.index] = Item{URL: urls[res.index], Entry: res.entry}
		fetched++
	}

	// Cancellation by the caller wins over the errors it caused.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		bf.logger.Warn().
			Err(firstErr).
			Int("fetched", fetched).
			Int("total", len(urls)).
			Msg("Precache batch failed")
		return nil, firstErr
	}
	if fetched != len(urls) {
		return nil, fmt.Errorf("%w: fetched %d of %d urls", ErrBatchFailed, fetched, len(urls))
	}

	bf.logger.Info().
		Int("urls", len(urls)).
		Dur("duration", time.Since(start)).
		Msg("Precache batch complete")

	return items, nil
}

// worker processes URLs from the queue
func (bf *BatchFetcher) worker(ctx context.Context, jobs <-chan job, results chan<- result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for j := range jobs {
		if ctx.Err() != nil {
			bf.logger.Debug().
				Int("worker_id", workerID).
				Int("processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
		entry, err := bf.fetcher.FetchEntry(fetchCtx, j.url)
		cancel()

		if err != nil {
			bf.logger.Debug().
				Err(err).
				Int("worker_id", workerID).
				Str("url", j.url).
				Msg("Precache fetch failed")
		}

		// results is buffered for the whole batch, the send never blocks
		results <- result{index: j.index, entry: entry, err: err}
		processed++
	}
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
