// Package precache fetches a precache list in parallel for the install phase.
//
// The batch fetcher runs a bounded worker pool over the list and is
// all-or-nothing: the first failed URL cancels the remaining fetches and the
// whole batch fails, so a caller never writes a partial precache.
//
// Example usage:
//
//	fetcher := precache.NewBatchFetcher(fetchClient, precache.DefaultConfig())
//	items, err := fetcher.FetchAll(ctx, []string{"https://app.test/", "https://app.test/app.css"})
//
// The batch fetcher:
//   - Drops duplicate URLs while keeping list order
//   - Spawns a worker pool (default 6 workers)
//   - Applies a per-URL timeout on top of the caller's context
//   - Returns results in list order
package precache
