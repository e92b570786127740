// Package ratelimit gates the worker's background network traffic.
// Revalidation refreshes and CACHE_URLS fetches draw tokens from a shared
// token bucket so a burst of cache hits cannot flood the origin.
package ratelimit

import (
	"time"
)

// Defaults for the background traffic bucket.
const (
	// DefaultRPS is the sustained rate of background fetches per second.
	DefaultRPS = 10.0

	// DefaultBurst is the number of background fetches allowed at once.
	DefaultBurst = 20
)

// State is a point-in-time snapshot of the limiter.
type State struct {
	// Limit is the sustained rate in events per second. Zero or less means unlimited.
	Limit float64 `json:"limit"`

	// Burst is the bucket size.
	Burst int `json:"burst"`

	// Tokens is the number of tokens available at SampledAt.
	Tokens float64 `json:"tokens"`

	// Allowed counts events that were let through.
	Allowed uint64 `json:"allowed"`

	// Denied counts events that were rejected by Allow.
	Denied uint64 `json:"denied"`

	// SampledAt is the time the snapshot was taken.
	SampledAt time.Time `json:"sampled_at"`
}

// Unlimited reports whether the limiter lets everything through.
func (s State) Unlimited() bool {
	return s.Limit <= 0
}

// Exhausted reports whether the next Allow call would be denied.
func (s State) Exhausted() bool {
	return !s.Unlimited() && s.Tokens < 1
}

// DenialRate returns the share of denied events in [0,1].
func (s State) DenialRate() float64 {
	total := s.Allowed + s.Denied
	if total == 0 {
		return 0
	}
	return float64(s.Denied) / float64(total)
}
