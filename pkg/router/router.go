// Package router assigns a fetch strategy to each intercepted request.
//
// Classify is a pure function of method, URL and request destination; the
// rules are fixed at startup from the worker's origin and precache list.
package router

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/cache-worker/pkg/cache"
	"github.com/Sternrassler/cache-worker/pkg/strategy"
)

// Reason explains a routing decision.
type Reason string

const (
	ReasonMethod      Reason = "non_get"
	ReasonCrossOrigin Reason = "cross_origin"
	ReasonPrecached   Reason = "precached"
	ReasonNavigation  Reason = "navigation"
	ReasonDefault     Reason = "default"
)

// Decision is the outcome of Classify.
type Decision struct {
	// Strategy is empty when the request passes straight to the network.
	Strategy strategy.Kind
	Reason   Reason
}

// Passthrough reports whether the worker stays out of the request.
func (d Decision) Passthrough() bool {
	return d.Strategy == ""
}

// String renders the decision for logs and metric labels.
func (d Decision) String() string {
	if d.Passthrough() {
		return "passthrough"
	}
	return string(d.Strategy)
}

// Rules hold the routing inputs fixed for the process lifetime.
type Rules struct {
	origin   string
	precache map[string]struct{}
}

// NewRules builds rules for a scope origin and a precache list.
// Relative precache entries resolve against origin.
func NewRules(origin *url.URL, precacheURLs []string) (Rules, error) {
	if origin == nil || !origin.IsAbs() || origin.Host == "" {
		return Rules{}, fmt.Errorf("origin must be an absolute URL")
	}

	rules := Rules{
		origin:   originOf(origin),
		precache: make(map[string]struct{}, len(precacheURLs)),
	}
	for _, raw := range precacheURLs {
		u, err := ResolveURL(origin, raw)
		if err != nil {
			return Rules{}, err
		}
		rules.precache[cache.KeyForURL(u).String()] = struct{}{}
	}
	return rules, nil
}

// Origin returns the scope origin as scheme://host[:port].
func (r Rules) Origin() string {
	return r.origin
}

// InScope reports whether u has the scope origin. Default ports and letter
// case are ignored.
func (r Rules) InScope(u *url.URL) bool {
	return u != nil && originOf(u) == r.origin
}

// ResolveURL resolves raw against origin. Absolute URLs are returned as they are.
func ResolveURL(origin *url.URL, raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	return origin.ResolveReference(ref), nil
}

// Classify decides how req is handled:
//
//  1. non-GET requests pass through
//  2. cross-origin requests pass through
//  3. precached URLs use network-first
//  4. navigations use network-first
//  5. every other same-origin GET uses stale-while-revalidate
func Classify(req *http.Request, rules Rules) Decision {
	if req.Method != http.MethodGet && req.Method != "" {
		return Decision{Reason: ReasonMethod}
	}
	if !rules.InScope(req.URL) {
		return Decision{Reason: ReasonCrossOrigin}
	}
	if _, ok := rules.precache[cache.KeyForURL(req.URL).String()]; ok {
		return Decision{Strategy: strategy.KindNetworkFirst, Reason: ReasonPrecached}
	}
	if IsNavigation(req) {
		return Decision{Strategy: strategy.KindNetworkFirst, Reason: ReasonNavigation}
	}
	return Decision{Strategy: strategy.KindStaleWhileRevalidate, Reason: ReasonDefault}
}

// IsNavigation reports whether req loads a document. Fetch metadata wins when
// present; otherwise an Accept header asking for HTML counts.
func IsNavigation(req *http.Request) bool {
	mode := req.Header.Get("Sec-Fetch-Mode")
	dest := req.Header.Get("Sec-Fetch-Dest")

	if mode == "navigate" {
		return true
	}
	switch dest {
	case "document", "iframe", "frame":
		return true
	}
	if mode != "" || dest != "" {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// originOf renders scheme://host[:port] with default ports dropped.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

// Router pairs decisions with strategy instances.
type Router struct {
	rules      Rules
	strategies map[strategy.Kind]strategy.Strategy
}

// New creates a router using the given strategies.
func New(rules Rules, strategies ...strategy.Strategy) *Router {
	r := &Router{
		rules:      rules,
		strategies: make(map[strategy.Kind]strategy.Strategy, len(strategies)),
	}
	for _, s := range strategies {
		r.strategies[s.Kind()] = s
	}
	return r
}

// Rules returns the router's rules.
func (r *Router) Rules() Rules {
	return r.rules
}

// Route classifies req and returns the strategy to run, or nil for passthrough.
// A decision without a registered strategy is treated as passthrough.
func (r *Router) Route(req *http.Request) (Decision, strategy.Strategy) {
	d := Classify(req, r.rules)
	if d.Passthrough() {
		return d, nil
	}
	s, ok := r.strategies[d.Strategy]
	if !ok {
		return d, nil
	}
	return d, s
}
