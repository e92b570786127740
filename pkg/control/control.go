// Package control decodes and dispatches messages sent to the worker by the
// application shell.
//
// Two messages exist:
//
//	{"type":"SKIP_WAITING"}
//	{"type":"CACHE_URLS","urls":["/extra.png"]}
//
// Malformed or unknown messages are dropped without a reply.
package control

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Type is the message discriminator.
type Type string

const (
	// TypeSkipWaiting asks an installed worker to activate now.
	TypeSkipWaiting Type = "SKIP_WAITING"

	// TypeCacheURLs asks the worker to fetch URLs into the runtime namespace.
	TypeCacheURLs Type = "CACHE_URLS"
)

var controlMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sw_control_messages_total",
	Help: "Control messages received by type (invalid for dropped messages)",
}, []string{"type"})

// Message is a decoded control message.
type Message struct {
	Type Type     `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// Target receives dispatched messages. The worker implements it.
type Target interface {
	SkipWaiting()
	CacheURLs(ctx context.Context, urls []string)
}

// Parse decodes raw. It reports false for malformed JSON, an unknown type or
// a CACHE_URLS message without any non-empty URL.
func Parse(raw []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false
	}

	switch msg.Type {
	case TypeSkipWaiting:
		return Message{Type: TypeSkipWaiting}, true
	case TypeCacheURLs:
		urls := make([]string, 0, len(msg.URLs))
		for _, u := range msg.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			return Message{}, false
		}
		return Message{Type: TypeCacheURLs, URLs: urls}, true
	default:
		return Message{}, false
	}
}

// Dispatch parses raw and invokes the matching Target method.
// It reports whether the message was understood. Events go to the logger
// attached to ctx, if any.
func Dispatch(ctx context.Context, target Target, raw []byte) bool {
	msg, ok := Parse(raw)
	if !ok {
		controlMessagesTotal.WithLabelValues("invalid").Inc()
		zerolog.Ctx(ctx).Debug().Int("size", len(raw)).Msg("Dropped malformed control message")
		return false
	}

	controlMessagesTotal.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case TypeSkipWaiting:
		target.SkipWaiting()
	case TypeCacheURLs:
		target.CacheURLs(ctx, msg.URLs)
	}
	return true
}
