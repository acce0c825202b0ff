// Package ratelimit is a fixed-window rate limiter over the shared KV store,
// so every replica counts against the same window.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/example/sessioncore/internal/kv"
	"github.com/example/sessioncore/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Rule is the per-route limit declared at route registration.
type Rule struct {
	Limit  int
	Window time.Duration
	// KeyPrefix replaces the default "rate_limit" prefix; the client
	// identity is appended to it and the route is omitted.
	KeyPrefix string
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Degraded is set when the store could not be reached and the request
	// was let through.
	Degraded bool
}

// RetryAfter is the whole number of seconds until the window resets, at
// least one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (d Decision) headers() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	kv       kv.Store
	timeout  time.Duration
	identify IdentityFunc
	reject   RejectFunc
	log      logrus.FieldLogger
	now      func() time.Time
}

// Config wires the limiter.
type Config struct {
	// Timeout bounds each store call. Defaults to 250ms.
	Timeout time.Duration
	// Identify names the client a request is counted against.
	// Defaults to the peer IP without proxy trust.
	Identify IdentityFunc
	// Reject writes the 429 response. Defaults to a JSON error body.
	Reject RejectFunc
}

// New creates a limiter backed by kvStore.
func New(kvStore kv.Store, cfg Config, log logrus.FieldLogger) *Limiter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	if cfg.Identify == nil {
		cfg.Identify = ClientIdentity(ProxyTrustConfig{}, nil)
	}
	if cfg.Reject == nil {
		cfg.Reject = DefaultReject
	}
	return &Limiter{
		kv:       kvStore,
		timeout:  cfg.Timeout,
		identify: cfg.Identify,
		reject:   cfg.Reject,
		log:      log.WithField("component", "rate_limiter"),
		now:      time.Now,
	}
}

// Allow counts one request against key. The first request of a window
// starts it; request limit+1 within the window is rejected. When the store
// fails the request is allowed and the decision is marked Degraded.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	now := l.now()
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, ttl, err := l.kv.Incr(ctx, key, window)
	if err != nil {
		l.log.WithError(err).WithField("key", key).Warn("rate limit store unavailable, allowing request")
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(window), Degraded: true}
	}
	if ttl <= 0 {
		ttl = window
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
	}
}

// Key builds the counter key for a client on a route.
func Key(rule Rule, client, route string) string {
	if rule.KeyPrefix != "" {
		return rule.KeyPrefix + ":" + client
	}
	return kv.Key(kv.NamespaceRateLimit, client, route)
}

func record(route string, d Decision) {
	result := "allowed"
	switch {
	case d.Degraded:
		result = "degraded"
		metrics.KVDegraded.WithLabelValues("rate_limiter", "incr").Inc()
	case !d.Allowed:
		result = "rejected"
	}
	metrics.RateLimitDecisions.WithLabelValues(route, result).Inc()
}
