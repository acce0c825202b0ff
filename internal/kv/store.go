package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
// It abstracts away the adapter specific miss value (e.g. redis.Nil).
var ErrNotFound = errors.New("kv: key not found")

// Key namespaces. Only the owning component writes under its namespace.
const (
	NamespaceRateLimit   = "rate_limit"
	NamespaceIdempotency = "idempotency"
	NamespaceSession     = "session"
	NamespaceWS          = "ws"
)

// Store is the TTL-keyed distributed store shared by the rate limiter,
// the idempotency guard and the session cache.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Replace overwrites value only when key exists, keeping its remaining
	// TTL, and reports whether it did.
	Replace(ctx context.Context, key, value string) (bool, error)
	// Incr increments key and, when the key is new or has no expiry, sets
	// ttl on it in the same atomic step. It returns the post-increment
	// count and the remaining lifetime of the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Scan returns every live key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key joins a namespace and its parts with ':'.
func Key(namespace string, parts ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}
