// Package session is a read-through cache of refresh-token generations in
// the KV store. The relational store stays the source of truth; every KV
// failure is logged and the caller falls through to the database.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/sessioncore/internal/kv"
	"github.com/example/sessioncore/internal/metrics"
	"github.com/example/sessioncore/internal/store"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get when neither the cache nor the store
// knows the generation, or when it belongs to another user.
var ErrNotFound = errors.New("session: not found")

// Entry is the cached view of one generation.
type Entry struct {
	UserID       string           `json:"userId"`
	FamilyID     string           `json:"familyId"`
	TokenID      string           `json:"tokenId"`
	IsActive     bool             `json:"isActive"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	LastActiveAt time.Time        `json:"lastActiveAt"`
	Device       store.DeviceInfo `json:"device"`
}

// FromSession builds an Entry from a stored row.
func FromSession(s *store.RefreshSession) *Entry {
	return &Entry{
		UserID:       s.UserID,
		FamilyID:     s.FamilyID,
		TokenID:      s.TokenID,
		IsActive:     s.IsActive,
		ExpiresAt:    s.ExpiresAt,
		LastActiveAt: s.LastActiveAt,
		Device:       s.Device,
	}
}

// Loader reads a generation from the source of truth.
type Loader interface {
	SessionByTokenID(ctx context.Context, tokenID string) (*store.RefreshSession, error)
}

// Config tunes the cache.
type Config struct {
	// TTL bounds how long an entry lives; normally the access token lifetime.
	TTL time.Duration
	// Timeout bounds every KV call.
	Timeout time.Duration
}

// Cache is safe for concurrent use.
type Cache struct {
	kv     kv.Store
	loader Loader
	cfg    Config
	log    logrus.FieldLogger
	now    func() time.Time
}

// New creates a cache over kvStore that reads through to loader.
func New(kvStore kv.Store, loader Loader, cfg Config, log logrus.FieldLogger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	return &Cache{
		kv:     kvStore,
		loader: loader,
		cfg:    cfg,
		log:    log.WithField("component", "session_cache"),
		now:    time.Now,
	}
}

func key(userID, tokenID string) string {
	return kv.Key(kv.NamespaceSession, userID, tokenID)
}

func userPrefix(userID string) string {
	return kv.Key(kv.NamespaceSession, userID) + ":"
}

func (c *Cache) degraded(op string, err error) {
	metrics.KVDegraded.WithLabelValues("session_cache", op).Inc()
	c.log.WithError(err).WithField("op", op).Warn("session cache unavailable, falling through")
}

// Lookup reads the cache only.
func (c *Cache) Lookup(ctx context.Context, userID, tokenID string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := c.kv.Get(ctx, key(userID, tokenID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.degraded("get", err)
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.log.WithError(err).Debug("dropping unreadable session cache entry")
		return nil, false
	}
	return &e, true
}

// Get returns the entry from the cache, or loads it from the store and
// repopulates the cache on a miss.
func (c *Cache) Get(ctx context.Context, userID, tokenID string) (*Entry, error) {
	if e, ok := c.Lookup(ctx, userID, tokenID); ok {
		return e, nil
	}
	s, err := c.loader.SessionByTokenID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}
	e := FromSession(s)
	if e.IsActive {
		c.Prime(ctx, e)
	}
	return e, nil
}

// Prime caches an entry read from the store and then re-reads the row.
// A revocation that committed before the write cannot be undone by it:
// when the row is no longer active the entry is dropped again.
func (c *Cache) Prime(ctx context.Context, e *Entry) {
	c.Put(ctx, e)
	s, err := c.loader.SessionByTokenID(ctx, e.TokenID)
	if err == nil && s.IsActive && s.UserID == e.UserID {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.WithError(err).Warn("session recheck failed, dropping cache entry")
	}
	c.Invalidate(ctx, e.UserID, e.TokenID)
}

// Put stores e until the cache TTL or the generation's expiry, whichever
// comes first.
func (c *Cache) Put(ctx context.Context, e *Entry) {
	ttl := c.cfg.TTL
	if !e.ExpiresAt.IsZero() {
		if left := e.ExpiresAt.Sub(c.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		c.log.WithError(err).Error("encode session cache entry")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.kv.Set(ctx, key(e.UserID, e.TokenID), string(b), ttl); err != nil {
		c.degraded("set", err)
	}
}

// Touch records activity on a cached entry without a database round-trip.
// It only rewrites a key that still exists, so an invalidation racing with
// it wins.
func (c *Cache) Touch(ctx context.Context, userID, tokenID string) {
	e, ok := c.Lookup(ctx, userID, tokenID)
	if !ok {
		return
	}
	e.LastActiveAt = c.now()
	b, err := json.Marshal(e)
	if err != nil {
		c.log.WithError(err).Error("encode session cache entry")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if _, err := c.kv.Replace(ctx, key(userID, tokenID), string(b)); err != nil {
		c.degraded("replace", err)
	}
}

// Invalidate drops one generation.
func (c *Cache) Invalidate(ctx context.Context, userID, tokenID string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.kv.Delete(ctx, key(userID, tokenID)); err != nil {
		c.degraded("delete", err)
	}
}

// InvalidateFamily drops every cached generation of familyID owned by
// userID. Entries that cannot be read are dropped as well.
func (c *Cache) InvalidateFamily(ctx context.Context, userID, familyID string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	keys, err := c.kv.Scan(ctx, userPrefix(userID))
	if err != nil {
		c.degraded("scan", err)
		return
	}
	var doomed []string
	for _, k := range keys {
		raw, err := c.kv.Get(ctx, k)
		if err != nil {
			if !errors.Is(err, kv.ErrNotFound) {
				doomed = append(doomed, k)
			}
			continue
		}
		var e Entry
		if json.Unmarshal([]byte(raw), &e) != nil || e.FamilyID == familyID {
			doomed = append(doomed, k)
		}
	}
	if len(doomed) == 0 {
		return
	}
	if err := c.kv.Delete(ctx, doomed...); err != nil {
		c.degraded("delete", err)
	}
}

// InvalidateAll drops every cached generation of the user. It enumerates
// the user's namespace rather than waiting for TTLs to lapse.
func (c *Cache) InvalidateAll(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	keys, err := c.kv.Scan(ctx, userPrefix(userID))
	if err != nil {
		c.degraded("scan", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.kv.Delete(ctx, keys...); err != nil {
		c.degraded("delete", err)
	}
}
