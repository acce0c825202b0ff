package kv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Memory is a process-local Store. It is only correct for a single
// instance deployment; replicas behind a load balancer must use Redis.
type Memory struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewMemory creates an in-memory store that sweeps expired keys every
// cleanupInterval.
func NewMemory(cleanupInterval time.Duration) *Memory {
	return &Memory{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

var _ Store = (*Memory)(nil)

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	}
	return "", ErrNotFound
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.cache.Set(key, value, expiration(ttl))
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := m.cache.Add(key, value, expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Replace(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exp, ok := m.cache.GetWithExpiration(key)
	if !ok {
		return false, nil
	}
	d := cache.NoExpiration
	if !exp.IsZero() {
		if d = time.Until(exp); d <= 0 {
			return false, nil
		}
	}
	return m.cache.Replace(key, value, d) == nil, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, exp, ok := m.cache.GetWithExpiration(key)
	if !ok {
		m.cache.Set(key, int64(1), expiration(ttl))
		return 1, ttl, nil
	}
	var n int64
	switch t := v.(type) {
	case int64:
		n = t
	case string:
		parsed, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, 0, err
		}
		n = parsed
	}
	n++
	remaining := ttl
	if !exp.IsZero() {
		remaining = time.Until(exp)
	}
	m.cache.Set(key, n, expiration(remaining))
	return n, remaining, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(key)
	if !ok {
		return nil
	}
	m.cache.Set(key, v, expiration(ttl))
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.cache.Delete(k)
	}
	return nil
}

func (m *Memory) Scan(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}
