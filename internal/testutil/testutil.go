// Package testutil holds fixtures shared by the package tests: an
// in-memory SQLite store migrated with the real schema, a miniredis-backed
// KV store and KV stubs that fail or hang.
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/example/sessioncore/internal/kv"
	"github.com/example/sessioncore/internal/store"
	"github.com/example/sessioncore/migrations"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// NewSQLite opens a private in-memory database and applies every migration.
func NewSQLite(t testing.TB) *store.DB {
	t.Helper()
	// The pool is capped at one connection, so ":memory:" stays a single
	// database for the lifetime of the test.
	db, err := store.Open(store.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, _, err = migrations.Up(db.SQL(), string(store.SQLite))
	require.NoError(t, err)
	return db
}

// NewRedis starts a miniredis server bound to the test and returns a KV
// store talking to it.
func NewRedis(t testing.TB) (*kv.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := kv.NewRedis(kv.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// NewLogger returns a discarding logger plus a hook recording every entry.
func NewLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// ErrKVDown is returned by FailingKV.
var ErrKVDown = errors.New("kv: connection refused")

// FailingKV is a kv.Store whose every call fails.
type FailingKV struct{}

var _ kv.Store = FailingKV{}

func (FailingKV) Get(context.Context, string) (string, error) { return "", ErrKVDown }
func (FailingKV) Set(context.Context, string, string, time.Duration) error {
	return ErrKVDown
}
func (FailingKV) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, ErrKVDown
}
func (FailingKV) Replace(context.Context, string, string) (bool, error) {
	return false, ErrKVDown
}
func (FailingKV) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, ErrKVDown
}
func (FailingKV) Expire(context.Context, string, time.Duration) error { return ErrKVDown }
func (FailingKV) Delete(context.Context, ...string) error            { return ErrKVDown }
func (FailingKV) Scan(context.Context, string) ([]string, error)     { return nil, ErrKVDown }
func (FailingKV) Ping(context.Context) error                         { return ErrKVDown }
func (FailingKV) Close() error                                       { return nil }

// HangingKV blocks every call until its context is done, simulating a
// store that stopped answering.
type HangingKV struct{}

var _ kv.Store = HangingKV{}

func hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (HangingKV) Get(ctx context.Context, _ string) (string, error) { return "", hang(ctx) }
func (HangingKV) Set(ctx context.Context, _, _ string, _ time.Duration) error {
	return hang(ctx)
}
func (HangingKV) SetNX(ctx context.Context, _, _ string, _ time.Duration) (bool, error) {
	return false, hang(ctx)
}
func (HangingKV) Replace(ctx context.Context, _, _ string) (bool, error) {
	return false, hang(ctx)
}
func (HangingKV) Incr(ctx context.Context, _ string, _ time.Duration) (int64, time.Duration, error) {
	return 0, 0, hang(ctx)
}
func (HangingKV) Expire(ctx context.Context, _ string, _ time.Duration) error { return hang(ctx) }
func (HangingKV) Delete(ctx context.Context, _ ...string) error              { return hang(ctx) }
func (HangingKV) Scan(ctx context.Context, _ string) ([]string, error)       { return nil, hang(ctx) }
func (HangingKV) Ping(ctx context.Context) error                             { return hang(ctx) }
func (HangingKV) Close() error                                               { return nil }

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
