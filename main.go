package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/sessioncore/internal/account"
	"github.com/example/sessioncore/internal/config"
	"github.com/example/sessioncore/internal/events"
	"github.com/example/sessioncore/internal/gateway"
	"github.com/example/sessioncore/internal/idempotency"
	"github.com/example/sessioncore/internal/kv"
	"github.com/example/sessioncore/internal/ratelimit"
	"github.com/example/sessioncore/internal/session"
	"github.com/example/sessioncore/internal/store"
	"github.com/example/sessioncore/internal/sweeper"
	"github.com/example/sessioncore/internal/tokens"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg   *config.Config
	log   logrus.FieldLogger
	db    *store.DB
	kv    kv.Store
	trust ratelimit.ProxyTrustConfig

	engine   *tokens.Engine
	limiter  *ratelimit.Limiter
	guard    *idempotency.Guard
	queue    *events.Queue
	accounts *account.Service
	gateway  *gateway.Gateway
	sweeper  *sweeper.Sweeper
}

// Options carries collaborators that have no environment setting.
type Options struct {
	// Notifier delivers one-time tokens. Defaults to logging the issuance.
	Notifier   account.Notifier
	BcryptCost int
}

// NewApp wires every component over an opened store and KV adapter.
func NewApp(c *config.Config, db *store.DB, kvStore kv.Store, log logrus.FieldLogger, opts Options) *App {
	trust := ratelimit.ParseTrustedProxies(c.TrustProxyHeaders, c.TrustedProxies)

	queue := events.NewQueue(db, events.Config{
		UrgentTTL:  c.ForceLogoutTTL,
		DefaultTTL: c.EventTTL,
		Retention:  c.EventRetention,
	}, log)
	cache := session.New(kvStore, db, session.Config{TTL: c.CacheTTL(), Timeout: c.StoreTimeout}, log)
	engine := tokens.NewEngine(db, cache, queue, tokens.Config{
		AccessSecret:  []byte(c.JwtSecret),
		RefreshSecret: []byte(c.RefreshSecret()),
		Issuer:        c.JwtIssuer,
		AccessTTL:     c.AccessTokenTTL,
		RefreshTTL:    c.RefreshTokenTTL,
	}, log)

	return &App{
		cfg:    c,
		log:    log,
		db:     db,
		kv:     kvStore,
		trust:  trust,
		engine: engine,
		limiter: ratelimit.New(kvStore, ratelimit.Config{
			Timeout:  c.StoreTimeout,
			Identify: ratelimit.ClientIdentity(trust, tokens.UserID),
		}, log),
		guard: idempotency.New(kvStore, idempotency.Config{
			TTL:     c.IdempotencyTTL,
			Timeout: c.StoreTimeout,
			// Anonymous callers are partitioned by address; the stored
			// fingerprint still rejects a different body under the same key.
			Scope: func(r *http.Request) string {
				if id := tokens.UserID(r.Context()); id != "" {
					return id
				}
				return "anon:" + ratelimit.ClientIP(r, trust)
			},
			FingerprintKey: []byte(c.FingerprintSecret()),
		}, log),
		queue: queue,
		accounts: account.NewService(account.Deps{
			Users:    db,
			Tokens:   db,
			Sessions: engine,
			Events:   queue,
			Notifier: opts.Notifier,
		}, account.Config{BcryptCost: opts.BcryptCost}, log),
		gateway: gateway.New(engine, queue, gateway.Config{PollInterval: c.WSPollInterval}, log),
		sweeper: sweeper.New(db, db, queue, sweeper.Config{Interval: c.CleanupInterval, Grace: c.SessionGrace}, log),
	}
}

func newLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("invalid LOG_LEVEL %q, using info", level)
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func openStore(c *config.Config, log logrus.FieldLogger) (*store.DB, error) {
	var (
		db  *store.DB
		err error
	)
	switch c.DBAdapter {
	case "postgres":
		db, err = store.Open(store.Postgres, c.PostgresDSN)
		if err == nil {
			log.Info("Connected to PostgreSQL database")
		}
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite directory: %w", err)
			}
		}
		db, err = store.Open(store.SQLite, c.SQLiteFile)
	case "memory":
		log.Warn("Using in-memory database (not recommended for production)")
		db, err = store.Open(store.SQLite, ":memory:")
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
	if err != nil {
		return nil, fmt.Errorf("%s init: %w", c.DBAdapter, err)
	}

	log.Info("Applying database migrations...")
	if err := ApplyMigrations(db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

func openKV(c *config.Config, log logrus.FieldLogger) kv.Store {
	if c.KVAdapter == "memory" {
		log.Warn("Using in-memory KV store; rate limits and idempotency are per instance")
		return kv.NewMemory(time.Minute)
	}
	s := kv.NewRedis(kv.RedisConfig{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		// Callers fail open while Redis is down.
		log.WithError(err).Warn("Redis unreachable at startup, continuing degraded")
	}
	return s
}

func main() {
	c, err := config.New()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := newLogger(c.LogLevel, c.LogFormat)

	db, err := openStore(c, log)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	kvStore := openKV(c, log)
	defer kvStore.Close()

	app := NewApp(c, db, kvStore, log, Options{})
	srv := &http.Server{
		Handler:           app.Router(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("Starting server on %s", c.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return app.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.gateway.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("shutdown failed")
		return
	}
	log.Info("Server exited properly")
}
