package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port       string `envconfig:"PORT" default:"8080"`
	Env        string `envconfig:"ENV" default:""`
	DBAdapter  string `envconfig:"DB_ADAPTER" default:"postgres"`
	SQLiteFile string `envconfig:"SQLITE_FILE" default:"./data/sessioncore.db"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"text"`

	// PostgreSQL connection settings
	PostgresDSN      string `envconfig:"POSTGRES_DSN" default:""`
	PostgresHost     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	PostgresPort     string `envconfig:"POSTGRES_PORT" default:"5432"`
	PostgresUser     string `envconfig:"POSTGRES_USER" default:"sessioncore"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD" default:""`
	PostgresDB       string `envconfig:"POSTGRES_DB" default:"sessioncore"`
	PostgresSSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`

	KVAdapter     string `envconfig:"KV_ADAPTER" default:"redis"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	JwtSecret        string        `envconfig:"JWT_SECRET" default:"change-me"`
	JwtRefreshSecret string        `envconfig:"JWT_REFRESH_SECRET" default:""`
	JwtIssuer        string        `envconfig:"JWT_ISSUER" default:"sessioncore"`
	AccessTokenTTL   time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL  time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"720h"`
	// SessionCacheTTL of zero means AccessTokenTTL.
	SessionCacheTTL time.Duration `envconfig:"SESSION_CACHE_TTL" default:"0"`
	IdempotencyTTL  time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"5m"`
	StoreTimeout    time.Duration `envconfig:"STORE_TIMEOUT" default:"250ms"`

	RateLimitDefault int           `envconfig:"RATE_LIMIT_DEFAULT" default:"100"`
	RateLimitWindow  time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	ForceLogoutTTL  time.Duration `envconfig:"FORCE_LOGOUT_TTL" default:"168h"`
	EventTTL        time.Duration `envconfig:"EVENT_TTL" default:"72h"`
	EventRetention  time.Duration `envconfig:"EVENT_RETENTION" default:"720h"`
	SessionGrace    time.Duration `envconfig:"SESSION_GRACE" default:"24h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	WSPollInterval  time.Duration `envconfig:"WS_POLL_INTERVAL" default:"15s"`

	CORSOrigins       []string `envconfig:"CORS_ORIGINS" default:"*"`
	TrustProxyHeaders bool     `envconfig:"TRUST_PROXY_HEADERS" default:"false"`
	TrustedProxies    string   `envconfig:"TRUSTED_PROXIES" default:""`
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// Production reports whether ENV names a production deployment.
func (c *Config) Production() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// RefreshSecret falls back to a key derived from JWT_SECRET so access
// tokens are never accepted as refresh tokens and vice versa.
func (c *Config) RefreshSecret() string {
	if c.JwtRefreshSecret != "" {
		return c.JwtRefreshSecret
	}
	return c.JwtSecret + ":refresh"
}

// FingerprintSecret keys the digests the idempotency guard stores for
// request bodies.
func (c *Config) FingerprintSecret() string {
	return c.JwtSecret + ":idempotency"
}

// CacheTTL is the session cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	if c.SessionCacheTTL > 0 {
		return c.SessionCacheTTL
	}
	return c.AccessTokenTTL
}

// New reads the configuration from the environment and validates it.
func New() (*Config, error) {
	c := &Config{}
	if err := envconfig.Process("", c); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return c, c.Validate()
}

// Validate checks adapter selection and the settings each adapter needs.
// For postgres it also resolves PostgresDSN.
func (c *Config) Validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid DB_ADAPTER: %s (want postgres, sqlite or memory)", c.DBAdapter)
	}

	switch c.KVAdapter {
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR must be set when KV_ADAPTER=redis")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid KV_ADAPTER: %s (want redis or memory)", c.KVAdapter)
	}

	if c.Production() {
		if c.JwtSecret == "" || c.JwtSecret == "change-me" {
			return errors.New("JWT_SECRET must be set in production")
		}
		if c.KVAdapter == "memory" {
			return errors.New("KV_ADAPTER=memory is single instance only and not allowed in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	if c.RateLimitDefault <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_DEFAULT and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}
