package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("DB_ADAPTER", "sqlite")
	c, err := New()
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "redis", c.KVAdapter)
	assert.Equal(t, 15*time.Minute, c.AccessTokenTTL)
	assert.Equal(t, 720*time.Hour, c.RefreshTokenTTL)
	assert.Equal(t, 250*time.Millisecond, c.StoreTimeout)
	assert.Equal(t, 5*time.Minute, c.IdempotencyTTL)
	assert.Equal(t, 168*time.Hour, c.ForceLogoutTTL)
	assert.Equal(t, 15*time.Minute, c.CacheTTL())
	assert.Equal(t, []string{"*"}, c.CORSOrigins)
	assert.Equal(t, "change-me:refresh", c.RefreshSecret())
	assert.NotEqual(t, c.JwtSecret, c.FingerprintSecret())
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{PostgresHost: "db", PostgresUser: "u", PostgresDB: "d", PostgresPassword: "p"}
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=u dbname=d sslmode=disable password=p", dsn)

	c = &Config{PostgresDSN: "postgres://x"}
	dsn, err = c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)

	_, err = (&Config{PostgresUser: "u", PostgresDB: "d"}).BuildPostgresDSN()
	assert.Error(t, err)
}

func TestPostgresDSNResolvedOnLoad(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "pg")
	c, err := New()
	require.NoError(t, err)
	assert.Contains(t, c.PostgresDSN, "host=pg")
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENV", "production")
	_, err := New()
	require.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KV_ADAPTER", "memory")
	_, err = New()
	require.ErrorContains(t, err, "KV_ADAPTER")

	t.Setenv("KV_ADAPTER", "redis")
	_, err = New()
	require.NoError(t, err)
}

func TestInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"adapter": {"DB_ADAPTER": "mongo"},
		"kv":      {"DB_ADAPTER": "memory", "KV_ADAPTER": "memcached"},
		"port":    {"DB_ADAPTER": "memory", "PORT": "eighty"},
		"ttls":    {"DB_ADAPTER": "memory", "ACCESS_TOKEN_TTL": "48h", "REFRESH_TOKEN_TTL": "24h"},
		"parse":   {"DB_ADAPTER": "memory", "STORE_TIMEOUT": "soon"},
	}
	for name, env := range cases {
		env := env
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := New()
			assert.Error(t, err)
		})
	}
}
