package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CONFIG_FILE", "AWS_REGION", "AWS_ENDPOINT_OVERRIDE", "STORE_BACKEND", "ORDERS_TABLE",
	"DATABASE_URL", "ORDERS_QUEUE_URL", "REDIS_URL", "JWT_SECRET", "JWT_ISSUER", "HTTP_ADDR",
	"IDEMPOTENCY_TABLE", "METRICS_NAMESPACE", "LOG_LEVEL", "RUN_LOCAL", "STRICT_TRANSITIONS",
	"CACHE_TTL", "IDEMPOTENCY_TTL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	// keep godotenv from picking up a developer's .env
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendDynamoDB, cfg.Store.Backend)
	assert.Equal(t, 48*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "FoodOrder/Orders", cfg.Metrics.Namespace)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.Orders.StrictTransitions)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: postgres
  database_url: postgres://file
cache:
  ttl: 1m
auth:
  jwt_secret: from-file
orders:
  strict_transitions: true
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("STORE_BACKEND", " Postgres ")
	t.Setenv("IDEMPOTENCY_TTL", "2h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://env", cfg.Store.DatabaseURL)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Orders.StrictTransitions)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("RUN_LOCAL", "maybe")
	_, err = Load("")
	assert.ErrorContains(t, err, "RUN_LOCAL")

	t.Setenv("RUN_LOCAL", "")
	t.Setenv("CACHE_TTL", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "CACHE_TTL")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "ORDERS_TABLE")
	assert.ErrorContains(t, err, "JWT_SECRET")

	cfg.Store.Backend = BackendMemory
	cfg.Auth.JWTSecret = "s"
	assert.NoError(t, cfg.Validate())

	cfg.Store.Backend = "mongo"
	assert.ErrorContains(t, cfg.Validate(), "mongo")

	cfg.Store.Backend = BackendMemory
	cfg.Orders.MaxPageSize = 5
	assert.Error(t, cfg.Validate())
}
