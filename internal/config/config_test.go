package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BOOKWISE_TEST_REDIS_PASSWORD", "s3cret")
	path := writeFile(t, dir, "config.yaml", `
server:
  port: 9090
  api_keys: ["k1", "k2"]
database:
  dsn: `+filepath.Join(dir, "data", "bookwise.db")+`
redis:
  address: localhost:6379
  password: ${BOOKWISE_TEST_REDIS_PASSWORD}
availability:
  granularity_minutes: 15
  min_advance_minutes: 45
  timezone: Europe/Berlin
locks:
  ttl_seconds: 10
  retry:
    max_attempts: 5
    base_delay_ms: 50
timeouts:
  read_ms: 1000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ServerPort())
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "s3cret", cfg.Redis.Password)
	assert.DirExists(t, filepath.Join(dir, "data"))

	assert.Equal(t, 15, cfg.Granularity())
	assert.Equal(t, 45*time.Minute, cfg.MinAdvance())
	assert.Equal(t, 10*time.Second, cfg.LockTTL())

	retry := cfg.LockRetry()
	assert.Equal(t, 5, retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, retry.BaseDelay)
	assert.Equal(t, 2.0, retry.Multiplier)

	timeouts := cfg.StoreTimeouts()
	assert.Equal(t, time.Second, timeouts.Read)
	assert.Equal(t, 8*time.Second, timeouts.Write)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}

	assert.Equal(t, 8080, cfg.ServerPort())
	assert.Equal(t, 30, cfg.Granularity())
	assert.Equal(t, 60*time.Second, cfg.CacheTTL())
	assert.Zero(t, cfg.MinAdvance())
	assert.Equal(t, 30*time.Second, cfg.LockTTL())
	assert.Equal(t, "configs/shops.yaml", cfg.ShopsPath())
	assert.Equal(t, 30*time.Second, cfg.ShopsWatchInterval())
	assert.False(t, cfg.KafkaEnabled())

	open, closeAt := cfg.DefaultHours()
	assert.Equal(t, "08:00", open)
	assert.Equal(t, "18:00", closeAt)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	cfg.Kafka.Brokers = "k1:9092"
	cfg.Kafka.Topic = "appointments"
	assert.True(t, cfg.KafkaEnabled())
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.yaml", "server: [")
	_, err = Load(bad)
	assert.Error(t, err)

	tz := writeFile(t, dir, "tz.yaml", "database:\n  driver: pgx\n  dsn: postgres://x\navailability:\n  timezone: Mars/Olympus\n")
	_, err = Load(tz)
	assert.ErrorContains(t, err, "timezone")
}

func TestPathAndDotEnv(t *testing.T) {
	t.Setenv(PathEnv, "")
	assert.Equal(t, "configs/config.yaml", Path())
	t.Setenv(PathEnv, "/etc/bookwise.yaml")
	assert.Equal(t, "/etc/bookwise.yaml", Path())

	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "BOOKWISE_TEST_DOTENV=loaded\n")
	t.Setenv("BOOKWISE_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("BOOKWISE_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env"), env))
	assert.Equal(t, "loaded", os.Getenv("BOOKWISE_TEST_DOTENV"))
}
