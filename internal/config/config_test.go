package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 10, cfg.Scheduler.DiscoveryEvery)
	assert.Equal(t, int64(10), cfg.Sync.Window)
	assert.Equal(t, 600, cfg.Cleaner.KeepIterations)
	assert.Equal(t, "price:SOL:USD", cfg.Redis.Key)
	assert.False(t, cfg.Cleaner.DryRun)
}

func TestLoad_EnvOverridesNestedKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TOKENWATCH_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("TOKENWATCH_SCHEDULER_INTERVAL", "750ms")
	t.Setenv("TOKENWATCH_INGESTER_CONCURRENCY", "9")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN)
	assert.Equal(t, 750*time.Millisecond, cfg.Scheduler.Interval)
	assert.Equal(t, 9, cfg.Ingester.Concurrency)
}

func TestLoad_FileAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log-level: debug
postgres:
  dsn: postgres://file/db
cleaner:
  max-loops: 3
`), 0o600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("postgres-dsn", "", "")
	flags.Bool("dry-run", false, "")
	require.NoError(t, flags.Parse([]string{"--postgres-dsn=postgres://flag/db", "--dry-run"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Cleaner.MaxLoops)
	assert.Equal(t, "postgres://flag/db", cfg.Postgres.DSN)
	assert.True(t, cfg.Cleaner.DryRun)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TOKENWATCH_LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("TOKENWATCH_REDIS_ADDR") })

	env := "TOKENWATCH_REDIS_ADDR=cache:6379\nTOKENWATCH_LOG_LEVEL=debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, DotEnvFile), []byte(env), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.LogLevel, "real environment wins over .env")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Error(t, cfg.Validate(), "dsn missing")

	cfg.Postgres.DSN = "postgres://x"
	assert.NoError(t, cfg.Validate())

	cfg.Scheduler.TradesEvery = 0
	assert.Error(t, cfg.Validate())
}
