package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":8081", cfg.Dashboard.Addr)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "registrar:registrations", cfg.Queue.ChannelPrefix)
	assert.Equal(t, 4, cfg.Queue.Parallelism)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Queue.VisibilityTimeout())
	assert.Equal(t, 5*time.Second, cfg.Queue.BackoffBase())
	assert.Equal(t, 5*time.Minute, cfg.Queue.BackoffCap())
	assert.Equal(t, 15*time.Second, cfg.Chain.Timeout())
	assert.Equal(t, "@every 30s", cfg.Queue.SweepSpec)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registrar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
chain:
  gatewayUrl: https://gateway.internal:8545
queue:
  parallelism: 16
  maxAttempts: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "https://gateway.internal:8545", cfg.Chain.GatewayURL)
	assert.Equal(t, 16, cfg.Queue.Parallelism)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	// Untouched keys keep their defaults.
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 60, cfg.Queue.VisibilityTimeoutSecond)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registrar.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("REGISTRAR_LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
