package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Discovery.LeaseTTL)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capmesh.yaml")
	data := []byte(`
node:
  id: agent-7
  type: FUNCTION
redis:
  addr: redis.internal:6380
discovery:
  lease_ttl: 1m
  heartbeat_interval: 20s
log:
  level: debug
  format: console
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", cfg.Node.ID)
	assert.Equal(t, "FUNCTION", cfg.Node.Type)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, time.Minute, cfg.Discovery.LeaseTTL)
	assert.Equal(t, 20*time.Second, cfg.Discovery.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Invoke.DefaultTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CAPMESH_REDIS_ADDR", "env.redis:6379")
	t.Setenv("CAPMESH_DISCOVERY_LEASE_TTL", "45s")
	t.Setenv("CAPMESH_CLASSIFY_ORACLE_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Discovery.LeaseTTL)
	assert.True(t, cfg.Classify.OracleEnabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cfg := Default()
	cfg.Node.Type = "ROUTER"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Discovery.HeartbeatInterval = cfg.Discovery.LeaseTTL
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Invoke.DefaultTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestBuildLogger(t *testing.T) {
	logger, err := BuildLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = BuildLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}
