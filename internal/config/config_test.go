package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 3, cfg.Engine.MaxAttemptsPerTransport)
	assert.True(t, cfg.Engine.EnableBreaker)
	assert.Equal(t, 1*time.Second, cfg.Backoff.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Backoff.MaxDelay)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 100, cfg.RateLimit.Capacity)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	require.Len(t, cfg.Transports, 2)
	assert.Equal(t, "primary", cfg.Transports[0].Name)
	assert.Equal(t, "fallback", cfg.Transports[1].Name)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.HTTPAddr, cfg.Server.HTTPAddr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  http_addr: ":9999"
engine:
  max_attempts_per_transport: 5
breaker:
  failure_threshold: 7
transports:
  - name: solo
    transient_rate: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Equal(t, 5, cfg.Engine.MaxAttemptsPerTransport)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	require.Len(t, cfg.Transports, 1)
	assert.Equal(t, "solo", cfg.Transports[0].Name)
	assert.Equal(t, 0.5, cfg.Transports[0].TransientRate)

	// Sections absent from the file keep their defaults
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \":9999\"\n"), 0o644))

	t.Setenv("COURIERQ_HTTP_ADDR", ":7777")
	t.Setenv("COURIERQ_BACKOFF_INITIAL", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.HTTPAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff.InitialDelay)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))

	cfg := LoadOrDefault(path)
	assert.Equal(t, Default().Server.HTTPAddr, cfg.Server.HTTPAddr)
}
