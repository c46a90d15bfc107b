package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "arena.db", cfg.Database.Path)
	assert.Equal(t, 1, cfg.Jobs.MaxPerUser)
	assert.Equal(t, 2*time.Hour, cfg.Jobs.DefaultTimeout)
	assert.Equal(t, time.Minute, cfg.Jobs.WatchdogInterval)
	assert.Equal(t, 5, cfg.WebSocket.MaxPerUser)
	assert.Equal(t, 90*time.Second, cfg.WebSocket.IdleTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Providers.RequestTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ARENA_PORT", "9090")
	t.Setenv("ARENA_ENV", "production")
	t.Setenv("ARENA_DB_PATH", "/tmp/test-arena.db")
	t.Setenv("ARENA_MAX_JOBS_PER_USER", "3")
	t.Setenv("ARENA_JOB_TIMEOUT", "45m")
	t.Setenv("ARENA_WS_MAX_PER_USER", "10")
	t.Setenv("ARENA_WS_IDLE_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, "/tmp/test-arena.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Jobs.MaxPerUser)
	assert.Equal(t, 45*time.Minute, cfg.Jobs.DefaultTimeout)
	assert.Equal(t, 10, cfg.WebSocket.MaxPerUser)
	assert.Equal(t, 2*time.Minute, cfg.WebSocket.IdleTimeout)
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("ARENA_PORT", "not-a-number")
	t.Setenv("ARENA_JOB_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.Jobs.DefaultTimeout)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("ARENA_PORT", "70000")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("ARENA_PORT", "8080")
	t.Setenv("ARENA_MAX_JOBS_PER_USER", "0")
	_, err = Load()
	assert.Error(t, err)
}
