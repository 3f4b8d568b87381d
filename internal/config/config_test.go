package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 30*time.Second, cfg.CollectionInterval)
	assert.Equal(t, 60*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 15*time.Second, cfg.AlertSweepInterval)
	assert.Equal(t, time.Hour, cfg.RetentionInterval)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 8, cfg.MaxConcurrentCollections)
	assert.Equal(t, 9465, cfg.DeviceAgentPort)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NoError(t, cfg.validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEETMON_DATA_DIR", t.TempDir())
	t.Setenv("FLEETMON_COLLECTION_INTERVAL", "10")
	t.Setenv("FLEETMON_HEALTH_CHECK_INTERVAL", "2m")
	t.Setenv("FLEETMON_RETENTION_DAYS", "30")
	t.Setenv("FLEETMON_LOG_LEVEL", "debug")
	t.Setenv("FLEETMON_DOCKER_HOST", "tcp://127.0.0.1:2375")

	cfg, err := Load()
	require.NoError(t, err)

	// Bare integers are seconds; Go duration syntax also works.
	assert.Equal(t, 10*time.Second, cfg.CollectionInterval)
	assert.Equal(t, 2*time.Minute, cfg.HealthCheckInterval)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "tcp://127.0.0.1:2375", cfg.DockerHost)

	assert.True(t, cfg.EnvOverrides["COLLECTION_INTERVAL"])
	assert.True(t, cfg.EnvOverrides["LOG_LEVEL"])
	assert.False(t, cfg.EnvOverrides["ALERT_SWEEP_INTERVAL"])
}

func TestLoadReadsEnvFileFromDataDir(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FLEETMON_RETENTION_DAYS=14\n"), 0o600))
	t.Setenv("FLEETMON_DATA_DIR", dir)
	// godotenv writes into the process environment; undo it for later tests.
	t.Cleanup(func() { os.Unsetenv("FLEETMON_RETENTION_DAYS") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataPath)
	assert.Equal(t, 14, cfg.RetentionDays)
}

func TestProcessEnvironmentBeatsEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FLEETMON_RETENTION_DAYS=14\n"), 0o600))
	t.Setenv("FLEETMON_DATA_DIR", dir)
	t.Setenv("FLEETMON_RETENTION_DAYS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.RetentionDays)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("FLEETMON_DATA_DIR", t.TempDir())

	t.Run("unparseable duration", func(t *testing.T) {
		t.Setenv("FLEETMON_COLLECTION_INTERVAL", "soon")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("unparseable int", func(t *testing.T) {
		t.Setenv("FLEETMON_RETENTION_DAYS", "a week")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("zero retention", func(t *testing.T) {
		t.Setenv("FLEETMON_RETENTION_DAYS", "0")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("negative interval", func(t *testing.T) {
		t.Setenv("FLEETMON_COLLECTION_INTERVAL", "-5s")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("zero concurrency", func(t *testing.T) {
		t.Setenv("FLEETMON_MAX_CONCURRENT_COLLECTIONS", "0")
		_, err := Load()
		require.Error(t, err)
	})
}
