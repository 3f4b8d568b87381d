// Package config loads daemon configuration from the environment and an
// optional .env file in the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all externally supplied settings for the monitor daemon.
type Config struct {
	DataPath string

	// Scheduler intervals. Alert sweep runs fastest, retention slowest.
	CollectionInterval  time.Duration
	HealthCheckInterval time.Duration
	AlertSweepInterval  time.Duration
	RetentionInterval   time.Duration
	RetentionDays       int

	// CollectTimeout bounds a single source's collection cycle.
	CollectTimeout time.Duration
	// MaxConcurrentCollections bounds the per-tick fan-out across sources.
	MaxConcurrentCollections int

	DockerHost          string
	DeviceAgentPort     int
	NotificationTimeout time.Duration

	MetricsListenAddr string

	LogLevel  string
	LogFormat string

	// EnvOverrides records which settings came from the environment so a
	// .env reload does not clobber them.
	EnvOverrides map[string]bool
}

// Defaults returns the built-in configuration before any environment
// overrides are applied.
func Defaults() *Config {
	return &Config{
		DataPath:                 "/var/lib/fleetmon",
		CollectionInterval:       30 * time.Second,
		HealthCheckInterval:      60 * time.Second,
		AlertSweepInterval:       15 * time.Second,
		RetentionInterval:        time.Hour,
		RetentionDays:            7,
		CollectTimeout:           10 * time.Second,
		MaxConcurrentCollections: 8,
		DeviceAgentPort:          9465,
		NotificationTimeout:      10 * time.Second,
		MetricsListenAddr:        "127.0.0.1:9466",
		LogLevel:                 "info",
		LogFormat:                "auto",
		EnvOverrides:             make(map[string]bool),
	}
}

// Load reads configuration from the environment, preferring an .env file in
// the data directory when one exists.
func Load() (*Config, error) {
	cfg := Defaults()

	if dir := os.Getenv("FLEETMON_DATA_DIR"); dir != "" {
		cfg.DataPath = dir
	}

	envFile := filepath.Join(cfg.DataPath, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	// Also try the current directory for development setups.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config, recording which
// keys were overridden.
func (c *Config) applyEnv() error {
	if err := c.setDuration("COLLECTION_INTERVAL", &c.CollectionInterval); err != nil {
		return err
	}
	if err := c.setDuration("HEALTH_CHECK_INTERVAL", &c.HealthCheckInterval); err != nil {
		return err
	}
	if err := c.setDuration("ALERT_SWEEP_INTERVAL", &c.AlertSweepInterval); err != nil {
		return err
	}
	if err := c.setDuration("RETENTION_INTERVAL", &c.RetentionInterval); err != nil {
		return err
	}
	if err := c.setDuration("COLLECT_TIMEOUT", &c.CollectTimeout); err != nil {
		return err
	}
	if err := c.setDuration("NOTIFICATION_TIMEOUT", &c.NotificationTimeout); err != nil {
		return err
	}
	if err := c.setInt("RETENTION_DAYS", &c.RetentionDays); err != nil {
		return err
	}
	if err := c.setInt("MAX_CONCURRENT_COLLECTIONS", &c.MaxConcurrentCollections); err != nil {
		return err
	}
	if err := c.setInt("DEVICE_AGENT_PORT", &c.DeviceAgentPort); err != nil {
		return err
	}
	c.setString("DOCKER_HOST", &c.DockerHost)
	c.setString("METRICS_LISTEN_ADDR", &c.MetricsListenAddr)
	c.setString("LOG_LEVEL", &c.LogLevel)
	c.setString("LOG_FORMAT", &c.LogFormat)
	return c.validate()
}

func (c *Config) validate() error {
	if c.RetentionDays < 1 {
		return fmt.Errorf("config: RETENTION_DAYS must be at least 1, got %d", c.RetentionDays)
	}
	if c.MaxConcurrentCollections < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_COLLECTIONS must be at least 1, got %d", c.MaxConcurrentCollections)
	}
	for name, d := range map[string]time.Duration{
		"COLLECTION_INTERVAL":   c.CollectionInterval,
		"HEALTH_CHECK_INTERVAL": c.HealthCheckInterval,
		"ALERT_SWEEP_INTERVAL":  c.AlertSweepInterval,
		"RETENTION_INTERVAL":    c.RetentionInterval,
		"COLLECT_TIMEOUT":       c.CollectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	return nil
}

func (c *Config) setDuration(key string, dst *time.Duration) error {
	raw := os.Getenv("FLEETMON_" + key)
	if raw == "" {
		return nil
	}
	// Accept both bare seconds and Go duration syntax.
	if secs, err := strconv.Atoi(raw); err == nil {
		*dst = time.Duration(secs) * time.Second
		c.EnvOverrides[key] = true
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid FLEETMON_%s %q: %w", key, raw, err)
	}
	*dst = d
	c.EnvOverrides[key] = true
	return nil
}

func (c *Config) setInt(key string, dst *int) error {
	raw := os.Getenv("FLEETMON_" + key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: invalid FLEETMON_%s %q: %w", key, raw, err)
	}
	*dst = v
	c.EnvOverrides[key] = true
	return nil
}

func (c *Config) setString(key string, dst *string) {
	if raw := os.Getenv("FLEETMON_" + key); raw != "" {
		*dst = raw
		c.EnvOverrides[key] = true
	}
}
