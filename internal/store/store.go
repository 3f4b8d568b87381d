// Package store provides persistent storage for sources, metrics snapshots,
// health checks, alert rules and alerts using SQLite for durability across
// restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database backing the monitor daemon.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL mode for better concurrent access; SQLite works best with a
	// single writer connection.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Store initialized")
	return s, nil
}

// NewInMemory opens an in-memory database, used by tests.
func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sources (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			reachable INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			cpu_usage_percent REAL NOT NULL,
			memory_usage_percent REAL NOT NULL,
			memory_used_bytes INTEGER NOT NULL,
			memory_total_bytes INTEGER NOT NULL,
			disk_usage_percent REAL NOT NULL,
			disk_used_bytes INTEGER NOT NULL,
			disk_total_bytes INTEGER NOT NULL,
			network_rx_bytes INTEGER NOT NULL,
			network_tx_bytes INTEGER NOT NULL,
			uptime_seconds INTEGER NOT NULL,
			load_average REAL,
			temperature REAL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_lookup
		ON snapshots(tenant_id, source_id, timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_snapshots_time
		ON snapshots(timestamp);

		CREATE TABLE IF NOT EXISTS health_checks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			overall_status TEXT NOT NULL,
			overall_score REAL NOT NULL,
			checks TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_health_lookup
		ON health_checks(tenant_id, source_id, timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_health_time
		ON health_checks(timestamp);

		CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			source_type TEXT NOT NULL DEFAULT '',
			source_id TEXT NOT NULL DEFAULT '',
			metric_name TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold REAL NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			severity TEXT NOT NULL,
			channels TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rules_tenant
		ON alert_rules(tenant_id);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			rule_name TEXT NOT NULL DEFAULT '',
			source_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL,
			threshold REAL NOT NULL,
			triggered_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			resolved_at INTEGER
		);

		-- The dedup invariant: at most one open alert per (rule, source).
		-- Enforced here so a second engine instance cannot violate it.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open
		ON alerts(rule_id, source_id)
		WHERE status IN ('active', 'acknowledged');

		CREATE INDEX IF NOT EXISTS idx_alerts_tenant_time
		ON alerts(tenant_id, triggered_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug().Msg("Store schema initialized")
	return nil
}

// PruneBefore deletes snapshots and health checks older than cutoff, and
// resolved alerts whose resolution predates cutoff. Open alerts are never
// pruned.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) error {
	ts := cutoff.Unix()

	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE timestamp < ?`, ts)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	snapshots, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM health_checks WHERE timestamp < ?`, ts)
	if err != nil {
		return fmt.Errorf("failed to prune health checks: %w", err)
	}
	healthChecks, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM alerts WHERE status = 'resolved' AND resolved_at < ?`, ts)
	if err != nil {
		return fmt.Errorf("failed to prune resolved alerts: %w", err)
	}
	alerts, _ := res.RowsAffected()

	if snapshots > 0 || healthChecks > 0 || alerts > 0 {
		log.Info().
			Int64("snapshots", snapshots).
			Int64("healthChecks", healthChecks).
			Int64("alerts", alerts).
			Time("cutoff", cutoff).
			Msg("Pruned retained history")
	}
	return nil
}
