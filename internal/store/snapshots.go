package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetmon/fleetmon/internal/models"
)

// InsertSnapshot stores one immutable metrics snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.MetricsSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			id, tenant_id, source_type, source_id, timestamp,
			cpu_usage_percent, memory_usage_percent, memory_used_bytes, memory_total_bytes,
			disk_usage_percent, disk_used_bytes, disk_total_bytes,
			network_rx_bytes, network_tx_bytes, uptime_seconds,
			load_average, temperature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.ID, snap.TenantID, string(snap.SourceType), snap.SourceID, snap.Timestamp.Unix(),
		snap.CPUUsagePercent, snap.MemoryUsagePercent, snap.MemoryUsedBytes, snap.MemoryTotalBytes,
		snap.DiskUsagePercent, snap.DiskUsedBytes, snap.DiskTotalBytes,
		snap.NetworkRxBytes, snap.NetworkTxBytes, snap.UptimeSeconds,
		nullableFloat(snap.LoadAverage), nullableFloat(snap.Temperature),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot for %s: %w", snap.SourceID, err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for a source, or
// sql.ErrNoRows wrapped when none exists yet.
func (s *Store) LatestSnapshot(ctx context.Context, tenantID, sourceID string) (models.MetricsSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, source_type, source_id, timestamp,
			cpu_usage_percent, memory_usage_percent, memory_used_bytes, memory_total_bytes,
			disk_usage_percent, disk_used_bytes, disk_total_bytes,
			network_rx_bytes, network_tx_bytes, uptime_seconds,
			load_average, temperature
		FROM snapshots
		WHERE tenant_id = ? AND source_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, tenantID, sourceID)

	snap, err := scanSnapshot(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.MetricsSnapshot{}, fmt.Errorf("no snapshot for source %s: %w", sourceID, err)
		}
		return models.MetricsSnapshot{}, fmt.Errorf("failed to query latest snapshot for %s: %w", sourceID, err)
	}
	return snap, nil
}

// SnapshotsInRange returns snapshots for a source inside [start, end],
// oldest first. Used by dashboard range queries.
func (s *Store) SnapshotsInRange(ctx context.Context, tenantID, sourceID string, start, end time.Time) ([]models.MetricsSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source_type, source_id, timestamp,
			cpu_usage_percent, memory_usage_percent, memory_used_bytes, memory_total_bytes,
			disk_usage_percent, disk_used_bytes, disk_total_bytes,
			network_rx_bytes, network_tx_bytes, uptime_seconds,
			load_average, temperature
		FROM snapshots
		WHERE tenant_id = ? AND source_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, tenantID, sourceID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for %s: %w", sourceID, err)
	}
	defer rows.Close()

	var snaps []models.MetricsSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanSnapshot(row rowScanner) (models.MetricsSnapshot, error) {
	var snap models.MetricsSnapshot
	var sourceType string
	var ts int64
	var loadAvg, temp sql.NullFloat64
	err := row.Scan(
		&snap.ID, &snap.TenantID, &sourceType, &snap.SourceID, &ts,
		&snap.CPUUsagePercent, &snap.MemoryUsagePercent, &snap.MemoryUsedBytes, &snap.MemoryTotalBytes,
		&snap.DiskUsagePercent, &snap.DiskUsedBytes, &snap.DiskTotalBytes,
		&snap.NetworkRxBytes, &snap.NetworkTxBytes, &snap.UptimeSeconds,
		&loadAvg, &temp,
	)
	if err != nil {
		return models.MetricsSnapshot{}, err
	}
	snap.SourceType = models.SourceType(sourceType)
	snap.Timestamp = time.Unix(ts, 0).UTC()
	if loadAvg.Valid {
		v := loadAvg.Float64
		snap.LoadAverage = &v
	}
	if temp.Valid {
		v := temp.Float64
		snap.Temperature = &v
	}
	return snap, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
