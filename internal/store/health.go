package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetmon/fleetmon/internal/models"
)

// InsertHealthCheck stores one aggregated health check result.
func (s *Store) InsertHealthCheck(ctx context.Context, check models.HealthCheck) error {
	checksJSON, err := json.Marshal(check.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal health check results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_checks (id, tenant_id, source_type, source_id, timestamp, overall_status, overall_score, checks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, check.ID, check.TenantID, string(check.SourceType), check.SourceID, check.Timestamp.Unix(),
		string(check.OverallStatus), check.OverallScore, string(checksJSON))
	if err != nil {
		return fmt.Errorf("failed to insert health check for %s: %w", check.SourceID, err)
	}
	return nil
}

// LatestHealthCheck returns the most recent health check for a source.
func (s *Store) LatestHealthCheck(ctx context.Context, tenantID, sourceID string) (models.HealthCheck, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, source_type, source_id, timestamp, overall_status, overall_score, checks
		FROM health_checks
		WHERE tenant_id = ? AND source_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, tenantID, sourceID)
	return scanHealthCheck(row)
}

// HealthHistory returns health checks for a source inside [start, end],
// oldest first, for trend queries.
func (s *Store) HealthHistory(ctx context.Context, tenantID, sourceID string, start, end time.Time) ([]models.HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source_type, source_id, timestamp, overall_status, overall_score, checks
		FROM health_checks
		WHERE tenant_id = ? AND source_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, tenantID, sourceID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query health history for %s: %w", sourceID, err)
	}
	defer rows.Close()

	var checks []models.HealthCheck
	for rows.Next() {
		check, err := scanHealthCheck(rows)
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

func scanHealthCheck(row rowScanner) (models.HealthCheck, error) {
	var check models.HealthCheck
	var sourceType, status, checksJSON string
	var ts int64
	if err := row.Scan(&check.ID, &check.TenantID, &sourceType, &check.SourceID, &ts, &status, &check.OverallScore, &checksJSON); err != nil {
		if err == sql.ErrNoRows {
			return models.HealthCheck{}, err
		}
		return models.HealthCheck{}, fmt.Errorf("failed to scan health check row: %w", err)
	}
	check.SourceType = models.SourceType(sourceType)
	check.OverallStatus = models.HealthStatus(status)
	check.Timestamp = time.Unix(ts, 0).UTC()
	if err := json.Unmarshal([]byte(checksJSON), &check.Checks); err != nil {
		return models.HealthCheck{}, fmt.Errorf("failed to unmarshal health check results: %w", err)
	}
	return check, nil
}
