package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetmon/fleetmon/internal/errors"
	"github.com/fleetmon/fleetmon/internal/models"
)

// UpsertSource inserts or replaces a source record.
func (s *Store) UpsertSource(ctx context.Context, src models.Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, tenant_id, source_type, name, address, reachable, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			source_type = excluded.source_type,
			name = excluded.name,
			address = excluded.address,
			reachable = excluded.reachable,
			last_seen = excluded.last_seen
	`, src.ID, src.TenantID, string(src.Type), src.Name, src.Address, boolToInt(src.Reachable), src.LastSeen.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert source %s: %w", src.ID, err)
	}
	return nil
}

// GetSource looks up one source by tenant and id.
func (s *Store) GetSource(ctx context.Context, tenantID, sourceID string) (models.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, source_type, name, address, reachable, last_seen
		FROM sources
		WHERE tenant_id = ? AND id = ?
	`, tenantID, sourceID)

	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return models.Source{}, fmt.Errorf("source %s/%s: %w", tenantID, sourceID, errors.ErrSourceNotFound)
	}
	if err != nil {
		return models.Source{}, fmt.Errorf("failed to get source %s: %w", sourceID, err)
	}
	return src, nil
}

// ListSources returns every known source across all tenants.
func (s *Store) ListSources(ctx context.Context) ([]models.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source_type, name, address, reachable, last_seen
		FROM sources
		ORDER BY tenant_id, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// SetSourceReachable updates the reachability attribute of a source.
func (s *Store) SetSourceReachable(ctx context.Context, tenantID, sourceID string, reachable bool, seen time.Time) error {
	query := `UPDATE sources SET reachable = ? WHERE tenant_id = ? AND id = ?`
	args := []any{boolToInt(reachable), tenantID, sourceID}
	if reachable {
		query = `UPDATE sources SET reachable = 1, last_seen = ? WHERE tenant_id = ? AND id = ?`
		args = []any{seen.Unix(), tenantID, sourceID}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update reachability for %s: %w", sourceID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (models.Source, error) {
	var src models.Source
	var sourceType string
	var reachable int
	var lastSeen int64
	if err := row.Scan(&src.ID, &src.TenantID, &sourceType, &src.Name, &src.Address, &reachable, &lastSeen); err != nil {
		return models.Source{}, err
	}
	src.Type = models.SourceType(sourceType)
	src.Reachable = reachable != 0
	src.LastSeen = time.Unix(lastSeen, 0).UTC()
	return src, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
