package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetmon/fleetmon/internal/models"
)

// ErrDuplicateOpenAlert is returned by CreateAlert when an open alert
// already exists for the same (rule, source) pair. The partial unique index
// enforces this even across processes.
var ErrDuplicateOpenAlert = stderrors.New("open alert already exists for rule/source")

// CreateAlert persists a newly triggered alert.
func (s *Store) CreateAlert(ctx context.Context, alert models.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, tenant_id, rule_id, rule_name, source_type, source_id,
			severity, status, message, metric_name, metric_value, threshold, triggered_at,
			acknowledged_at, acknowledged_by, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.TenantID, alert.RuleID, alert.RuleName, string(alert.SourceType), alert.SourceID,
		string(alert.Severity), string(alert.Status), alert.Message, alert.MetricName,
		alert.MetricValue, alert.Threshold, alert.TriggeredAt.Unix(),
		nullableTime(alert.AcknowledgedAt), alert.AcknowledgedBy, nullableTime(alert.ResolvedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("alert for rule %s source %s: %w", alert.RuleID, alert.SourceID, ErrDuplicateOpenAlert)
		}
		return fmt.Errorf("failed to create alert %s: %w", alert.ID, err)
	}
	return nil
}

// FindOpenAlert returns the active or acknowledged alert for a (rule,
// source) pair, or sql.ErrNoRows wrapped when none is open.
func (s *Store) FindOpenAlert(ctx context.Context, ruleID, sourceID string) (models.Alert, error) {
	row := s.db.QueryRowContext(ctx, selectAlert+`
		WHERE rule_id = ? AND source_id = ? AND status IN ('active', 'acknowledged')
	`, ruleID, sourceID)
	alert, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Alert{}, fmt.Errorf("no open alert for rule %s source %s: %w", ruleID, sourceID, err)
		}
		return models.Alert{}, fmt.Errorf("failed to find open alert: %w", err)
	}
	return alert, nil
}

// ListActiveAlerts returns every alert whose status is active, the set the
// auto-resolve sweep re-evaluates.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, selectAlert+` WHERE status = 'active' ORDER BY triggered_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// ListOpenAlerts returns active and acknowledged alerts for a tenant.
func (s *Store) ListOpenAlerts(ctx context.Context, tenantID string) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, selectAlert+`
		WHERE tenant_id = ? AND status IN ('active', 'acknowledged')
		ORDER BY triggered_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// AlertHistory returns a tenant's alerts triggered inside [start, end],
// newest first.
func (s *Store) AlertHistory(ctx context.Context, tenantID string, start, end time.Time) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, selectAlert+`
		WHERE tenant_id = ? AND triggered_at >= ? AND triggered_at <= ?
		ORDER BY triggered_at DESC
	`, tenantID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// ResolveAlert transitions an open alert to resolved. Resolving an already
// resolved alert is a no-op.
func (s *Store) ResolveAlert(ctx context.Context, alertID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status IN ('active', 'acknowledged')
	`, at.Unix(), alertID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", alertID, err)
	}
	return nil
}

// AcknowledgeAlert marks an active alert as acknowledged by an operator.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID, user string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'acknowledged', acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND status = 'active'
	`, at.Unix(), user, alertID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert %s: %w", alertID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s is not active", alertID)
	}
	return nil
}

const selectAlert = `
	SELECT id, tenant_id, rule_id, rule_name, source_type, source_id, severity, status,
		message, metric_name, metric_value, threshold, triggered_at,
		acknowledged_at, acknowledged_by, resolved_at
	FROM alerts`

func collectAlerts(rows *sql.Rows) ([]models.Alert, error) {
	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (models.Alert, error) {
	var alert models.Alert
	var sourceType, severity, status string
	var triggeredAt int64
	var ackAt, resolvedAt sql.NullInt64
	err := row.Scan(&alert.ID, &alert.TenantID, &alert.RuleID, &alert.RuleName, &sourceType,
		&alert.SourceID, &severity, &status, &alert.Message, &alert.MetricName,
		&alert.MetricValue, &alert.Threshold, &triggeredAt, &ackAt, &alert.AcknowledgedBy, &resolvedAt)
	if err != nil {
		return models.Alert{}, err
	}
	alert.SourceType = models.SourceType(sourceType)
	alert.Severity = models.Severity(severity)
	alert.Status = models.AlertStatus(status)
	alert.TriggeredAt = time.Unix(triggeredAt, 0).UTC()
	if ackAt.Valid {
		t := time.Unix(ackAt.Int64, 0).UTC()
		alert.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0).UTC()
		alert.ResolvedAt = &t
	}
	return alert, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
