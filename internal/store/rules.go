package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetmon/fleetmon/internal/errors"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/google/uuid"
)

// CreateRule validates and persists a new alert rule. A missing ID is
// assigned; timestamps are set to now.
func (s *Store) CreateRule(ctx context.Context, rule models.AlertRule) (models.AlertRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Second)
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := rule.Validate(); err != nil {
		return models.AlertRule{}, fmt.Errorf("%w: %w", errors.ErrInvalidInput, err)
	}

	channels, err := json.Marshal(rule.Channels)
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("failed to marshal channels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, tenant_id, name, source_type, source_id, metric_name, operator,
			threshold, duration_seconds, severity, channels, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.TenantID, rule.Name, string(rule.SourceType), rule.SourceID,
		rule.Condition.MetricName, string(rule.Condition.Operator), rule.Condition.Threshold,
		rule.Condition.DurationSeconds, string(rule.Severity), string(channels),
		boolToInt(rule.Enabled), rule.CreatedAt.Unix(), rule.UpdatedAt.Unix())
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("failed to create rule %s: %w", rule.ID, err)
	}
	return rule, nil
}

// UpdateRule replaces a rule's mutable fields, bumping updated_at.
func (s *Store) UpdateRule(ctx context.Context, rule models.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrInvalidInput, err)
	}
	channels, err := json.Marshal(rule.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET name = ?, source_type = ?, source_id = ?, metric_name = ?,
			operator = ?, threshold = ?, duration_seconds = ?, severity = ?, channels = ?,
			enabled = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`, rule.Name, string(rule.SourceType), rule.SourceID, rule.Condition.MetricName,
		string(rule.Condition.Operator), rule.Condition.Threshold, rule.Condition.DurationSeconds,
		string(rule.Severity), string(channels), boolToInt(rule.Enabled),
		time.Now().Unix(), rule.ID, rule.TenantID)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: no such rule for tenant %s", rule.ID, rule.TenantID)
	}
	return nil
}

// DeleteRule removes a rule. Alerts previously raised by it are kept.
func (s *Store) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ? AND tenant_id = ?`, ruleID, tenantID); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}
	return nil
}

// GetRule returns one rule by tenant and id.
func (s *Store) GetRule(ctx context.Context, tenantID, ruleID string) (models.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, selectRule+` WHERE id = ? AND tenant_id = ?`, ruleID, tenantID)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return models.AlertRule{}, fmt.Errorf("rule %s not found for tenant %s", ruleID, tenantID)
	}
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("failed to get rule %s: %w", ruleID, err)
	}
	return rule, nil
}

// ListRules returns every rule owned by a tenant.
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, selectRule+` WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrRuleStoreUnavailable, err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListEnabledRules returns every enabled rule across all tenants, the set
// the alert engine evaluates each cycle. A failure here is reported as
// ErrRuleStoreUnavailable so the engine aborts the cycle cleanly.
func (s *Store) ListEnabledRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, selectRule+` WHERE enabled = 1 ORDER BY tenant_id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrRuleStoreUnavailable, err)
	}
	defer rows.Close()
	return collectRules(rows)
}

const selectRule = `
	SELECT id, tenant_id, name, source_type, source_id, metric_name, operator,
		threshold, duration_seconds, severity, channels, enabled, created_at, updated_at
	FROM alert_rules`

func collectRules(rows *sql.Rows) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (models.AlertRule, error) {
	var rule models.AlertRule
	var sourceType, operator, severity, channels string
	var enabled int
	var createdAt, updatedAt int64
	err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &sourceType, &rule.SourceID,
		&rule.Condition.MetricName, &operator, &rule.Condition.Threshold,
		&rule.Condition.DurationSeconds, &severity, &channels, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return models.AlertRule{}, err
	}
	rule.SourceType = models.SourceType(sourceType)
	rule.Condition.Operator = models.Operator(operator)
	rule.Severity = models.Severity(severity)
	rule.Enabled = enabled != 0
	rule.CreatedAt = time.Unix(createdAt, 0).UTC()
	rule.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := json.Unmarshal([]byte(channels), &rule.Channels); err != nil {
		return models.AlertRule{}, fmt.Errorf("failed to unmarshal channels for rule %s: %w", rule.ID, err)
	}
	return rule, nil
}
