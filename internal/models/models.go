// Package models defines the shared data types for sources, metrics
// snapshots, health checks, alert rules and alerts.
package models

import (
	"fmt"
	"time"
)

// SourceType identifies what kind of workload a source is.
type SourceType string

const (
	SourceTypeContainer SourceType = "container"
	SourceTypeDevice    SourceType = "device"
)

// Source is a monitored workload: a container managed by the local runtime
// or a remote edge device running the fleetmon agent.
type Source struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenantId"`
	Type     SourceType `json:"type"`
	Name     string     `json:"name"`
	// Address is the device agent endpoint (host:port). Empty for containers.
	Address   string    `json:"address,omitempty"`
	Reachable bool      `json:"reachable"`
	LastSeen  time.Time `json:"lastSeen"`
}

// MetricsSnapshot is one point-in-time resource reading for a source.
// Snapshots are immutable once stored and pruned after the retention window.
type MetricsSnapshot struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenantId"`
	SourceType         SourceType `json:"sourceType"`
	SourceID           string     `json:"sourceId"`
	Timestamp          time.Time  `json:"timestamp"`
	CPUUsagePercent    float64    `json:"cpuUsagePercent"`
	MemoryUsagePercent float64    `json:"memoryUsagePercent"`
	MemoryUsedBytes    int64      `json:"memoryUsedBytes"`
	MemoryTotalBytes   int64      `json:"memoryTotalBytes"`
	DiskUsagePercent   float64    `json:"diskUsagePercent"`
	DiskUsedBytes      int64      `json:"diskUsedBytes"`
	DiskTotalBytes     int64      `json:"diskTotalBytes"`
	NetworkRxBytes     int64      `json:"networkRxBytes"`
	NetworkTxBytes     int64      `json:"networkTxBytes"`
	UptimeSeconds      int64      `json:"uptimeSeconds"`
	LoadAverage        *float64   `json:"loadAverage,omitempty"`
	Temperature        *float64   `json:"temperature,omitempty"`
}

// Metric retrieves a named numeric field from the snapshot. The second
// return value reports whether the metric exists for this snapshot; optional
// metrics that were not reported are absent, not zero.
func (s *MetricsSnapshot) Metric(name string) (float64, bool) {
	switch name {
	case "cpu_usage_percent":
		return s.CPUUsagePercent, true
	case "memory_usage_percent":
		return s.MemoryUsagePercent, true
	case "memory_used_bytes":
		return float64(s.MemoryUsedBytes), true
	case "memory_total_bytes":
		return float64(s.MemoryTotalBytes), true
	case "disk_usage_percent":
		return s.DiskUsagePercent, true
	case "disk_used_bytes":
		return float64(s.DiskUsedBytes), true
	case "disk_total_bytes":
		return float64(s.DiskTotalBytes), true
	case "network_rx_bytes":
		return float64(s.NetworkRxBytes), true
	case "network_tx_bytes":
		return float64(s.NetworkTxBytes), true
	case "uptime_seconds":
		return float64(s.UptimeSeconds), true
	case "load_average":
		if s.LoadAverage == nil {
			return 0, false
		}
		return *s.LoadAverage, true
	case "temperature":
		if s.Temperature == nil {
			return 0, false
		}
		return *s.Temperature, true
	default:
		return 0, false
	}
}

// HealthStatus is the verdict of a single check or of a whole health check.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// rank orders statuses from best to worst for aggregation.
func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnknown:
		return 2
	case HealthStatusUnhealthy:
		return 3
	default:
		return 2
	}
}

// Worse reports whether s is a worse verdict than other.
func (s HealthStatus) Worse(other HealthStatus) bool {
	return s.rank() > other.rank()
}

// Score maps a status to its numeric contribution to the overall score.
func (s HealthStatus) Score() float64 {
	switch s {
	case HealthStatusHealthy:
		return 100
	case HealthStatusDegraded:
		return 50
	default:
		return 0
	}
}

// HealthCheckResult is the outcome of one named check within a HealthCheck.
type HealthCheckResult struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
	Value     *float64     `json:"value,omitempty"`
	Threshold *float64     `json:"threshold,omitempty"`
}

// HealthCheck aggregates the check battery run against one snapshot.
type HealthCheck struct {
	ID            string              `json:"id"`
	TenantID      string              `json:"tenantId"`
	SourceType    SourceType          `json:"sourceType"`
	SourceID      string              `json:"sourceId"`
	Timestamp     time.Time           `json:"timestamp"`
	OverallStatus HealthStatus        `json:"overallStatus"`
	OverallScore  float64             `json:"overallScore"`
	Checks        []HealthCheckResult `json:"checks"`
}

// Operator is the comparison used by an alert rule condition.
type Operator string

const (
	OperatorGT Operator = ">"
	OperatorGE Operator = ">="
	OperatorLT Operator = "<"
	OperatorLE Operator = "<="
	OperatorEQ Operator = "="
	OperatorNE Operator = "!="
)

// Compare applies the operator to value against threshold.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OperatorGT:
		return value > threshold
	case OperatorGE:
		return value >= threshold
	case OperatorLT:
		return value < threshold
	case OperatorLE:
		return value <= threshold
	case OperatorEQ:
		return value == threshold
	case OperatorNE:
		return value != threshold
	default:
		return false
	}
}

// Validate reports whether the operator is one of the supported comparisons.
func (o Operator) Validate() error {
	switch o {
	case OperatorGT, OperatorGE, OperatorLT, OperatorLE, OperatorEQ, OperatorNE:
		return nil
	}
	return fmt.Errorf("unsupported operator %q", string(o))
}

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Validate reports whether the severity is one of the known levels.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical, SeverityEmergency:
		return nil
	}
	return fmt.Errorf("unsupported severity %q", string(s))
}

// AlertCondition is the single threshold condition of a rule.
type AlertCondition struct {
	MetricName string   `json:"metricName"`
	Operator   Operator `json:"operator"`
	Threshold  float64  `json:"threshold"`
	// DurationSeconds, when > 0, requires the condition to hold continuously
	// for at least this long before the rule fires.
	DurationSeconds int `json:"durationSeconds,omitempty"`
}

// AlertRule is a tenant-owned threshold rule evaluated against every
// matching snapshot.
type AlertRule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	// SourceType/SourceID scope the rule. Empty values match every source
	// of the tenant (SourceID empty = all sources of SourceType; both
	// empty = all sources).
	SourceType SourceType     `json:"sourceType,omitempty"`
	SourceID   string         `json:"sourceId,omitempty"`
	Condition  AlertCondition `json:"condition"`
	Severity   Severity       `json:"severity"`
	Channels   []string       `json:"channels"`
	Enabled    bool           `json:"enabled"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Matches reports whether the rule applies to the given snapshot's source.
func (r *AlertRule) Matches(snapshot *MetricsSnapshot) bool {
	if r.TenantID != snapshot.TenantID {
		return false
	}
	if r.SourceType != "" && r.SourceType != snapshot.SourceType {
		return false
	}
	if r.SourceID != "" && r.SourceID != snapshot.SourceID {
		return false
	}
	return true
}

// Validate checks the rule's condition, severity and scoping fields.
func (r *AlertRule) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("rule %s: tenant id required", r.ID)
	}
	if r.Condition.MetricName == "" {
		return fmt.Errorf("rule %s: metric name required", r.ID)
	}
	if err := r.Condition.Operator.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.Condition.DurationSeconds < 0 {
		return fmt.Errorf("rule %s: duration must not be negative", r.ID)
	}
	if err := r.Severity.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.SourceType != "" && r.SourceType != SourceTypeContainer && r.SourceType != SourceTypeDevice {
		return fmt.Errorf("rule %s: unsupported source type %q", r.ID, r.SourceType)
	}
	return nil
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Open reports whether the alert still counts against the one-open-alert
// invariant for its (rule, source) pair.
func (s AlertStatus) Open() bool {
	return s == AlertStatusActive || s == AlertStatusAcknowledged
}

// Alert is one triggered rule against one source. Alerts are never deleted
// by the engine, only transitioned.
type Alert struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenantId"`
	RuleID         string      `json:"ruleId"`
	RuleName       string      `json:"ruleName"`
	SourceType     SourceType  `json:"sourceType"`
	SourceID       string      `json:"sourceId"`
	Severity       Severity    `json:"severity"`
	Status         AlertStatus `json:"status"`
	Message        string      `json:"message"`
	MetricName     string      `json:"metricName"`
	MetricValue    float64     `json:"metricValue"`
	Threshold      float64     `json:"threshold"`
	TriggeredAt    time.Time   `json:"triggeredAt"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy of the alert so it can be safely handed to
// other goroutines.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	clone := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		clone.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		clone.ResolvedAt = &t
	}
	return &clone
}
