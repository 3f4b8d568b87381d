// Package health runs the fixed battery of threshold checks against a
// source's latest snapshot and reduces them to one verdict and score.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Static thresholds per check: below warn is healthy, below crit is
// degraded, at or above crit is unhealthy.
type threshold struct {
	warn float64
	crit float64
}

var (
	cpuThreshold         = threshold{warn: 80, crit: 95}
	memoryThreshold      = threshold{warn: 85, crit: 95}
	diskThreshold        = threshold{warn: 80, crit: 90}
	temperatureThreshold = threshold{warn: 70, crit: 80}
)

// Registry reports whether a source is currently live.
type Registry interface {
	IsLive(ctx context.Context, tenantID, sourceID string) (bool, error)
}

// Store persists evaluated health checks.
type Store interface {
	InsertHealthCheck(ctx context.Context, check models.HealthCheck) error
}

// Evaluator derives health verdicts from snapshots and liveness.
type Evaluator struct {
	registry Registry
	store    Store
	nowFn    func() time.Time
	idFn     func() string
}

// New creates an evaluator backed by the given registry and store.
func New(registry Registry, store Store) *Evaluator {
	return &Evaluator{
		registry: registry,
		store:    store,
		nowFn:    time.Now,
		idFn:     uuid.NewString,
	}
}

// Evaluate runs the check battery for a source. snap may be nil when the
// source has no snapshot yet; resource checks then report unknown rather
// than fabricating values. The result is persisted before returning.
func (e *Evaluator) Evaluate(ctx context.Context, source models.Source, snap *models.MetricsSnapshot) (models.HealthCheck, error) {
	check := models.HealthCheck{
		ID:         e.idFn(),
		TenantID:   source.TenantID,
		SourceType: source.Type,
		SourceID:   source.ID,
		Timestamp:  e.nowFn().UTC().Truncate(time.Second),
	}
	if snap != nil {
		check.Timestamp = snap.Timestamp
	}

	live, liveErr := e.liveness(ctx, source)
	check.Checks = append(check.Checks, live)

	if snap == nil {
		check.Checks = append(check.Checks,
			unknownCheck("cpu", "no snapshot collected yet"),
			unknownCheck("memory", "no snapshot collected yet"),
			unknownCheck("disk", "no snapshot collected yet"),
		)
	} else {
		check.Checks = append(check.Checks,
			thresholdCheck("cpu", snap.CPUUsagePercent, cpuThreshold, "%"),
			thresholdCheck("memory", snap.MemoryUsagePercent, memoryThreshold, "%"),
			thresholdCheck("disk", snap.DiskUsagePercent, diskThreshold, "%"),
		)
		if snap.Temperature != nil {
			check.Checks = append(check.Checks,
				thresholdCheck("temperature", *snap.Temperature, temperatureThreshold, "°C"))
		}
	}

	check.OverallStatus, check.OverallScore = aggregate(check.Checks)

	// Liveness dominates: an unreachable source is unhealthy no matter how
	// its last snapshot looked.
	if live.Status == models.HealthStatusUnhealthy {
		check.OverallStatus = models.HealthStatusUnhealthy
	}

	telemetry.HealthChecksTotal.WithLabelValues(string(check.OverallStatus)).Inc()

	if err := e.store.InsertHealthCheck(ctx, check); err != nil {
		return models.HealthCheck{}, fmt.Errorf("failed to store health check for %s: %w", source.ID, err)
	}

	if liveErr != nil {
		log.Warn().Err(liveErr).Str("sourceId", source.ID).Msg("Liveness lookup failed during health evaluation")
	}
	log.Debug().
		Str("sourceId", source.ID).
		Str("status", string(check.OverallStatus)).
		Float64("score", check.OverallScore).
		Msg("Health evaluated")
	return check, nil
}

// liveness is the registry-backed check, independent of any snapshot.
func (e *Evaluator) liveness(ctx context.Context, source models.Source) (models.HealthCheckResult, error) {
	name := "device_online"
	if source.Type == models.SourceTypeContainer {
		name = "container_running"
	}

	live, err := e.registry.IsLive(ctx, source.TenantID, source.ID)
	if err != nil {
		return models.HealthCheckResult{
			Name:    name,
			Status:  models.HealthStatusUnknown,
			Message: "liveness could not be determined",
		}, err
	}
	if !live {
		return models.HealthCheckResult{
			Name:    name,
			Status:  models.HealthStatusUnhealthy,
			Message: "source is not reachable",
		}, nil
	}
	return models.HealthCheckResult{
		Name:    name,
		Status:  models.HealthStatusHealthy,
		Message: "source is reachable",
	}, nil
}

func thresholdCheck(name string, value float64, t threshold, unit string) models.HealthCheckResult {
	status := models.HealthStatusHealthy
	limit := t.warn
	switch {
	case value >= t.crit:
		status = models.HealthStatusUnhealthy
		limit = t.crit
	case value >= t.warn:
		status = models.HealthStatusDegraded
	}

	v := value
	threshold := limit
	return models.HealthCheckResult{
		Name:      name,
		Status:    status,
		Message:   fmt.Sprintf("%s at %.1f%s (threshold %.0f%s)", name, value, unit, limit, unit),
		Value:     &v,
		Threshold: &threshold,
	}
}

func unknownCheck(name, message string) models.HealthCheckResult {
	return models.HealthCheckResult{
		Name:    name,
		Status:  models.HealthStatusUnknown,
		Message: message,
	}
}

// aggregate reduces the battery to worst-of status and mean score.
func aggregate(checks []models.HealthCheckResult) (models.HealthStatus, float64) {
	if len(checks) == 0 {
		return models.HealthStatusUnknown, 0
	}
	status := models.HealthStatusHealthy
	var total float64
	for _, c := range checks {
		if c.Status.Worse(status) {
			status = c.Status
		}
		total += c.Status.Score()
	}
	return status, total / float64(len(checks))
}
