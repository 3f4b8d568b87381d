// Package collector pulls point-in-time resource snapshots from container
// and device sources and persists them.
package collector

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/fleetmon/fleetmon/internal/errors"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the subset of the persistent store the collector writes to.
type Store interface {
	InsertSnapshot(ctx context.Context, snap models.MetricsSnapshot) error
	SetSourceReachable(ctx context.Context, tenantID, sourceID string, reachable bool, seen time.Time) error
}

// Collector queries sources for their current utilisation and stores the
// resulting snapshots. Safe for concurrent use across sources.
type Collector struct {
	store  Store
	docker *dockerClient
	device *deviceClient
	nowFn  func() time.Time
	idFn   func() string
}

// New creates a collector. dockerHost may be empty to use the environment's
// Docker endpoint.
func New(store Store, dockerHost string, deviceTimeout time.Duration) (*Collector, error) {
	docker, err := newDockerClient(dockerHost)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Collector{
		store:  store,
		docker: docker,
		device: newDeviceClient(deviceTimeout),
		nowFn:  time.Now,
		idFn:   uuid.NewString,
	}, nil
}

// Collect pulls one snapshot from the source and durably stores it before
// returning. Storage is part of the contract, not a separate step.
func (c *Collector) Collect(ctx context.Context, source models.Source) (models.MetricsSnapshot, error) {
	started := c.nowFn()

	var snap models.MetricsSnapshot
	var err error
	switch source.Type {
	case models.SourceTypeContainer:
		snap, err = c.docker.collect(ctx, source)
	case models.SourceTypeDevice:
		snap, err = c.device.collect(ctx, source)
	default:
		err = fmt.Errorf("%w: unsupported source type %q", errors.ErrInvalidInput, source.Type)
	}

	telemetry.CollectionDurationSeconds.WithLabelValues(string(source.Type)).Observe(time.Since(started).Seconds())

	if err != nil {
		telemetry.CollectionsTotal.WithLabelValues(string(source.Type), outcomeLabel(err)).Inc()
		c.markReachable(source, false)
		return models.MetricsSnapshot{}, err
	}

	now := c.nowFn().UTC().Truncate(time.Second)
	snap.ID = c.idFn()
	snap.TenantID = source.TenantID
	snap.SourceType = source.Type
	snap.SourceID = source.ID
	if snap.Timestamp.IsZero() {
		snap.Timestamp = now
	}

	if err := c.store.InsertSnapshot(ctx, snap); err != nil {
		telemetry.CollectionsTotal.WithLabelValues(string(source.Type), "error").Inc()
		return models.MetricsSnapshot{}, fmt.Errorf("failed to store snapshot for %s: %w", source.ID, err)
	}

	telemetry.CollectionsTotal.WithLabelValues(string(source.Type), "ok").Inc()
	c.markReachable(source, true)

	log.Debug().
		Str("sourceId", source.ID).
		Str("sourceType", string(source.Type)).
		Float64("cpu", snap.CPUUsagePercent).
		Float64("memory", snap.MemoryUsagePercent).
		Msg("Collected snapshot")
	return snap, nil
}

// Close releases the underlying runtime clients.
func (c *Collector) Close() error {
	return c.docker.close()
}

// markReachable writes reachability back to the registry's source record.
// Best effort; a store failure here must not fail the collection itself.
func (c *Collector) markReachable(source models.Source, reachable bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SetSourceReachable(ctx, source.TenantID, source.ID, reachable, c.nowFn().UTC()); err != nil {
		log.Warn().Err(err).Str("sourceId", source.ID).Msg("Failed to update source reachability")
	}
}

func outcomeLabel(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrSourceUnreachable):
		return "unreachable"
	case stderrors.Is(err, errors.ErrSourceNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func safeFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
