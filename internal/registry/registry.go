// Package registry provides read-only lookup of known sources for the
// collection and health pipeline.
package registry

import (
	"context"

	"github.com/fleetmon/fleetmon/internal/models"
)

// Store is the subset of the persistent store the registry reads from.
type Store interface {
	GetSource(ctx context.Context, tenantID, sourceID string) (models.Source, error)
	ListSources(ctx context.Context) ([]models.Source, error)
}

// Registry resolves source identities. Identity is immutable; reachability
// is owned by the collector, which writes it back through the store.
type Registry struct {
	store Store
}

// New creates a registry over the given store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Lookup resolves one source by tenant and id. A missing identity surfaces
// as errors.ErrSourceNotFound from the store.
func (r *Registry) Lookup(ctx context.Context, tenantID, sourceID string) (models.Source, error) {
	return r.store.GetSource(ctx, tenantID, sourceID)
}

// List returns every known source across all tenants, the set the
// scheduler fans out over.
func (r *Registry) List(ctx context.Context) ([]models.Source, error) {
	return r.store.ListSources(ctx)
}

// IsLive reports whether a source is currently reachable: the liveness
// input to health evaluation (container running / device online).
func (r *Registry) IsLive(ctx context.Context, tenantID, sourceID string) (bool, error) {
	src, err := r.store.GetSource(ctx, tenantID, sourceID)
	if err != nil {
		return false, err
	}
	return src.Reachable, nil
}
