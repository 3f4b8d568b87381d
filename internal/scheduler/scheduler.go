// Package scheduler drives the periodic jobs of the monitor: metrics
// collection, health evaluation, the alert auto-resolve sweep and
// retention cleanup, each on its own interval.
package scheduler

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/internal/config"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Registry lists the sources the scheduler fans out over.
type Registry interface {
	List(ctx context.Context) ([]models.Source, error)
}

// Collector pulls and stores one snapshot per source.
type Collector interface {
	Collect(ctx context.Context, source models.Source) (models.MetricsSnapshot, error)
}

// HealthEvaluator derives and stores a health verdict per source.
type HealthEvaluator interface {
	Evaluate(ctx context.Context, source models.Source, snap *models.MetricsSnapshot) (models.HealthCheck, error)
}

// AlertEngine receives fresh snapshots and runs the resolve sweep.
type AlertEngine interface {
	HandleSnapshot(ctx context.Context, snap models.MetricsSnapshot) error
	Sweep(ctx context.Context) error
}

// HistoryStore reads the latest snapshot per source and prunes history.
type HistoryStore interface {
	LatestSnapshot(ctx context.Context, tenantID, sourceID string) (models.MetricsSnapshot, error)
	PruneBefore(ctx context.Context, cutoff time.Time) error
}

// Scheduler owns the periodic jobs. Jobs are independent: a slow
// collection cycle never delays the alert sweep.
type Scheduler struct {
	registry  Registry
	collector Collector
	health    HealthEvaluator
	engine    AlertEngine
	store     HistoryStore

	mu  sync.RWMutex
	cfg *config.Config

	wg sync.WaitGroup
}

// New creates a scheduler with the given collaborators and configuration.
func New(reg Registry, col Collector, health HealthEvaluator, engine AlertEngine, store HistoryStore, cfg *config.Config) *Scheduler {
	return &Scheduler{
		registry:  reg,
		collector: col,
		health:    health,
		engine:    engine,
		store:     store,
		cfg:       cfg,
	}
}

// UpdateConfig swaps in new intervals; each job picks them up on its next
// iteration. Wired to the config file watcher.
func (s *Scheduler) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	log.Info().
		Dur("collection", cfg.CollectionInterval).
		Dur("health", cfg.HealthCheckInterval).
		Dur("sweep", cfg.AlertSweepInterval).
		Msg("Scheduler intervals updated")
}

func (s *Scheduler) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start launches all jobs. They run until ctx is cancelled; Wait blocks
// until they have stopped.
func (s *Scheduler) Start(ctx context.Context) {
	s.spawn(ctx, "collection", func() time.Duration { return s.config().CollectionInterval }, s.collectAll)
	s.spawn(ctx, "health", func() time.Duration { return s.config().HealthCheckInterval }, s.evaluateAll)
	s.spawn(ctx, "alert-sweep", func() time.Duration { return s.config().AlertSweepInterval }, s.sweep)
	s.spawn(ctx, "retention", func() time.Duration { return s.config().RetentionInterval }, s.prune)
	log.Info().Msg("Scheduler started")
}

// Wait blocks until every job goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// spawn runs job immediately and then on every interval tick. The interval
// is re-read each iteration so config reloads take effect without a
// restart.
func (s *Scheduler) spawn(ctx context.Context, name string, interval func() time.Duration, job func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		job(ctx)
		for {
			timer := time.NewTimer(interval())
			select {
			case <-timer.C:
				job(ctx)
			case <-ctx.Done():
				timer.Stop()
				log.Debug().Str("job", name).Msg("Scheduler job stopped")
				return
			}
		}
	}()
}

// collectAll fans out over every known source. Per-source work is bounded
// by the collect timeout and isolated: one source failing never halts the
// batch.
func (s *Scheduler) collectAll(ctx context.Context) {
	sources, err := s.registry.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list sources for collection")
		return
	}

	cfg := s.config()
	g := &errgroup.Group{}
	g.SetLimit(cfg.MaxConcurrentCollections)

	for _, source := range sources {
		g.Go(func() error {
			collectCtx, cancel := context.WithTimeout(ctx, cfg.CollectTimeout)
			defer cancel()

			snap, err := s.collector.Collect(collectCtx, source)
			if err != nil {
				// Already counted by the collector; a failed cycle for
				// this source only.
				log.Warn().Err(err).Str("sourceId", source.ID).Msg("Collection cycle failed")
				return nil
			}

			// Rule evaluation follows collection in order for this
			// source; cross-source ordering is not guaranteed.
			if err := s.engine.HandleSnapshot(collectCtx, snap); err != nil {
				log.Warn().Err(err).Str("sourceId", source.ID).Msg("Alert evaluation skipped for this cycle")
			}
			return nil
		})
	}
	g.Wait()
}

// evaluateAll runs the health check battery for every source, using the
// latest stored snapshot or none at all.
func (s *Scheduler) evaluateAll(ctx context.Context) {
	sources, err := s.registry.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list sources for health evaluation")
		return
	}

	cfg := s.config()
	g := &errgroup.Group{}
	g.SetLimit(cfg.MaxConcurrentCollections)

	for _, source := range sources {
		g.Go(func() error {
			evalCtx, cancel := context.WithTimeout(ctx, cfg.CollectTimeout)
			defer cancel()

			var snapPtr *models.MetricsSnapshot
			snap, err := s.store.LatestSnapshot(evalCtx, source.TenantID, source.ID)
			switch {
			case err == nil:
				snapPtr = &snap
			case stderrors.Is(err, sql.ErrNoRows):
				// No snapshot yet: liveness-only evaluation.
			default:
				log.Warn().Err(err).Str("sourceId", source.ID).Msg("Latest snapshot lookup failed, skipping health evaluation")
				return nil
			}

			if _, err := s.health.Evaluate(evalCtx, source, snapPtr); err != nil {
				log.Warn().Err(err).Str("sourceId", source.ID).Msg("Health evaluation failed")
			}
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) sweep(ctx context.Context) {
	if err := s.engine.Sweep(ctx); err != nil {
		log.Warn().Err(err).Msg("Alert sweep failed, retrying next interval")
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	cfg := s.config()
	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.RetentionDays)
	if err := s.store.PruneBefore(ctx, cutoff); err != nil {
		log.Warn().Err(err).Msg("Retention cleanup failed, retrying next interval")
	}
}
