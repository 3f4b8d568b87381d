// Package alerts evaluates tenant-defined threshold rules against incoming
// snapshots, maintains per-rule persistence state for duration
// requirements, and opens, dedupes and auto-resolves alerts.
package alerts

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/internal/errors"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/internal/store"
	"github.com/fleetmon/fleetmon/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the persistence surface the engine needs.
type Store interface {
	ListEnabledRules(ctx context.Context) ([]models.AlertRule, error)
	FindOpenAlert(ctx context.Context, ruleID, sourceID string) (models.Alert, error)
	CreateAlert(ctx context.Context, alert models.Alert) error
	ListActiveAlerts(ctx context.Context) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, alertID string, at time.Time) error
	AcknowledgeAlert(ctx context.Context, alertID, user string, at time.Time) error
	LatestSnapshot(ctx context.Context, tenantID, sourceID string) (models.MetricsSnapshot, error)
}

// Notifier dispatches a triggered alert to its rule's channels.
type Notifier interface {
	Dispatch(ctx context.Context, alert *models.Alert, channels []string)
}

// pairKey partitions persistence state per (rule, source) so rules scoped
// to many sources track each source's run independently.
type pairKey struct {
	ruleID   string
	sourceID string
}

// sample is one (timestamp, value) reading retained while a rule's raw
// comparison holds.
type sample struct {
	at    time.Time
	value float64
}

// Engine is the alerting core. HandleSnapshot is its sole trigger point;
// Sweep closes alerts whose condition has cleared.
type Engine struct {
	store    Store
	notifier Notifier

	mu sync.Mutex
	// runs holds the uninterrupted true-comparison samples per pair.
	// Cleared the instant the comparison turns false.
	runs map[pairKey][]sample
	// lastEvaluated makes redelivery of a snapshot with the same
	// timestamp a no-op.
	lastEvaluated map[string]time.Time

	notifyTimeout time.Duration
	nowFn         func() time.Time
	idFn          func() string

	// dispatchSync forces notification dispatch inline, used by tests.
	dispatchSync bool
	dispatchWG   sync.WaitGroup
}

// NewEngine creates an alert engine. The persistence state lives for the
// engine's lifetime; restarting the process restarts every duration count.
func NewEngine(st Store, notifier Notifier, notifyTimeout time.Duration) *Engine {
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	return &Engine{
		store:         st,
		notifier:      notifier,
		runs:          make(map[pairKey][]sample),
		lastEvaluated: make(map[string]time.Time),
		notifyTimeout: notifyTimeout,
		nowFn:         time.Now,
		idFn:          uuid.NewString,
	}
}

// firing captures a rule decision made under the state lock, to be
// committed against the store after the lock is released.
type firing struct {
	rule  models.AlertRule
	value float64
}

// HandleSnapshot evaluates all applicable enabled rules against one
// incoming snapshot. Idempotent for repeated delivery of the same
// timestamp and safe to call concurrently across sources.
func (e *Engine) HandleSnapshot(ctx context.Context, snap models.MetricsSnapshot) error {
	rules, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		// Abort the whole cycle; persistence state is untouched and the
		// next cycle retries.
		log.Error().Err(err).Str("sourceId", snap.SourceID).Msg("Rule store unavailable, skipping evaluation cycle")
		return fmt.Errorf("%w: %w", errors.ErrRuleStoreUnavailable, err)
	}

	fired := e.evaluate(rules, snap)
	for _, f := range fired {
		e.openAlert(ctx, f.rule, snap, f.value)
	}
	return nil
}

// evaluate updates persistence state and decides which rules fire. Pure
// in-memory work under the state lock; no store I/O happens here.
func (e *Engine) evaluate(rules []models.AlertRule, snap models.MetricsSnapshot) []firing {
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastEvaluated[snap.SourceID]; ok && !snap.Timestamp.After(last) {
		log.Debug().
			Str("sourceId", snap.SourceID).
			Time("timestamp", snap.Timestamp).
			Msg("Snapshot already evaluated, ignoring redelivery")
		return nil
	}
	e.lastEvaluated[snap.SourceID] = snap.Timestamp

	var fired []firing
	for _, rule := range rules {
		if !rule.Matches(&snap) {
			continue
		}
		value, ok := snap.Metric(rule.Condition.MetricName)
		if !ok {
			// Metric absent from this snapshot: skip the rule without
			// touching its persistence state.
			continue
		}

		met := rule.Condition.Operator.Compare(value, rule.Condition.Threshold)
		key := pairKey{ruleID: rule.ID, sourceID: snap.SourceID}

		if rule.Condition.DurationSeconds <= 0 {
			if met {
				fired = append(fired, firing{rule: rule, value: value})
			}
			continue
		}

		if !met {
			delete(e.runs, key)
			continue
		}

		required := time.Duration(rule.Condition.DurationSeconds) * time.Second
		cutoff := snap.Timestamp.Add(-required)

		run := append(e.runs[key], sample{at: snap.Timestamp, value: value})
		run = trimRun(run, cutoff)
		e.runs[key] = run

		// The condition must have held continuously since at least
		// now − duration: the run's earliest sample decides, so a single
		// true sample can never satisfy a duration requirement.
		if !run[0].at.After(cutoff) {
			fired = append(fired, firing{rule: rule, value: value})
		}
	}
	return fired
}

// trimRun drops samples made redundant by a newer sample that still sits at
// or before the cutoff. The kept head proves how long the condition has held,
// so firing decisions are unchanged while long-lived runs stay bounded to
// roughly one duration window of samples.
func trimRun(run []sample, cutoff time.Time) []sample {
	keep := 0
	for i, s := range run {
		if s.at.After(cutoff) {
			break
		}
		keep = i
	}
	if keep == 0 {
		return run
	}
	return append(run[:0], run[keep:]...)
}

// openAlert creates and dispatches an alert for a fired rule unless an
// open alert already exists for the (rule, source) pair.
func (e *Engine) openAlert(ctx context.Context, rule models.AlertRule, snap models.MetricsSnapshot, value float64) {
	if _, err := e.store.FindOpenAlert(ctx, rule.ID, snap.SourceID); err == nil {
		telemetry.AlertsDedupedTotal.Inc()
		return
	} else if !stderrors.Is(err, sql.ErrNoRows) {
		log.Error().Err(err).Str("ruleId", rule.ID).Msg("Open alert lookup failed, skipping rule this cycle")
		return
	}

	alert := models.Alert{
		ID:          e.idFn(),
		TenantID:    rule.TenantID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		SourceType:  snap.SourceType,
		SourceID:    snap.SourceID,
		Severity:    rule.Severity,
		Status:      models.AlertStatusActive,
		MetricName:  rule.Condition.MetricName,
		MetricValue: value,
		Threshold:   rule.Condition.Threshold,
		TriggeredAt: snap.Timestamp,
		Message: fmt.Sprintf("%s: %s %s %.2f (current value %.2f)",
			rule.Name, rule.Condition.MetricName, rule.Condition.Operator, rule.Condition.Threshold, value),
	}

	if err := e.store.CreateAlert(ctx, alert); err != nil {
		if stderrors.Is(err, store.ErrDuplicateOpenAlert) {
			// Another engine instance won the race; the unique index kept
			// the invariant.
			telemetry.AlertsDedupedTotal.Inc()
			return
		}
		log.Error().Err(err).Str("ruleId", rule.ID).Str("sourceId", snap.SourceID).Msg("Failed to create alert")
		return
	}

	telemetry.AlertsFiredTotal.WithLabelValues(string(alert.Severity)).Inc()
	log.Info().
		Str("alertId", alert.ID).
		Str("ruleId", rule.ID).
		Str("sourceId", snap.SourceID).
		Str("severity", string(alert.Severity)).
		Float64("value", value).
		Float64("threshold", rule.Condition.Threshold).
		Msg("Alert triggered")

	e.dispatch(alert.Clone(), rule.Channels)
}

// dispatch sends notifications without blocking rule evaluation. The alert
// is already persisted; delivery failures are the notifier's to log.
func (e *Engine) dispatch(alert *models.Alert, channels []string) {
	if len(channels) == 0 {
		return
	}
	deliver := func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		e.notifier.Dispatch(ctx, alert, channels)
	}
	if e.dispatchSync {
		deliver()
		return
	}
	e.dispatchWG.Add(1)
	go func() {
		defer e.dispatchWG.Done()
		deliver()
	}()
}

// Sweep re-evaluates every active alert's raw comparison against the most
// recent snapshot for its source and resolves alerts whose condition has
// cleared. Duration requirements do not apply to resolution.
func (e *Engine) Sweep(ctx context.Context) error {
	active, err := e.store.ListActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active alerts: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	rules, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrRuleStoreUnavailable, err)
	}
	rulesByID := make(map[string]models.AlertRule, len(rules))
	for _, rule := range rules {
		rulesByID[rule.ID] = rule
	}

	for _, alert := range active {
		rule, ok := rulesByID[alert.RuleID]
		if !ok {
			// The rule was deleted or disabled; the condition can never
			// clear through evaluation, so close the alert out.
			e.resolve(ctx, alert, "rule removed or disabled")
			continue
		}

		snap, err := e.store.LatestSnapshot(ctx, alert.TenantID, alert.SourceID)
		if err != nil {
			if !stderrors.Is(err, sql.ErrNoRows) {
				log.Warn().Err(err).Str("alertId", alert.ID).Msg("Latest snapshot lookup failed during sweep")
			}
			continue
		}

		value, ok := snap.Metric(rule.Condition.MetricName)
		if !ok {
			continue
		}
		if rule.Condition.Operator.Compare(value, rule.Condition.Threshold) {
			continue
		}
		e.resolve(ctx, alert, "condition cleared")
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, alert models.Alert, reason string) {
	now := e.nowFn().UTC().Truncate(time.Second)
	if err := e.store.ResolveAlert(ctx, alert.ID, now); err != nil {
		log.Error().Err(err).Str("alertId", alert.ID).Msg("Failed to resolve alert")
		return
	}

	e.mu.Lock()
	delete(e.runs, pairKey{ruleID: alert.RuleID, sourceID: alert.SourceID})
	e.mu.Unlock()

	telemetry.AlertsResolvedTotal.Inc()
	log.Info().
		Str("alertId", alert.ID).
		Str("ruleId", alert.RuleID).
		Str("sourceId", alert.SourceID).
		Str("reason", reason).
		Msg("Alert resolved")
}

// Acknowledge marks an active alert as acknowledged by an operator. The
// alert still counts as open for dedup purposes.
func (e *Engine) Acknowledge(ctx context.Context, alertID, user string) error {
	now := e.nowFn().UTC().Truncate(time.Second)
	if err := e.store.AcknowledgeAlert(ctx, alertID, user, now); err != nil {
		return err
	}
	log.Info().Str("alertId", alertID).Str("user", user).Msg("Alert acknowledged")
	return nil
}

// ResetRule drops all persistence state for a rule, across every source.
// Called when a rule is updated or deleted so stale runs cannot satisfy
// the new condition.
func (e *Engine) ResetRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.runs {
		if key.ruleID == ruleID {
			delete(e.runs, key)
		}
	}
}

// WaitForDispatch blocks until in-flight notification goroutines finish.
// Used during shutdown and by tests.
func (e *Engine) WaitForDispatch() {
	e.dispatchWG.Wait()
}
