package alerts

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fleetmon/fleetmon/internal/errors"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu        sync.Mutex
	rules     []models.AlertRule
	alerts    map[string]*models.Alert
	snapshots map[string]models.MetricsSnapshot // keyed tenant/source
	rulesErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		alerts:    make(map[string]*models.Alert),
		snapshots: make(map[string]models.MetricsSnapshot),
	}
}

func (f *fakeStore) ListEnabledRules(ctx context.Context) ([]models.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rulesErr != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrRuleStoreUnavailable, f.rulesErr)
	}
	var enabled []models.AlertRule
	for _, r := range f.rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

func (f *fakeStore) FindOpenAlert(ctx context.Context, ruleID, sourceID string) (models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.RuleID == ruleID && a.SourceID == sourceID && a.Status.Open() {
			return *a, nil
		}
	}
	return models.Alert{}, fmt.Errorf("no open alert: %w", sql.ErrNoRows)
}

func (f *fakeStore) CreateAlert(ctx context.Context, alert models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.RuleID == alert.RuleID && a.SourceID == alert.SourceID && a.Status.Open() {
			return store.ErrDuplicateOpenAlert
		}
	}
	a := alert
	f.alerts[alert.ID] = &a
	return nil
}

func (f *fakeStore) ListActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []models.Alert
	for _, a := range f.alerts {
		if a.Status == models.AlertStatusActive {
			active = append(active, *a)
		}
	}
	return active, nil
}

func (f *fakeStore) ResolveAlert(ctx context.Context, alertID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.alerts[alertID]; ok && a.Status.Open() {
		a.Status = models.AlertStatusResolved
		a.ResolvedAt = &at
	}
	return nil
}

func (f *fakeStore) AcknowledgeAlert(ctx context.Context, alertID, user string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[alertID]
	if !ok || a.Status != models.AlertStatusActive {
		return fmt.Errorf("alert %s is not active", alertID)
	}
	a.Status = models.AlertStatusAcknowledged
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = user
	return nil
}

func (f *fakeStore) LatestSnapshot(ctx context.Context, tenantID, sourceID string) (models.MetricsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[tenantID+"/"+sourceID]
	if !ok {
		return models.MetricsSnapshot{}, fmt.Errorf("no snapshot: %w", sql.ErrNoRows)
	}
	return snap, nil
}

func (f *fakeStore) setSnapshot(snap models.MetricsSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snap.TenantID+"/"+snap.SourceID] = snap
}

func (f *fakeStore) openAlerts() []models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []models.Alert
	for _, a := range f.alerts {
		if a.Status.Open() {
			open = append(open, *a)
		}
	}
	return open
}

func (f *fakeStore) allAlerts() []models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.Alert
	for _, a := range f.alerts {
		all = append(all, *a)
	}
	return all
}

// recordingNotifier captures dispatched alerts.
type recordingNotifier struct {
	mu        sync.Mutex
	delivered []*models.Alert
	channels  [][]string
}

func (r *recordingNotifier) Dispatch(ctx context.Context, alert *models.Alert, channels []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, alert)
	r.channels = append(r.channels, channels)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func newTestEngine(st Store) (*Engine, *recordingNotifier) {
	notifier := &recordingNotifier{}
	engine := NewEngine(st, notifier, time.Second)
	engine.dispatchSync = true
	return engine, notifier
}

func cpuRule(duration int) models.AlertRule {
	return models.AlertRule{
		ID:       "rule-cpu",
		TenantID: "tenant-1",
		Name:     "high cpu",
		Condition: models.AlertCondition{
			MetricName:      "cpu_usage_percent",
			Operator:        models.OperatorGT,
			Threshold:       80,
			DurationSeconds: duration,
		},
		Severity: models.SeverityCritical,
		Channels: []string{"https://hooks.example.com/alerts"},
		Enabled:  true,
	}
}

func cpuSnapshot(source string, at time.Time, cpu float64) models.MetricsSnapshot {
	return models.MetricsSnapshot{
		ID:              "snap-" + at.Format("150405"),
		TenantID:        "tenant-1",
		SourceType:      models.SourceTypeContainer,
		SourceID:        source,
		Timestamp:       at,
		CPUUsagePercent: cpu,
	}
}

func TestRuleWithoutDurationFiresImmediately(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(0)}
	engine, notifier := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, engine.HandleSnapshot(context.Background(), cpuSnapshot("ct-1", base, 91)))

	open := st.openAlerts()
	require.Len(t, open, 1)
	assert.Equal(t, models.AlertStatusActive, open[0].Status)
	assert.Equal(t, 91.0, open[0].MetricValue)
	assert.Equal(t, 80.0, open[0].Threshold)
	assert.Equal(t, 1, notifier.count())
}

func TestRuleBelowThresholdDoesNotFire(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(0)}
	engine, notifier := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, engine.HandleSnapshot(context.Background(), cpuSnapshot("ct-1", base, 79)))

	assert.Empty(t, st.openAlerts())
	assert.Zero(t, notifier.count())
}

func TestDurationHysteresis(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(300)}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Samples over the threshold for less than the window must never fire.
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * 60 * time.Second)
		require.NoError(t, engine.HandleSnapshot(context.Background(), cpuSnapshot("ct-1", at, 85)))
		assert.Emptyf(t, st.openAlerts(), "no alert expected at t=%ds", i*60)
	}

	// At t=300 the run started 300s ago: exactly one alert.
	require.NoError(t, engine.HandleSnapshot(context.Background(), cpuSnapshot("ct-1", base.Add(300*time.Second), 85)))
	open := st.openAlerts()
	require.Len(t, open, 1)
	assert.Equal(t, 85.0, open[0].MetricValue)
	assert.Equal(t, 80.0, open[0].Threshold)

	// Further true samples dedupe against the open alert.
	require.NoError(t, engine.HandleSnapshot(context.Background(), cpuSnapshot("ct-1", base.Add(360*time.Second), 88)))
	assert.Len(t, st.allAlerts(), 1)
}

// A single sample above the threshold exists somewhere inside the trailing
// window, but the run did not start duration ago. The rule must not fire:
// the window is measured from the run's start, not from any sample.
func TestSingleSampleNeverSatisfiesDuration(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(300)}
	engine, _ := newTestEngine(st)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, engine.HandleSnapshot(context.Background(), cpuSnapshot("ct-1", at, 99)))

	assert.Empty(t, st.openAlerts())
}

// A condition that stays true for a long stretch must not grow its run one
// sample per cycle forever: samples older than the window head are redundant
// and get trimmed each cycle.
func TestLongHotConditionKeepsBoundedRun(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(300)}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i := 0; i <= 30; i++ {
		require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base.Add(time.Duration(i)*60*time.Second), 85)))
	}

	// Fired once at t=300, deduped ever since.
	assert.Len(t, st.allAlerts(), 1)

	// The run holds one sample at the window head plus the five inside it.
	engine.mu.Lock()
	run := engine.runs[pairKey{ruleID: "rule-cpu", sourceID: "ct-1"}]
	engine.mu.Unlock()
	require.Len(t, run, 6)
	assert.Equal(t, base.Add(25*60*time.Second), run[0].at)
	assert.Equal(t, base.Add(30*60*time.Second), run[5].at)
}

func TestInterruptionResetsPersistence(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(120)}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base, 85)))
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base.Add(60*time.Second), 85)))
	// One failing sample clears the run entirely.
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base.Add(120*time.Second), 40)))
	// The count restarts: 120s from here, not from the original start.
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base.Add(180*time.Second), 85)))
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base.Add(240*time.Second), 85)))
	assert.Empty(t, st.openAlerts(), "run restarted at t=180, only 60s elapsed")

	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base.Add(300*time.Second), 85)))
	assert.Len(t, st.openAlerts(), 1)
}

func TestDuplicateSnapshotDeliveryIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(0)}
	engine, notifier := newTestEngine(st)

	snap := cpuSnapshot("ct-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 95)
	ctx := context.Background()
	require.NoError(t, engine.HandleSnapshot(ctx, snap))
	require.NoError(t, engine.HandleSnapshot(ctx, snap))

	assert.Len(t, st.allAlerts(), 1)
	assert.Equal(t, 1, notifier.count())
}

func TestDuplicateDeliveryDoesNotDoubleAppendPersistence(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(300)}
	engine, _ := newTestEngine(st)

	snap := cpuSnapshot("ct-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 95)
	ctx := context.Background()
	require.NoError(t, engine.HandleSnapshot(ctx, snap))
	require.NoError(t, engine.HandleSnapshot(ctx, snap))

	engine.mu.Lock()
	run := engine.runs[pairKey{ruleID: "rule-cpu", sourceID: "ct-1"}]
	engine.mu.Unlock()
	assert.Len(t, run, 1)
}

func TestDedupAcrossOpenStatuses(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(0)}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base, 95)))
	open := st.openAlerts()
	require.Len(t, open, 1)

	// An acknowledged alert still counts as open for dedup.
	require.NoError(t, engine.Acknowledge(ctx, open[0].ID, "operator"))
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base.Add(60*time.Second), 95)))

	assert.Len(t, st.allAlerts(), 1)
}

func TestAbsentMetricSkipsRuleWithoutClearingState(t *testing.T) {
	rule := cpuRule(120)
	rule.Condition.MetricName = "temperature"
	rule.Condition.Threshold = 70
	st := newFakeStore()
	st.rules = []models.AlertRule{rule}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	hot := 75.0
	snap := cpuSnapshot("dev-1", base, 10)
	snap.SourceType = models.SourceTypeDevice
	snap.Temperature = &hot
	require.NoError(t, engine.HandleSnapshot(ctx, snap))

	// This snapshot has no temperature at all: rule skipped, run preserved.
	snap2 := cpuSnapshot("dev-1", base.Add(60*time.Second), 10)
	snap2.SourceType = models.SourceTypeDevice
	require.NoError(t, engine.HandleSnapshot(ctx, snap2))

	snap3 := cpuSnapshot("dev-1", base.Add(120*time.Second), 10)
	snap3.SourceType = models.SourceTypeDevice
	snap3.Temperature = &hot
	require.NoError(t, engine.HandleSnapshot(ctx, snap3))

	// Run started at t=0 and was never cleared, so 120s have elapsed.
	assert.Len(t, st.openAlerts(), 1)
}

func TestRuleStoreFailureAbortsCycle(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(0)}
	st.rulesErr = stderrors.New("database locked")
	engine, _ := newTestEngine(st)

	snap := cpuSnapshot("ct-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 95)
	err := engine.HandleSnapshot(context.Background(), snap)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRuleStoreUnavailable))
	assert.Empty(t, st.allAlerts())

	// The failed cycle left no idempotence marker: the same snapshot is
	// re-evaluated next cycle once the store recovers.
	st.mu.Lock()
	st.rulesErr = nil
	st.mu.Unlock()
	require.NoError(t, engine.HandleSnapshot(context.Background(), snap))
	assert.Len(t, st.openAlerts(), 1)
}

func TestRuleScopingLimitsEvaluation(t *testing.T) {
	scoped := cpuRule(0)
	scoped.SourceID = "ct-1"
	st := newFakeStore()
	st.rules = []models.AlertRule{scoped}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-2", base, 95)))
	assert.Empty(t, st.openAlerts())

	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base, 95)))
	assert.Len(t, st.openAlerts(), 1)
}

func TestSweepResolvesClearedCondition(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(0)}
	engine, _ := newTestEngine(st)
	resolvedAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	engine.nowFn = func() time.Time { return resolvedAt }

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	snap := cpuSnapshot("ct-1", base, 95)
	require.NoError(t, engine.HandleSnapshot(ctx, snap))
	st.setSnapshot(snap)
	require.Len(t, st.openAlerts(), 1)

	// Condition still true: sweep leaves the alert open.
	require.NoError(t, engine.Sweep(ctx))
	require.Len(t, st.openAlerts(), 1)

	// Condition cleared on the next snapshot: resolved on the very next sweep.
	st.setSnapshot(cpuSnapshot("ct-1", base.Add(60*time.Second), 40))
	require.NoError(t, engine.Sweep(ctx))

	assert.Empty(t, st.openAlerts())
	all := st.allAlerts()
	require.Len(t, all, 1)
	assert.Equal(t, models.AlertStatusResolved, all[0].Status)
	require.NotNil(t, all[0].ResolvedAt)
	assert.Equal(t, resolvedAt.Truncate(time.Second), *all[0].ResolvedAt)
}

func TestSweepIgnoresDurationOnResolve(t *testing.T) {
	// Activation needed 300s of persistence; resolution is immediate.
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(300)}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i := 0; i <= 5; i++ {
		require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base.Add(time.Duration(i)*60*time.Second), 85)))
	}
	require.Len(t, st.openAlerts(), 1)

	st.setSnapshot(cpuSnapshot("ct-1", base.Add(360*time.Second), 40))
	require.NoError(t, engine.Sweep(ctx))
	assert.Empty(t, st.openAlerts())
}

func TestSweepResolvesAlertWhoseRuleIsGone(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(0)}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base, 95)))
	require.Len(t, st.openAlerts(), 1)

	st.mu.Lock()
	st.rules = nil
	st.mu.Unlock()

	require.NoError(t, engine.Sweep(ctx))
	assert.Empty(t, st.openAlerts())
}

func TestEndToEndScenario(t *testing.T) {
	// The full lifecycle: five true samples short of the window, the
	// sixth fires, a cleared seventh resolves on the next sweep.
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(300)}
	engine, notifier := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for _, offset := range []int{0, 60, 120, 180, 240} {
		snap := cpuSnapshot("ct-1", base.Add(time.Duration(offset)*time.Second), 85)
		require.NoError(t, engine.HandleSnapshot(ctx, snap))
		st.setSnapshot(snap)
	}
	require.Empty(t, st.openAlerts(), "300s not yet elapsed at t=240")

	sixth := cpuSnapshot("ct-1", base.Add(300*time.Second), 85)
	require.NoError(t, engine.HandleSnapshot(ctx, sixth))
	st.setSnapshot(sixth)

	open := st.openAlerts()
	require.Len(t, open, 1)
	assert.Equal(t, 85.0, open[0].MetricValue)
	assert.Equal(t, 80.0, open[0].Threshold)
	assert.Equal(t, models.SeverityCritical, open[0].Severity)
	assert.Equal(t, 1, notifier.count())

	seventh := cpuSnapshot("ct-1", base.Add(360*time.Second), 40)
	require.NoError(t, engine.HandleSnapshot(ctx, seventh))
	st.setSnapshot(seventh)
	require.NoError(t, engine.Sweep(ctx))

	assert.Empty(t, st.openAlerts())
	all := st.allAlerts()
	require.Len(t, all, 1)
	assert.Equal(t, models.AlertStatusResolved, all[0].Status)
	assert.NotNil(t, all[0].ResolvedAt)
}

func TestConcurrentSourcesKeepIndependentRuns(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(120)}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, source := range []string{"ct-1", "ct-2", "ct-3", "ct-4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i <= 2; i++ {
				at := base.Add(time.Duration(i) * 60 * time.Second)
				_ = engine.HandleSnapshot(ctx, cpuSnapshot(source, at, 90))
			}
		}()
	}
	wg.Wait()

	// Each source sustained the condition for 120s: one alert apiece.
	assert.Len(t, st.openAlerts(), 4)
}

func TestResetRuleClearsRunsForEverySource(t *testing.T) {
	st := newFakeStore()
	st.rules = []models.AlertRule{cpuRule(300)}
	engine, _ := newTestEngine(st)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-1", base, 90)))
	require.NoError(t, engine.HandleSnapshot(ctx, cpuSnapshot("ct-2", base, 90)))

	engine.ResetRule("rule-cpu")

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Empty(t, engine.runs)
}
