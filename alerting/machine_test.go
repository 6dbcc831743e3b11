package alerting

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustai/fairsight/config"
	"github.com/trustai/fairsight/telemetry"
	"github.com/trustai/fairsight/types"
)

func testConfig(dwell int) *config.Config {
	cfg := config.Default()
	for name, th := range cfg.Thresholds {
		th.DwellCount = dwell
		th.MinSamples = 10
		cfg.Thresholds[name] = th
	}
	return cfg
}

func openMachine(t *testing.T, cfg *config.Config) *Machine {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "alerts.db"), cfg, telemetry.NewLogger("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func paritySnap(value float64) types.MetricSnapshot {
	return types.MetricSnapshot{
		Metric:     types.MetricDemographicParity,
		Type:       types.DecisionLoanApproval,
		Attribute:  "age-bracket",
		Group:      "groupB",
		Value:      value,
		SampleSize: 100,
	}
}

func TestBreachPassesThroughWarning(t *testing.T) {
	m := openMachine(t, testConfig(1))
	ctx := context.Background()

	// First crossing only warns, however deep the value lands
	tr, err := m.Evaluate(ctx, paritySnap(0.5))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, types.AlertNormal, tr.From)
	assert.Equal(t, types.AlertWarning, tr.To)
	assert.False(t, tr.Opened)
	assert.Nil(t, tr.Alert)
	assert.Empty(t, m.ListOpen(Filter{}))

	// Second crossing breaches and mints the alert
	tr, err = m.Evaluate(ctx, paritySnap(0.5))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, types.AlertWarning, tr.From)
	assert.Equal(t, types.AlertBreached, tr.To)
	assert.True(t, tr.Opened)
	require.NotNil(t, tr.Alert)
	assert.Equal(t, types.SeverityCritical, tr.Alert.Severity, "0.5 against 0.8 overshoots by more than a quarter")
	assert.Equal(t, 0.5, tr.Alert.BreachValue)
	assert.Equal(t, 0.8, tr.Alert.Threshold)

	open := m.ListOpen(Filter{})
	require.Len(t, open, 1)
	assert.Equal(t, tr.Alert.ID, open[0].ID)
}

func TestBoundaryValueStaysNormal(t *testing.T) {
	m := openMachine(t, testConfig(1))
	ctx := context.Background()

	// Exactly on the threshold is not a crossing
	for i := 0; i < 3; i++ {
		tr, err := m.Evaluate(ctx, paritySnap(0.8))
		require.NoError(t, err)
		assert.Nil(t, tr)
	}
	assert.Empty(t, m.ListOpen(Filter{}))
}

func TestUnmonitoredAndUndersampledIgnored(t *testing.T) {
	m := openMachine(t, testConfig(1))
	ctx := context.Background()

	tr, err := m.Evaluate(ctx, types.MetricSnapshot{
		Metric: types.MetricName("calibration-drift"),
		Value:  0.1, SampleSize: 100,
	})
	require.NoError(t, err)
	assert.Nil(t, tr)

	snap := paritySnap(0.5)
	snap.SampleSize = 3
	tr, err = m.Evaluate(ctx, snap)
	require.NoError(t, err)
	assert.Nil(t, tr, "under-sampled snapshots must not move the state machine")
}

func TestOscillationSettlesWithoutFlapping(t *testing.T) {
	m := openMachine(t, testConfig(3))
	ctx := context.Background()

	// Oscillating just across the threshold, inside the hysteresis band
	for i, value := range []float64{0.79, 0.81, 0.79, 0.81, 0.79} {
		tr, err := m.Evaluate(ctx, paritySnap(value))
		require.NoError(t, err, "eval %d", i)
		if tr != nil {
			assert.NotEqual(t, types.AlertBreached, tr.To, "eval %d must not breach", i)
		}
	}
	assert.Empty(t, m.ListOpen(Filter{}))
}

func TestBeyondMarginSkipsDwell(t *testing.T) {
	m := openMachine(t, testConfig(5))
	ctx := context.Background()

	_, err := m.Evaluate(ctx, paritySnap(0.79))
	require.NoError(t, err)

	// 0.74 is past threshold minus hysteresis, no dwelling required
	tr, err := m.Evaluate(ctx, paritySnap(0.74))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, types.AlertBreached, tr.To)
	assert.True(t, tr.Opened)
}

func TestDwellCountHoldsWarning(t *testing.T) {
	m := openMachine(t, testConfig(3))
	ctx := context.Background()

	values := []float64{0.78, 0.78, 0.78} // entry eval plus two dwelling evals
	for _, v := range values[:2] {
		tr, err := m.Evaluate(ctx, paritySnap(v))
		require.NoError(t, err)
		if tr != nil {
			assert.NotEqual(t, types.AlertBreached, tr.To)
		}
	}

	// Third consecutive crossed evaluation after entering warning
	_, err := m.Evaluate(ctx, paritySnap(0.78))
	require.NoError(t, err)
	tr, err := m.Evaluate(ctx, paritySnap(0.78))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, types.AlertBreached, tr.To)
}

func breach(t *testing.T, m *Machine) types.Alert {
	t.Helper()
	ctx := context.Background()
	_, err := m.Evaluate(ctx, paritySnap(0.5))
	require.NoError(t, err)
	tr, err := m.Evaluate(ctx, paritySnap(0.5))
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.True(t, tr.Opened)
	return *tr.Alert
}

func TestRecoveryNeverAutoCloses(t *testing.T) {
	m := openMachine(t, testConfig(1))
	ctx := context.Background()

	alert := breach(t, m)

	// Metric recovers well past the hysteresis margin
	tr, err := m.Evaluate(ctx, paritySnap(0.95))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, types.AlertBreached, tr.From)
	assert.Equal(t, types.AlertNormal, tr.To)

	open := m.ListOpen(Filter{})
	require.Len(t, open, 1, "recovery updates the alert, closing takes a human")
	assert.Equal(t, alert.ID, open[0].ID)
	assert.Equal(t, types.AlertBreached, open[0].State)
	assert.Equal(t, 0.95, open[0].LastValue)
	assert.Equal(t, 0.5, open[0].BreachValue, "breach value is immutable")
}

func TestReBreachReusesOpenAlert(t *testing.T) {
	m := openMachine(t, testConfig(1))
	ctx := context.Background()

	alert := breach(t, m)

	_, err := m.Evaluate(ctx, paritySnap(0.95)) // recover
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, paritySnap(0.6)) // warning again
	require.NoError(t, err)
	tr, err := m.Evaluate(ctx, paritySnap(0.6))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, types.AlertBreached, tr.To)
	assert.False(t, tr.Opened, "an open alert absorbs re-breaches")
	assert.Equal(t, alert.ID, tr.Alert.ID)
	assert.Len(t, m.ListOpen(Filter{}), 1)
}

func TestAcknowledgeResolveLifecycle(t *testing.T) {
	m := openMachine(t, testConfig(1))
	ctx := context.Background()

	alert := breach(t, m)

	// Resolving an unacknowledged alert is rejected
	_, err := m.Resolve(ctx, alert.ID, "bob", "n/a")
	var already *types.AlreadyResolvedError
	require.ErrorAs(t, err, &already)

	acked, err := m.Acknowledge(ctx, alert.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.AlertAcknowledged, acked.State)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	assert.False(t, acked.AcknowledgedAt.IsZero())

	_, err = m.Acknowledge(ctx, alert.ID, "alice")
	require.ErrorAs(t, err, &already, "acknowledging twice is rejected")

	resolved, err := m.Resolve(ctx, alert.ID, "bob", "model retrained")
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, resolved.State)
	assert.Equal(t, "model retrained", resolved.ResolutionNote)
	assert.Empty(t, m.ListOpen(Filter{}))

	// Resolved is terminal
	_, err = m.Resolve(ctx, alert.ID, "bob", "again")
	require.ErrorAs(t, err, &already)
	_, err = m.Acknowledge(ctx, alert.ID, "carol")
	require.ErrorAs(t, err, &already)

	var notFound *types.NotFoundError
	_, err = m.Acknowledge(ctx, "no-such-alert", "alice")
	require.ErrorAs(t, err, &notFound)
}

func TestNewBreachAfterResolutionMintsNewAlert(t *testing.T) {
	m := openMachine(t, testConfig(1))
	ctx := context.Background()

	first := breach(t, m)
	_, err := m.Acknowledge(ctx, first.ID, "alice")
	require.NoError(t, err)
	_, err = m.Resolve(ctx, first.ID, "alice", "fixed")
	require.NoError(t, err)

	second := breach(t, m)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := m.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, got.State, "resolved alert is never reopened")
}

func TestListOpenFilters(t *testing.T) {
	m := openMachine(t, testConfig(1))
	ctx := context.Background()

	breach(t, m)

	diSnap := types.MetricSnapshot{
		Metric:     types.MetricDisparateImpact,
		Type:       types.DecisionCreditLimit,
		Attribute:  "region",
		Value:      0.5,
		SampleSize: 100,
	}
	_, err := m.Evaluate(ctx, diSnap)
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, diSnap)
	require.NoError(t, err)

	assert.Len(t, m.ListOpen(Filter{}), 2)
	assert.Len(t, m.ListOpen(Filter{Metric: types.MetricDemographicParity}), 1)
	assert.Len(t, m.ListOpen(Filter{Type: types.DecisionCreditLimit}), 1)
	assert.Empty(t, m.ListOpen(Filter{Attribute: "income-band"}))
}

func TestOpenAlertsSurviveReopen(t *testing.T) {
	cfg := testConfig(1)
	path := filepath.Join(t.TempDir(), "alerts.db")
	logger := telemetry.NewLogger("test")
	ctx := context.Background()

	m, err := Open(path, cfg, logger)
	require.NoError(t, err)
	alert := breach(t, m)
	require.NoError(t, m.Close())

	m, err = Open(path, cfg, logger)
	require.NoError(t, err)
	defer m.Close()

	open := m.ListOpen(Filter{})
	require.Len(t, open, 1)
	assert.Equal(t, alert.ID, open[0].ID)

	// Series tracking state was restored too: a recovery transitions
	tr, err := m.Evaluate(ctx, paritySnap(0.95))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, types.AlertBreached, tr.From)
	assert.Equal(t, types.AlertNormal, tr.To)
}
