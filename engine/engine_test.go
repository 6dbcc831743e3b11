package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustai/fairsight/alerting"
	"github.com/trustai/fairsight/audit"
	"github.com/trustai/fairsight/config"
	"github.com/trustai/fairsight/telemetry"
	"github.com/trustai/fairsight/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Decisions = map[string]config.DecisionPolicy{
		string(types.DecisionLoanApproval): {MandatoryAttributes: []string{"age-bracket"}},
	}
	cfg.Window.MinSamples = 10
	for name, th := range cfg.Thresholds {
		th.MinSamples = 10
		th.DwellCount = 1
		cfg.Thresholds[name] = th
	}
	return cfg
}

func openEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := New(dir, testConfig(), telemetry.NewLogger("test"))
	require.NoError(t, err)
	return e
}

func draft(group string, approved bool) types.Decision {
	outcome := types.OutcomeDenied
	if approved {
		outcome = types.OutcomeApproved
	}
	return types.Decision{
		SubjectRef: "subject-" + group,
		Type:       types.DecisionLoanApproval,
		Attributes: map[string]string{"age-bracket": group},
		Output:     types.ModelOutput{Outcome: outcome, Confidence: 0.9},
	}
}

func TestRecordDecisionEndToEnd(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	d, err := e.RecordDecision(ctx, draft("25-34", true))
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.RecordedAt.IsZero())

	got, err := e.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	entries := e.QueryAuditLog(audit.QueryFilter{Type: audit.EventDecisionRecorded})
	require.Len(t, entries, 1)
	assert.True(t, strings.Contains(string(entries[0].Payload), d.ID))

	view, err := e.GetExplanation(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, view.Pending, "no attribution delivered yet")
}

func TestInvalidDecisionLeavesNoTrace(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	bad := draft("25-34", true)
	bad.Attributes = map[string]string{} // missing mandatory attribute

	_, err := e.RecordDecision(ctx, bad)
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)

	assert.Empty(t, e.QueryAuditLog(audit.QueryFilter{}), "rejected decisions must not be audited")
	assert.Equal(t, int64(0), e.AuditTip())
}

func TestSkewOpensAlertAndAuditsBreach(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	// groupA approved at 0.9, groupB at 0.3
	for i := 0; i < 20; i++ {
		_, err := e.RecordDecision(ctx, draft("groupA", i < 18))
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		_, err := e.RecordDecision(ctx, draft("groupB", i < 6))
		require.NoError(t, err)
	}

	open := e.ListOpenAlerts(alerting.Filter{})
	require.NotEmpty(t, open, "a sustained skew this deep must open an alert")

	parityAlerts := e.ListOpenAlerts(alerting.Filter{Metric: types.MetricDemographicParity})
	require.NotEmpty(t, parityAlerts)
	assert.Equal(t, "groupB", parityAlerts[0].Key.Group)
	assert.Less(t, parityAlerts[0].BreachValue, 0.8)

	breaches := e.QueryAuditLog(audit.QueryFilter{Type: audit.EventMetricBreached})
	assert.Len(t, breaches, len(open), "every opened alert is audited exactly once")

	require.NoError(t, e.VerifyAuditChain(ctx, 0, e.AuditTip()-1))
}

func TestAlertLifecycleIsAudited(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := e.RecordDecision(ctx, draft("groupA", i < 18))
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		_, err := e.RecordDecision(ctx, draft("groupB", i < 6))
		require.NoError(t, err)
	}

	open := e.ListOpenAlerts(alerting.Filter{Metric: types.MetricDemographicParity})
	require.NotEmpty(t, open)
	alertID := open[0].ID

	acked, err := e.AcknowledgeAlert(ctx, alertID, "compliance-officer")
	require.NoError(t, err)
	assert.Equal(t, types.AlertAcknowledged, acked.State)

	resolved, err := e.ResolveAlert(ctx, alertID, "compliance-officer", "model rollback")
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, resolved.State)

	assert.Len(t, e.QueryAuditLog(audit.QueryFilter{Type: audit.EventAlertAcknowledged}), 1)
	assert.Len(t, e.QueryAuditLog(audit.QueryFilter{Type: audit.EventAlertResolved}), 1)
	require.NoError(t, e.VerifyAuditChain(ctx, 0, e.AuditTip()-1))
}

func TestExplanationAttachment(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	d, err := e.RecordDecision(ctx, draft("25-34", true))
	require.NoError(t, err)

	// Attribution referencing a different decision is rejected
	_, err = e.AttachExplanation(ctx, d.ID, RawAttribution{
		DecisionID: "someone-else",
		Weights:    map[string]float64{"income": 0.5},
	})
	var mismatch *types.AttributionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, d.ID, mismatch.DecisionID)

	// Attribution for a decision that was never recorded is a mismatch too
	_, err = e.AttachExplanation(ctx, "no-such-decision", RawAttribution{
		Weights: map[string]float64{"income": 0.5},
	})
	mismatch = nil
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "no-such-decision", mismatch.DecisionID)

	// Empty attribution is rejected
	_, err = e.AttachExplanation(ctx, d.ID, RawAttribution{DecisionID: d.ID})
	var empty *types.EmptyAttributionError
	require.ErrorAs(t, err, &empty)

	rec, err := e.AttachExplanation(ctx, d.ID, RawAttribution{
		DecisionID: d.ID,
		Weights:    map[string]float64{"income": 0.62, "debt-ratio": -0.41, "tenure": 0.08},
	})
	require.NoError(t, err)
	require.Len(t, rec.Features, 3)
	assert.Equal(t, "income", rec.Features[0].Feature)

	view, err := e.GetExplanation(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, view.Pending)
	assert.Equal(t, rec.Summary, view.Record.Summary)

	entries := e.QueryAuditLog(audit.QueryFilter{Type: audit.EventExplanationAttached})
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].RefSeq, "explanation entry references the decision recording")
}

func TestGroundTruthAndOverrideAudited(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	d, err := e.RecordDecision(ctx, draft("25-34", true))
	require.NoError(t, err)

	resolved, err := e.AttachGroundTruth(ctx, d.ID, types.OutcomeDenied)
	require.NoError(t, err)
	require.NotNil(t, resolved.GroundTruth)
	assert.Equal(t, types.OutcomeDenied, *resolved.GroundTruth)

	_, err = e.AttachGroundTruth(ctx, d.ID, types.OutcomeApproved)
	var already *types.AlreadyResolvedError
	require.ErrorAs(t, err, &already, "ground truth attaches exactly once")

	overridden, err := e.OverrideDecision(ctx, d.ID, types.OutcomeDenied, "manual review", "reviewer-7")
	require.NoError(t, err)
	require.NotNil(t, overridden.Override)
	assert.Equal(t, types.OutcomeApproved, overridden.Output.Outcome, "original output is never rewritten")

	gt := e.QueryAuditLog(audit.QueryFilter{Type: audit.EventGroundTruthAttached})
	require.Len(t, gt, 1)
	require.NotNil(t, gt[0].RefSeq)
	assert.Equal(t, int64(0), *gt[0].RefSeq, "references the decision-recorded entry")

	ov := e.QueryAuditLog(audit.QueryFilter{Type: audit.EventDecisionOverridden})
	require.Len(t, ov, 1)
	require.NotNil(t, ov[0].RefSeq)

	require.NoError(t, e.VerifyAuditChain(ctx, 0, e.AuditTip()-1))
}

func TestConsentChangeAudited(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	_, err := e.RecordConsentChange(ctx, "", "profiling", true, "subject")
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)

	entry, err := e.RecordConsentChange(ctx, "subject-42", "profiling", false, "subject")
	require.NoError(t, err)
	assert.Equal(t, audit.EventConsentChanged, entry.Type)
	assert.True(t, strings.Contains(string(entry.Payload), "subject-42"))
}

func TestVerifySweepFlagsTamper(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openEngine(t, dir)
	for i := 0; i < 12; i++ {
		_, err := e.RecordDecision(ctx, draft("groupA", true))
		require.NoError(t, err)
	}
	require.NoError(t, e.VerifySweep(ctx))
	require.NoError(t, e.Close())

	path := filepath.Join(dir, "audit.log")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"confidence":0.9`, `"confidence":0.1`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	e = openEngine(t, dir)
	defer e.Close()

	err = e.VerifySweep(ctx)
	var integrity *types.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(0), integrity.Seq)

	flags := e.QueryAuditLog(audit.QueryFilter{Type: audit.EventChainVerified})
	require.Len(t, flags, 1, "the violation itself goes on the record")
}

func TestRestartReplaysWindowCounters(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openEngine(t, dir)
	for i := 0; i < 20; i++ {
		_, err := e.RecordDecision(ctx, draft("groupA", i < 10))
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	e = openEngine(t, dir)
	defer e.Close()

	snaps, err := e.GetMetric(ctx, types.MetricDemographicParity, types.DecisionLoanApproval, "age-bracket")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 20, snaps[0].SampleSize, "counters rebuilt from the decision store")
	assert.InDelta(t, 1.0, snaps[0].Value, 1e-12)
}
