package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustai/fairsight/config"
	"github.com/trustai/fairsight/types"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fairsight.db")
	s, err := Open(path, config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func draftDecision() types.Decision {
	return types.Decision{
		SubjectRef: "cust-42",
		Type:       types.DecisionLoanApproval,
		Attributes: map[string]string{"age-bracket": "25-34", "gender": "female"},
		Output:     types.ModelOutput{Outcome: types.OutcomeApproved, Confidence: 0.91},
	}
}

func TestStoreRecord(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	d, err := s.Record(ctx, draftDecision())
	require.NoError(t, err)

	assert.NotEmpty(t, d.ID)
	assert.False(t, d.RecordedAt.IsZero())

	stored, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Attributes, stored.Attributes)
	assert.Equal(t, types.OutcomeApproved, stored.Output.Outcome)
}

func TestStoreRecordValidation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*types.Decision)
	}{
		{"unknown type", func(d *types.Decision) { d.Type = "mortgage" }},
		{"confidence out of range", func(d *types.Decision) { d.Output.Confidence = 1.2 }},
		{"missing mandatory attribute", func(d *types.Decision) { delete(d.Attributes, "gender") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft := draftDecision()
			tt.mutate(&draft)

			_, err := s.Record(ctx, draft)
			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestStoreAttachGroundTruth(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	d, err := s.Record(ctx, draftDecision())
	require.NoError(t, err)

	resolved, err := s.AttachGroundTruth(ctx, d.ID, types.OutcomeDenied)
	require.NoError(t, err)
	require.NotNil(t, resolved.GroundTruth)
	assert.Equal(t, types.OutcomeDenied, *resolved.GroundTruth)
	assert.False(t, resolved.ResolvedAt.IsZero())

	// Second attach fails and leaves the first outcome unchanged
	_, err = s.AttachGroundTruth(ctx, d.ID, types.OutcomeApproved)
	var already *types.AlreadyResolvedError
	require.ErrorAs(t, err, &already)

	stored, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDenied, *stored.GroundTruth)

	// Unknown id
	_, err = s.AttachGroundTruth(ctx, "no-such-id", types.OutcomeDenied)
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStoreExplanationPending(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	d, err := s.Record(ctx, draftDecision())
	require.NoError(t, err)

	// Before attachment: pending, never an error
	_, found, err := s.GetExplanation(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, found)

	rec := types.ExplanationRecord{
		DecisionID: d.ID,
		Features: []types.FeatureWeight{
			{Feature: "income", Weight: 0.4, Rank: 1},
		},
		Summary: "income increased loan-approval likelihood",
	}
	require.NoError(t, s.PutExplanation(ctx, rec))

	got, found, err := s.GetExplanation(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.Summary, got.Summary)

	// Unknown decision id is an error, not pending
	_, _, err = s.GetExplanation(ctx, "no-such-id")
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStoreOverride(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	d, err := s.Record(ctx, draftDecision())
	require.NoError(t, err)

	over, err := s.Override(ctx, d.ID, types.OutcomeDenied, "manual review found income mismatch", "compliance@bank")
	require.NoError(t, err)
	require.NotNil(t, over.Override)
	assert.Equal(t, types.OutcomeDenied, over.Override.NewOutcome)

	// Original model output is preserved
	assert.Equal(t, types.OutcomeApproved, over.Output.Outcome)

	_, err = s.Override(ctx, d.ID, types.OutcomeDenied, "", "compliance@bank")
	assert.Error(t, err, "empty reason should be rejected")
}

func TestStoreReopenRebuildsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fairsight.db")
	cfg := config.Default()
	ctx := context.Background()

	s, err := Open(path, cfg)
	require.NoError(t, err)

	d, err := s.Record(ctx, draftDecision())
	require.NoError(t, err)
	_, err = s.AttachGroundTruth(ctx, d.ID, types.OutcomeApproved)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path, cfg)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	// Resolution state must survive restart
	_, err = reopened.AttachGroundTruth(ctx, d.ID, types.OutcomeDenied)
	var already *types.AlreadyResolvedError
	require.ErrorAs(t, err, &already)

	decisions, err := reopened.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, d.ID, decisions[0].ID)
}
