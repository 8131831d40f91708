package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/testutil"
	"github.com/ashita-ai/scriptorium/migrations"
)

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))
}

func TestFeedbackSignals_Empty(t *testing.T) {
	db := testutil.NewTestDB(t)
	sig, err := db.FeedbackSignals(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, sig.Samples)
	assert.Equal(t, 1.0, sig.UserSatisfaction)
}

func TestFeedbackSignals_Aggregates(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	for _, ev := range []model.QualityEvent{
		{RunID: "r1", Mode: "QUALITY", Decision: model.DecisionAccept, Score: 1.0},
		{RunID: "r2", Mode: "QUALITY", Decision: model.DecisionRevise, Score: 0.6, Retried: true},
		{RunID: "r3", Mode: "QUALITY", Decision: model.DecisionReject, Score: 0.2},
		{RunID: "r4", Mode: "QUALITY", Decision: model.DecisionAccept, Score: 0.8},
	} {
		require.NoError(t, db.RecordQualityEvent(ctx, ev))
	}
	require.NoError(t, db.RecordFeedback(ctx, model.FeedbackRequest{RunID: "r1", Accepted: true, Satisfaction: 0.8}))
	require.NoError(t, db.RecordFeedback(ctx, model.FeedbackRequest{RunID: "r2", Satisfaction: 0.4}))

	sig, err := db.FeedbackSignals(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, sig.Samples)
	assert.InDelta(t, 0.25, sig.RejectRate, 1e-9)
	assert.InDelta(t, 0.25, sig.RetryRate, 1e-9)
	assert.InDelta(t, 0.50, sig.AcceptRate, 1e-9)
	assert.InDelta(t, 0.65, sig.ObservedQuality, 1e-9)
	assert.InDelta(t, 0.60, sig.UserSatisfaction, 1e-9)

	later, err := db.FeedbackSignals(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, later.Samples)
}

func TestPolicyAudit_LatestPolicy(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	_, ok, err := db.LatestPolicy(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	before := model.RetryPolicy{Level: model.LevelYellow, MaxRetries: 2}
	after := model.RetryPolicy{Level: model.LevelRed, MaxRetries: 3, BackoffSeconds: []float64{5, 15, 30}}
	require.NoError(t, db.RecordPolicyAudit(ctx, 0.7, "tighten", before, after))

	got, ok, err := db.LatestPolicy(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.LevelRed, got.Level)
	assert.Equal(t, 3, got.MaxRetries)
}
