package quality_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/testutil"
)

var (
	highPressure = model.FeedbackSignals{RejectRate: 1, RetryRate: 1, AcceptRate: 0, ObservedQuality: 0, UserSatisfaction: 0, Samples: 20}
	lowPressure  = model.FeedbackSignals{RejectRate: 0, RetryRate: 0, AcceptRate: 1, ObservedQuality: 0.95, UserSatisfaction: 1, Samples: 20}
	midPressure  = model.FeedbackSignals{RejectRate: 0.5, RetryRate: 0.3, AcceptRate: 0.5, ObservedQuality: 0.8, UserSatisfaction: 1, Samples: 20}
)

func TestAdjustPolicy_Tighten(t *testing.T) {
	before := quality.DefaultPolicy()
	after, audit := quality.AdjustPolicyFromFeedback(before, highPressure)

	assert.Equal(t, quality.ActionTighten, audit.Action)
	assert.GreaterOrEqual(t, audit.Pressure, quality.TightenAt)
	assert.Equal(t, model.LevelRed, after.Level)
	assert.Equal(t, 3, after.MaxRetries)
	assert.InDelta(t, 0.75, after.QualityFloor, 0.001)
	assert.InDelta(t, 0.4, after.ReviewerWeight, 0.001)
	assert.InDelta(t, 0.6, after.Temperature, 0.001)
	assert.Equal(t, []float64{5, 15, 30}, after.BackoffSeconds)
	assert.True(t, after.RequireReviewOnRetry)
	assert.Equal(t, before, audit.Before)
}

func TestAdjustPolicy_Relax(t *testing.T) {
	after, audit := quality.AdjustPolicyFromFeedback(quality.DefaultPolicy(), lowPressure)

	assert.Equal(t, quality.ActionRelax, audit.Action)
	assert.Equal(t, model.LevelGreen, after.Level)
	assert.Equal(t, 1, after.MaxRetries)
	assert.InDelta(t, quality.MinQualityFloor, after.QualityFloor, 0.001, "floor never drops below its minimum")
	assert.InDelta(t, 0.8, after.Temperature, 0.001)
	assert.Equal(t, []float64{1}, after.BackoffSeconds)
	assert.False(t, after.RequireReviewOnRetry)
}

func TestAdjustPolicy_Hold(t *testing.T) {
	before := quality.DefaultPolicy()
	after, audit := quality.AdjustPolicyFromFeedback(before, midPressure)

	assert.Equal(t, quality.ActionHold, audit.Action)
	assert.Equal(t, model.LevelYellow, after.Level)
	assert.Equal(t, before.MaxRetries, after.MaxRetries)
	assert.InDelta(t, before.QualityFloor, after.QualityFloor, 0.001)
}

func TestAdjustPolicy_ClampsUnderSustainedPressure(t *testing.T) {
	p := quality.DefaultPolicy()
	for range 20 {
		p, _ = quality.AdjustPolicyFromFeedback(p, highPressure)
	}
	assert.Equal(t, quality.MaxRetries, p.MaxRetries)
	assert.InDelta(t, quality.MaxQualityFloor, p.QualityFloor, 0.001)
	assert.InDelta(t, 1.0, p.ReviewerWeight, 0.001)
	assert.InDelta(t, quality.MinTemperature, p.Temperature, 0.001)

	for range 20 {
		p, _ = quality.AdjustPolicyFromFeedback(p, lowPressure)
	}
	assert.Equal(t, quality.MinRetries, p.MaxRetries)
	assert.InDelta(t, quality.MinQualityFloor, p.QualityFloor, 0.001)
	assert.InDelta(t, 0.0, p.ReviewerWeight, 0.001)
	assert.InDelta(t, quality.MaxTemperature, p.Temperature, 0.001)
}

func TestPressure_Bounds(t *testing.T) {
	assert.InDelta(t, 0.0, quality.Pressure(lowPressure, 0.72), 0.001)
	assert.LessOrEqual(t, quality.Pressure(highPressure, 0.9), 1.0)
	wild := model.FeedbackSignals{RejectRate: 7, RetryRate: -3, AcceptRate: 2, UserSatisfaction: 9}
	p := quality.Pressure(wild, 0.72)
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)
}

func TestResolvePolicyForScope_Layering(t *testing.T) {
	global := model.QualityFlags{Enabled: testutil.Ptr(true), RequireProse: testutil.Ptr(true), MinWords: testutil.Ptr(10)}
	preset := &model.QualityFlags{MinWords: testutil.Ptr(50)}
	mode := &model.QualityFlags{QualityFloor: testutil.Ptr(0.8)}
	req := &model.QualityFlags{RequireProse: testutil.Ptr(false), MaxRetries: testutil.Ptr(0)}

	s := quality.ResolvePolicyForScope(global, preset, mode, req)
	assert.True(t, s.Enabled)
	assert.Equal(t, 50, s.MinWords)
	require.NotNil(t, s.QualityFloor)
	assert.InDelta(t, 0.8, *s.QualityFloor, 0.001)
	assert.False(t, s.RequireProse)
	assert.Equal(t, 0, s.EffectiveMaxRetries(quality.DefaultPolicy()))
	assert.Equal(t, []string{quality.LayerGlobal, quality.LayerPreset, quality.LayerMode, quality.LayerRequest}, s.Layers)
}

func TestResolvePolicyForScope_DisabledShortCircuits(t *testing.T) {
	tests := []struct {
		name   string
		preset *model.QualityFlags
		mode   *model.QualityFlags
		req    *model.QualityFlags
		want   string
	}{
		{"preset", &model.QualityFlags{Enabled: testutil.Ptr(false)}, &model.QualityFlags{Enabled: testutil.Ptr(true)}, nil, quality.LayerPreset},
		{"mode", nil, &model.QualityFlags{Enabled: testutil.Ptr(false)}, &model.QualityFlags{Enabled: testutil.Ptr(true)}, quality.LayerMode},
		{"request", nil, nil, &model.QualityFlags{Enabled: testutil.Ptr(false)}, quality.LayerRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := quality.ResolvePolicyForScope(model.QualityFlags{}, tt.preset, tt.mode, tt.req)
			assert.False(t, s.Enabled)
			assert.Equal(t, tt.want, s.DisabledBy)
		})
	}
}

func TestScope_ThresholdsFallBackToPolicy(t *testing.T) {
	policy := quality.DefaultPolicy()
	s := quality.ResolvePolicyForScope(model.QualityFlags{MinWords: testutil.Ptr(20)}, nil, nil, nil)
	th := s.Thresholds(policy)
	assert.Equal(t, 20, th.MinWords)
	assert.InDelta(t, policy.QualityFloor, th.QualityFloor, 0.001)
	assert.InDelta(t, policy.ReviewerWeight, th.ReviewerWeight, 0.001)
	assert.Equal(t, policy.MaxRetries, s.EffectiveMaxRetries(policy))
}

func TestScopeFor_UsesCatalogLayers(t *testing.T) {
	cfg := catalog.QualityConfig{
		Global:  model.QualityFlags{Enabled: testutil.Ptr(true)},
		Presets: map[string]model.QualityFlags{"draft": {MinWords: testutil.Ptr(40)}},
		Modes:   map[string]model.QualityFlags{"CRITIC": {Enabled: testutil.Ptr(false)}},
	}
	assert.Equal(t, 40, quality.ScopeFor(cfg, "draft", "WRITE", nil).MinWords)
	assert.Equal(t, 0, quality.ScopeFor(cfg, "", "WRITE", nil).MinWords)

	s := quality.ScopeFor(cfg, "draft", "CRITIC", nil)
	assert.False(t, s.Enabled)
	assert.Equal(t, quality.LayerMode, s.DisabledBy)
}

func TestPolicyStore_GetReturnsCopy(t *testing.T) {
	store := quality.NewPolicyStore(quality.DefaultPolicy())
	p := store.Get()
	p.BackoffSeconds[0] = 99
	assert.NotEqual(t, 99.0, store.Get().BackoffSeconds[0])
}

type fakeSignals struct {
	sig    model.FeedbackSignals
	err    error
	audits []string
}

func (f *fakeSignals) FeedbackSignals(context.Context, time.Time) (model.FeedbackSignals, error) {
	return f.sig, f.err
}

func (f *fakeSignals) RecordPolicyAudit(_ context.Context, _ float64, action string, _, _ model.RetryPolicy) error {
	f.audits = append(f.audits, action)
	return nil
}

func TestFeedbackLoop_Tick(t *testing.T) {
	src := &fakeSignals{sig: highPressure}
	store := quality.NewPolicyStore(quality.DefaultPolicy())
	loop := quality.NewFeedbackLoop(src, store, time.Hour, 5, testutil.TestLogger())

	audit, applied, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, quality.ActionTighten, audit.Action)
	assert.Equal(t, model.LevelRed, store.Get().Level)
	assert.Equal(t, []string{quality.ActionTighten}, src.audits)
}

func TestFeedbackLoop_SkipsSparseWindows(t *testing.T) {
	sparse := highPressure
	sparse.Samples = 2
	src := &fakeSignals{sig: sparse}
	store := quality.NewPolicyStore(quality.DefaultPolicy())
	loop := quality.NewFeedbackLoop(src, store, time.Hour, 5, testutil.TestLogger())

	_, applied, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, quality.DefaultPolicy().Level, store.Get().Level)
	assert.Empty(t, src.audits)
}

func TestFeedbackLoop_SourceError(t *testing.T) {
	src := &fakeSignals{err: errors.New("db down")}
	loop := quality.NewFeedbackLoop(src, quality.NewPolicyStore(quality.DefaultPolicy()), time.Hour, 1, testutil.TestLogger())
	_, applied, err := loop.Tick(context.Background())
	assert.Error(t, err)
	assert.False(t, applied)
}
