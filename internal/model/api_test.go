package model_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/model"
)

// ---- PipelineStepRequest.Validate ------------------------------------------

func TestPipelineStepRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     model.PipelineStepRequest
		wantErr string
	}{
		{name: "mode only", req: model.PipelineStepRequest{Mode: "WRITE", BookID: "b1"}},
		{name: "preset only", req: model.PipelineStepRequest{Preset: "draft", BookID: "b1"}},
		{name: "missing target", req: model.PipelineStepRequest{BookID: "b1"}, wantErr: "required"},
		{name: "both", req: model.PipelineStepRequest{Mode: "WRITE", Preset: "draft"}, wantErr: "mutually exclusive"},
		{name: "book traversal", req: model.PipelineStepRequest{Mode: "WRITE", BookID: "../etc"}, wantErr: "path separators"},
		{name: "book too long", req: model.PipelineStepRequest{Mode: "WRITE", BookID: strings.Repeat("b", model.MaxIDLen+1)}, wantErr: "book_id"},
		{
			name:    "text too long",
			req:     model.PipelineStepRequest{Mode: "WRITE", Payload: map[string]any{"text": strings.Repeat("x", model.MaxTextLen+1)}},
			wantErr: "payload.text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPipelineStepRequest_TargetPrefersPreset(t *testing.T) {
	assert.Equal(t, "draft", model.PipelineStepRequest{Preset: "draft"}.Target())
	assert.Equal(t, "WRITE", model.PipelineStepRequest{Mode: "WRITE"}.Target())
}

// ---- Errors -----------------------------------------------------------------

func TestKindOf(t *testing.T) {
	cfg := model.ConfigError("catalog.resolve", "unknown mode %q", "NOPE")
	wrapped := fmt.Errorf("pipeline: %w", cfg)

	assert.Equal(t, model.KindConfig, model.KindOf(wrapped))
	assert.Equal(t, model.KindPolicy, model.KindOf(model.PolicyViolation("routing", "x")))
	assert.Equal(t, model.KindTimeout, model.KindOf(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	assert.Equal(t, model.KindInternal, model.KindOf(errors.New("boom")))
	assert.Equal(t, model.ErrorKind(""), model.KindOf(nil))
	assert.True(t, model.IsKind(wrapped, model.KindConfig))
}

func TestError_MessageAndUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := model.Wrap(model.KindLock, "lock.acquire", base)
	assert.Equal(t, "lock.acquire: disk full", err.Error())
	assert.ErrorIs(t, err, base)

	msg := model.ConfigError("catalog.load", "duplicate id %q", "WRITE")
	assert.Equal(t, `catalog.load: duplicate id "WRITE"`, msg.Error())
}

// ---- Decisions and policies ---------------------------------------------------

func TestDecision_Worse(t *testing.T) {
	assert.Equal(t, model.DecisionReject, model.DecisionAccept.Worse(model.DecisionReject))
	assert.Equal(t, model.DecisionRevise, model.DecisionRevise.Worse(model.DecisionAccept))
	assert.Equal(t, model.DecisionReject, model.DecisionReject.Worse(model.DecisionRevise))
}

func TestRetryPolicy_BackoffClampsToLastEntry(t *testing.T) {
	p := model.RetryPolicy{BackoffSeconds: []float64{5, 15, 30}}
	assert.Equal(t, 5*time.Second, p.Backoff(0))
	assert.Equal(t, 30*time.Second, p.Backoff(2))
	assert.Equal(t, 30*time.Second, p.Backoff(9))
	assert.Equal(t, time.Duration(0), model.RetryPolicy{}.Backoff(1))
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, model.RunStatusQueued.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.True(t, model.RunStatusDone.Terminal())
	assert.True(t, model.RunStatusError.Terminal())
}

func TestFeedbackRequest_Validate(t *testing.T) {
	assert.NoError(t, model.FeedbackRequest{RunID: "r", Satisfaction: 0.5}.Validate())
	assert.Error(t, model.FeedbackRequest{Satisfaction: 0.5}.Validate())
	assert.Error(t, model.FeedbackRequest{RunID: "r", Satisfaction: 1.5}.Validate())
}
