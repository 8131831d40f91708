package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/scriptorium/internal/model"
)

// SignalSource supplies aggregate telemetry and records adjustments.
// *storage.DB implements it.
type SignalSource interface {
	FeedbackSignals(ctx context.Context, since time.Time) (model.FeedbackSignals, error)
	RecordPolicyAudit(ctx context.Context, pressure float64, action string, before, after model.RetryPolicy) error
}

// FeedbackLoop periodically adapts the active policy from telemetry.
type FeedbackLoop struct {
	src        SignalSource
	store      *PolicyStore
	window     time.Duration
	minSamples int
	logger     *slog.Logger
}

// NewFeedbackLoop creates a loop reading signals over window. Windows with
// fewer than minSamples quality events leave the policy untouched.
func NewFeedbackLoop(src SignalSource, store *PolicyStore, window time.Duration, minSamples int, logger *slog.Logger) *FeedbackLoop {
	return &FeedbackLoop{src: src, store: store, window: window, minSamples: minSamples, logger: logger}
}

// Tick runs one adjustment. It reports false when there was too little data.
func (l *FeedbackLoop) Tick(ctx context.Context) (Audit, bool, error) {
	sig, err := l.src.FeedbackSignals(ctx, time.Now().Add(-l.window))
	if err != nil {
		return Audit{}, false, fmt.Errorf("quality: feedback signals: %w", err)
	}
	if sig.Samples < l.minSamples || sig.Samples == 0 {
		return Audit{}, false, nil
	}
	next, audit := AdjustPolicyFromFeedback(l.store.Get(), sig)
	l.store.Set(next)
	if err := l.src.RecordPolicyAudit(ctx, audit.Pressure, audit.Action, audit.Before, audit.After); err != nil {
		l.logger.Warn("quality: policy audit not recorded", "error", err)
	}
	l.logger.Info("quality: policy adjusted",
		"action", audit.Action, "pressure", audit.Pressure, "level", next.Level,
		"max_retries", next.MaxRetries, "quality_floor", next.QualityFloor, "samples", sig.Samples)
	return audit, true, nil
}

// Run ticks every interval until ctx ends.
func (l *FeedbackLoop) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := l.Tick(ctx); err != nil {
				l.logger.Warn("quality: feedback tick failed", "error", err)
			}
		}
	}
}
