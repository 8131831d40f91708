package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/scriptorium/internal/model"
)

const (
	busyRetries   = 3
	busyBaseDelay = 20 * time.Millisecond
)

// RecordQualityEvent stores one gate evaluation.
func (db *DB) RecordQualityEvent(ctx context.Context, ev model.QualityEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := WithRetry(ctx, busyRetries, busyBaseDelay, func() error {
		_, err := db.db.ExecContext(ctx,
			`INSERT INTO quality_events (run_id, mode, decision, score, retried, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ev.RunID, ev.Mode, string(ev.Decision), ev.Score, boolInt(ev.Retried), ev.CreatedAt.UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: record quality event: %w", err)
	}
	return nil
}

// RecordFeedback stores a user rating of a run.
func (db *DB) RecordFeedback(ctx context.Context, req model.FeedbackRequest) error {
	err := WithRetry(ctx, busyRetries, busyBaseDelay, func() error {
		_, err := db.db.ExecContext(ctx,
			`INSERT INTO feedback (run_id, accepted, satisfaction, created_at) VALUES (?, ?, ?, ?)`,
			req.RunID, boolInt(req.Accepted), req.Satisfaction, time.Now().UTC().UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: record feedback: %w", err)
	}
	return nil
}

// FeedbackSignals aggregates quality events and ratings newer than since.
// With no ratings in the window, satisfaction is reported as 1 so it adds no
// pressure.
func (db *DB) FeedbackSignals(ctx context.Context, since time.Time) (model.FeedbackSignals, error) {
	var sig model.FeedbackSignals
	var rejects, retries, accepts sql.NullInt64
	var avgScore sql.NullFloat64
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        SUM(CASE WHEN decision = 'REJECT' THEN 1 ELSE 0 END),
		        SUM(retried),
		        SUM(CASE WHEN decision = 'ACCEPT' THEN 1 ELSE 0 END),
		        AVG(score)
		 FROM quality_events WHERE created_at >= ?`, since.UnixNano(),
	).Scan(&sig.Samples, &rejects, &retries, &accepts, &avgScore)
	if err != nil {
		return sig, fmt.Errorf("storage: aggregate quality events: %w", err)
	}
	if sig.Samples > 0 {
		n := float64(sig.Samples)
		sig.RejectRate = float64(rejects.Int64) / n
		sig.RetryRate = float64(retries.Int64) / n
		sig.AcceptRate = float64(accepts.Int64) / n
		sig.ObservedQuality = avgScore.Float64
	}

	var ratings int
	var avgSat sql.NullFloat64
	err = db.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(satisfaction) FROM feedback WHERE created_at >= ?`, since.UnixNano(),
	).Scan(&ratings, &avgSat)
	if err != nil {
		return sig, fmt.Errorf("storage: aggregate feedback: %w", err)
	}
	sig.UserSatisfaction = 1
	if ratings > 0 && avgSat.Valid {
		sig.UserSatisfaction = avgSat.Float64
	}
	return sig, nil
}

// RecordPolicyAudit stores one feedback-loop adjustment.
func (db *DB) RecordPolicyAudit(ctx context.Context, pressure float64, action string, before, after model.RetryPolicy) error {
	b, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("storage: marshal policy: %w", err)
	}
	a, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("storage: marshal policy: %w", err)
	}
	err = WithRetry(ctx, busyRetries, busyBaseDelay, func() error {
		_, err := db.db.ExecContext(ctx,
			`INSERT INTO policy_audit (pressure, action, before_json, after_json, created_at) VALUES (?, ?, ?, ?, ?)`,
			pressure, action, string(b), string(a), time.Now().UTC().UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: record policy audit: %w", err)
	}
	return nil
}

// LatestPolicy returns the most recently audited policy, if any.
func (db *DB) LatestPolicy(ctx context.Context) (model.RetryPolicy, bool, error) {
	var raw string
	err := db.db.QueryRowContext(ctx,
		`SELECT after_json FROM policy_audit ORDER BY id DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return model.RetryPolicy{}, false, nil
	}
	if err != nil {
		return model.RetryPolicy{}, false, fmt.Errorf("storage: latest policy: %w", err)
	}
	var p model.RetryPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.RetryPolicy{}, false, fmt.Errorf("storage: parse policy: %w", err)
	}
	return p, true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
