package generation

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Backoff bounds for Resilient.
const (
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
)

// Resilient retries a provider with jittered exponential backoff. When every
// attempt fails it returns the caller's fallback text marked Fallback=true
// rather than an error. Only context cancellation is returned as an error.
type Resilient struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewResilient wraps inner. maxAttempts below 1 is treated as 1.
func NewResilient(inner Provider, maxAttempts int, logger *slog.Logger) *Resilient {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Resilient{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// WithDelays overrides the backoff bounds.
func (r *Resilient) WithDelays(base, maxDelay time.Duration) *Resilient {
	r.baseDelay, r.maxDelay = base, maxDelay
	return r
}

// Name reports the wrapped provider's name.
func (r *Resilient) Name() string { return r.inner.Name() }

// Generate implements Provider. It never fails on provider errors; use
// GenerateOr to control the fallback text.
func (r *Resilient) Generate(ctx context.Context, req Request) (Response, error) {
	return r.GenerateOr(ctx, req, "")
}

// GenerateOr generates text, falling back to fallback after maxAttempts
// failed attempts.
func (r *Resilient) GenerateOr(ctx context.Context, req Request, fallback string) (Response, error) {
	var lastErr error
	delay := r.baseDelay
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.inner.Generate(ctx, req)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		lastErr = err
		r.logger.Warn("generation: provider attempt failed",
			"provider", r.inner.Name(), "attempt", attempt, "max_attempts", r.maxAttempts, "error", err)
		if attempt == r.maxAttempts {
			break
		}
		var jitter time.Duration
		if delay > 0 {
			jitter = time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		if err := r.sleep(ctx, min(delay+jitter, r.maxDelay)); err != nil {
			return Response{}, err
		}
		delay = min(delay*2, r.maxDelay)
	}
	return Response{
		Text:     fallback,
		Model:    req.Model,
		Fallback: true,
		Attempts: r.maxAttempts,
		Error:    errorText(lastErr),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
