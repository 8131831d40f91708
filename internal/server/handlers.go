package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/ctxutil"
	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/pipeline"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/service/uniqueness"
	"github.com/ashita-ai/scriptorium/internal/storage"
)

// FeedbackStore persists user ratings. *storage.DB implements it.
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, req model.FeedbackRequest) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	executor  *pipeline.Executor
	catalogs  *catalog.Store
	runs      *storage.RunStore
	detector  *uniqueness.Detector
	policies  *quality.PolicyStore
	feedback  FeedbackStore
	locks     lock.Manager
	sem       *semaphore.Weighted
	logger    *slog.Logger
	startedAt time.Time
	inFlight  atomic.Int64

	version             string
	telemetryEnabled    bool
	requestTimeout      time.Duration
	lockStaleAfter      time.Duration
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Feedback, Locks, OpenAPISpec.
type HandlersDeps struct {
	Executor            *pipeline.Executor
	Catalogs            *catalog.Store
	Runs                *storage.RunStore
	Detector            *uniqueness.Detector
	Policies            *quality.PolicyStore
	Feedback            FeedbackStore
	Locks               lock.Manager
	Logger              *slog.Logger
	Version             string
	TelemetryEnabled    bool
	MaxConcurrent       int64
	RequestTimeout      time.Duration
	LockStaleAfter      time.Duration
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 4
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 120 * time.Second
	}
	return &Handlers{
		executor:            d.Executor,
		catalogs:            d.Catalogs,
		runs:                d.Runs,
		detector:            d.Detector,
		policies:            d.Policies,
		feedback:            d.Feedback,
		locks:               d.Locks,
		sem:                 semaphore.NewWeighted(d.MaxConcurrent),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		telemetryEnabled:    d.TelemetryEnabled,
		requestTimeout:      d.RequestTimeout,
		lockStaleAfter:      d.LockStaleAfter,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandlePipelineStep handles POST /pipeline/step.
func (h *Handlers) HandlePipelineStep(w http.ResponseWriter, r *http.Request) {
	var req model.PipelineStepRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	team, err := ctxutil.ResolveTeam(r.Context(), req.Team)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.sem.Acquire(ctx, 1); err != nil {
		h.timeoutResponse(w, r, "waiting for a pipeline slot", err)
		return
	}
	h.inFlight.Add(1)

	preq := pipeline.Request{
		Target:      req.Target(),
		BookID:      req.BookID,
		Payload:     req.Payload,
		RunID:       req.RunID,
		Resume:      req.Resume,
		CallerTeam:  team,
		Model:       req.Model,
		HeaderModel: strings.TrimSpace(r.Header.Get(HeaderModel)),
		Quality:     req.Quality,
	}

	// The executor runs in its own goroutine so the deadline is answered even
	// if a tool ignores cancellation. The goroutine owns the pipeline slot
	// until Execute returns, so abandoned executions still count against
	// MAX_CONCURRENT_PIPELINES.
	type outcome struct {
		res *pipeline.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer h.sem.Release(1)
		defer h.inFlight.Add(-1)
		res, err := h.executor.Execute(ctx, preq)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		h.timeoutResponse(w, r, "pipeline execution", ctx.Err())
		return
	}

	if out.err != nil {
		if model.KindOf(out.err) == model.KindTimeout {
			h.timeoutResponse(w, r, "pipeline execution", out.err)
			return
		}
		writeDomainError(w, r, h.logger, out.err)
		return
	}
	res := out.res
	writeJSON(w, r, http.StatusOK, model.PipelineStepResponse{
		OK:        res.Status == model.RunStatusDone,
		RunID:     res.RunID,
		Status:    res.Status,
		Artifacts: res.Artifacts,
		Stopped:   res.Stopped,
		Stop:      res.Stop,
		Resumed:   res.Resumed,
	})
}

// timeoutResponse answers a request whose deadline passed. A deadline
// reports 504 and sweeps stale locks the abandoned execution may leave
// behind; a client that went away gets 503.
func (h *Handlers) timeoutResponse(w http.ResponseWriter, r *http.Request, what string, cause error) {
	if !errors.Is(cause, context.DeadlineExceeded) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeOverloaded, what+" cancelled")
		return
	}
	h.logger.Warn("http: request timed out", "what", what, "timeout", h.requestTimeout,
		"request_id", RequestIDFromContext(r.Context()))
	h.sweepLocks()
	writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeTimeout,
		what+" exceeded the "+h.requestTimeout.String()+" limit")
}

func (h *Handlers) sweepLocks() {
	if h.locks == nil || h.lockStaleAfter <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := h.locks.Sweep(ctx, h.lockStaleAfter)
	if err != nil {
		h.logger.Warn("http: opportunistic lock sweep failed", "error", err)
		return
	}
	if n > 0 {
		h.logger.Info("http: opportunistic lock sweep", "removed", n)
	}
}

// HandleConfigValidate handles GET /pipeline/config/validate.
func (h *Handlers) HandleConfigValidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.catalogs.Current().Validate())
}

// HandleConfigReload handles POST /pipeline/config/reload. A failed reload
// keeps the previous catalog and reports 400.
func (h *Handlers) HandleConfigReload(w http.ResponseWriter, r *http.Request) {
	c, err := h.catalogs.Reload()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeConfig, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, c.Validate())
}

// HandleGetRun handles GET /runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !storage.ValidRunID(runID) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id is not a valid run id")
		return
	}
	view, err := h.runs.Get(runID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleQualityCheck handles POST /quality/check. Unset thresholds fall back
// to the catalog's global quality layer and the active policy.
func (h *Handlers) HandleQualityCheck(w http.ResponseWriter, r *http.Request) {
	var req model.QualityCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Text) > model.MaxTextLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text exceeds maximum length")
		return
	}
	writeJSON(w, r, http.StatusOK, quality.Evaluate(req.Text, h.thresholdsFor(req)))
}

func (h *Handlers) thresholdsFor(req model.QualityCheckRequest) quality.Thresholds {
	scope := quality.ScopeFor(h.catalogs.Current().Quality, "", "", nil)
	th := scope.Thresholds(h.policies.Get())
	if req.MinWords > 0 {
		th.MinWords = req.MinWords
	}
	if req.QualityFloor > 0 {
		th.QualityFloor = req.QualityFloor
	}
	if req.RequireProse != nil {
		th.RequireProse = *req.RequireProse
	}
	th.CriticScore = req.CriticScore
	return th
}

// HandleUniquenessCheck handles POST /uniqueness/check.
func (h *Handlers) HandleUniquenessCheck(w http.ResponseWriter, r *http.Request) {
	var req model.UniquenessCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.ScopeID) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text and scope_id are required")
		return
	}
	if len(req.Text) > model.MaxTextLen || len(req.ScopeID) > model.MaxIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text or scope_id exceeds maximum length")
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}
	res, err := h.detector.Check(r.Context(), req.Text, req.ScopeID, req.RunID, source)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleQualityPolicy handles GET /quality/policy.
func (h *Handlers) HandleQualityPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.policies.Get())
}

// HandleQualityFeedback handles POST /quality/feedback. Ratings feed the
// next policy adjustment; the response does not wait for it.
func (h *Handlers) HandleQualityFeedback(w http.ResponseWriter, r *http.Request) {
	if h.feedback == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeOverloaded, "feedback storage is disabled")
		return
	}
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.feedback.RecordFeedback(r.Context(), req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"run_id": req.RunID, "recorded": true})
}

// HandleHealth handles GET /health (no auth required).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	tel := "disabled"
	if h.telemetryEnabled {
		tel = "enabled"
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Telemetry: tel,
		InFlight:  h.inFlight.Load(),
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
