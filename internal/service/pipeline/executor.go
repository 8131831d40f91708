// Package pipeline executes modes and presets step by step.
//
// An execution validates the whole plan before touching disk, claims its run
// in the manifest, and persists exactly one immutable artifact per executed
// step. Book and run locks are held only around filesystem critical sections,
// never across a tool call. Runs on one book are serialized by the claim: a
// new run waits while the book's latest run is owned by a live executor. Every
// write re-checks the claim under the run lock, so an executor whose claim was
// taken over as stale can never overwrite the new owner's state. Quality-category steps gate the run: REJECT or
// block_pipeline stops it, REVISE injects an edit and a re-check while the
// retry budget lasts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/config"
	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/service/routing"
	"github.com/ashita-ai/scriptorium/internal/service/tools"
	"github.com/ashita-ai/scriptorium/internal/storage"
	"github.com/ashita-ai/scriptorium/internal/telemetry"
)

// Reserved keys added to each step's input snapshot.
const (
	InputTeam   = "_team"
	InputModel  = "_model"
	InputPolicy = "_policy"
)

// Sleeper waits between a REVISE verdict and the injected retry.
type Sleeper func(ctx context.Context, d time.Duration) error

// EventRecorder stores gate outcomes for the feedback loop. *storage.DB
// implements it.
type EventRecorder interface {
	RecordQualityEvent(ctx context.Context, ev model.QualityEvent) error
}

// Request is one pipeline execution.
type Request struct {
	Target      string // mode or preset id
	BookID      string
	Payload     map[string]any
	RunID       string
	Resume      bool
	CallerTeam  string
	Model       string // request body model
	HeaderModel string // X-Model header
	Quality     *model.QualityFlags
}

// Result is the outcome of an execution. A run that stopped early at a gate
// is DONE with Stop set; a tool failure is ERROR with the failing artifact
// last in Artifacts.
type Result struct {
	RunID     string               `json:"run_id"`
	Status    model.RunStatus      `json:"status"`
	Artifacts []model.StepArtifact `json:"artifacts"`
	Stopped   bool                 `json:"stopped,omitempty"`
	Stop      *model.StopInfo      `json:"stop,omitempty"`
	Resumed   bool                 `json:"resumed,omitempty"`
}

// Deps are the services an Executor drives.
type Deps struct {
	Catalogs *catalog.Store
	Resolver *routing.Resolver
	Tools    *tools.Registry
	Runs     *storage.RunStore
	Locks    lock.Manager
	Policies *quality.PolicyStore
	Events   EventRecorder // optional
	Logger   *slog.Logger
}

// Executor runs pipelines.
type Executor struct {
	Deps
	lockOpts lock.Options
	sleep    Sleeper

	heartbeatEvery time.Duration
	heartbeatSet   bool

	tracer   trace.Tracer
	steps    metric.Int64Counter
	verdicts metric.Int64Counter
}

// Option configures an Executor.
type Option func(*Executor)

// WithLockOptions sets the acquisition options for book and run locks. The
// timeout also bounds the wait for a busy book, and StaleAfter is the age at
// which an unrefreshed run claim may be taken over.
func WithLockOptions(o lock.Options) Option { return func(e *Executor) { e.lockOpts = o } }

// WithHeartbeat sets how often a running execution refreshes its claim on
// the run. Zero or less disables the heartbeat. The default is a third of
// the lock stale threshold.
func WithHeartbeat(d time.Duration) Option {
	return func(e *Executor) { e.heartbeatEvery, e.heartbeatSet = d, true }
}

// WithSleeper replaces the retry backoff sleep, mainly for tests.
func WithSleeper(s Sleeper) Option { return func(e *Executor) { e.sleep = s } }

// New creates an Executor.
func New(d Deps, opts ...Option) *Executor {
	e := &Executor{
		Deps:     d,
		lockOpts: lock.Options{Timeout: 10 * time.Second, StaleAfter: 5 * time.Minute},
		sleep:    sleepCtx,
		tracer:   telemetry.Tracer("scriptorium/pipeline"),
	}
	for _, o := range opts {
		o(e)
	}
	if !e.heartbeatSet {
		e.heartbeatEvery = e.lockOpts.StaleAfter / 3
	}
	meter := telemetry.Meter("scriptorium/pipeline")
	if c, err := meter.Int64Counter("scriptorium.pipeline.steps",
		metric.WithDescription("Executed pipeline steps by mode and outcome")); err == nil {
		e.steps = c
	}
	if c, err := meter.Int64Counter("scriptorium.quality.decisions",
		metric.WithDescription("Quality gate decisions by mode")); err == nil {
		e.verdicts = c
	}
	return e
}

// plannedStep is a validated step with its team context resolved.
type plannedStep struct {
	catalog.Step
	team model.TeamContext
}

// resolveModel routes a step's model. The preset or step model sits in the
// preset layer; the team's default only replaces the hardcoded fallback.
func (e *Executor) resolveModel(req Request, ps plannedStep) model.ModelDecision {
	return e.Resolver.ResolveStepModel(req.Model, req.HeaderModel, ps.Model, ps.team.Policy.Model)
}

type execPlan struct {
	cat      *catalog.Catalog
	presetID string
	steps    []plannedStep
	edit     *plannedStep // corrective step injected on REVISE; nil disables retries
}

// Validate checks a request the way Execute does before running anything:
// the target resolves, every step has a team that allows its mode, the
// caller's team matches, and no caller-supplied model is blocked.
func (e *Executor) Validate(req Request) error {
	_, err := e.buildPlan(req)
	return err
}

func (e *Executor) buildPlan(req Request) (*execPlan, error) {
	const op = "pipeline.plan"
	cat := e.Catalogs.Current()
	steps, err := cat.Resolve(req.Target)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, model.ConfigError(op, "target %q has no steps", req.Target)
	}
	p := &execPlan{cat: cat}
	if cat.IsPreset(req.Target) {
		p.presetID = req.Target
	}

	hasGate := false
	for _, s := range steps {
		ps, err := e.planStep(cat, s)
		if err != nil {
			return nil, err
		}
		if err := routing.EnforceCallerTeam(req.CallerTeam, ps.team.TeamID, s.Mode); err != nil {
			return nil, err
		}
		if err := e.checkCallerModel(req, ps); err != nil {
			return nil, err
		}
		if s.Tool.Category() == model.CategoryQuality {
			hasGate = true
		}
		p.steps = append(p.steps, ps)
	}

	if hasGate {
		if mode, ok := cat.FirstModeWithTool(model.ToolEdit); ok {
			s, err := cat.StepFor(mode)
			if err != nil {
				return nil, err
			}
			ps, err := e.planStep(cat, s)
			if err != nil {
				return nil, err
			}
			p.edit = &ps
		}
	}
	return p, nil
}

func (e *Executor) planStep(cat *catalog.Catalog, s catalog.Step) (plannedStep, error) {
	teamID := s.Team
	if teamID == "" {
		var err error
		if teamID, err = routing.TeamForMode(cat, s.Mode); err != nil {
			return plannedStep{}, err
		}
	}
	tc, err := routing.ResolveTeamContext(cat, teamID, s.Mode)
	if err != nil {
		return plannedStep{}, err
	}
	return plannedStep{Step: s, team: tc}, nil
}

// checkCallerModel rejects a caller-supplied model that STRICT routing blocks.
func (e *Executor) checkCallerModel(req Request, ps plannedStep) error {
	if req.Model == "" && req.HeaderModel == "" {
		return nil
	}
	if e.Resolver.PolicyMode() != config.PolicyModeStrict {
		return nil
	}
	d := e.resolveModel(req, ps)
	if d.Source == model.SourceBlocked {
		return model.PolicyViolation("pipeline.plan", "model blocked for mode %q: %s", ps.Mode, d.Note)
	}
	return nil
}

// Execute validates, claims, and runs req.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	p, err := e.buildPlan(req)
	if err != nil {
		return nil, err
	}
	if req.RunID != "" && !storage.ValidRunID(req.RunID) {
		return nil, model.ConfigError("pipeline.execute", "invalid run_id %q", req.RunID)
	}

	st, done, err := e.claim(ctx, p, req, uuid.NewString())
	if err != nil || done != nil {
		return done, err
	}
	return e.run(ctx, p, req, st)
}

// errRunBusy marks a claim attempt that found the run or book owned by a
// live executor.
var errRunBusy = errors.New("claimed by another executor")

// claim takes ownership of the run req targets, waiting up to the lock
// timeout while the book or run is owned by another live executor. A resume
// of a finished run returns its stored result instead of a runState.
func (e *Executor) claim(ctx context.Context, p *execPlan, req Request, holder string) (*runState, *Result, error) {
	start := time.Now()
	poll := e.lockOpts.Poll
	if poll <= 0 {
		poll = lock.DefaultPoll
	}
	for {
		st, done, err := e.tryClaim(ctx, p, req, holder)
		if !errors.Is(err, errRunBusy) {
			return st, done, err
		}
		if time.Since(start) >= e.lockOpts.Timeout {
			return nil, nil, model.Wrap(model.KindLock, "pipeline.claim", err)
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return nil, nil, err
		}
	}
}

// tryClaim makes one claim attempt. For a book the short book lock covers
// the idle check, run id allocation, and the book pointer update, so two
// requests for one book cannot both decide to start or continue a run.
func (e *Executor) tryClaim(ctx context.Context, p *execPlan, req Request, holder string) (st *runState, done *Result, err error) {
	if req.BookID == "" {
		runID, resume, err := e.allocateRunID(req)
		if err != nil {
			return nil, nil, err
		}
		return e.open(p, req, holder, runID, resume)
	}

	err = lock.WithLock(ctx, e.Locks, lock.BookResource(req.BookID), e.lockOpts, func(lease lock.Lease) error {
		if err := e.checkBookIdle(req.BookID, holder); err != nil {
			return err
		}
		runID, resume, err := e.allocateRunID(req)
		if err != nil {
			return err
		}
		if st, done, err = e.open(p, req, holder, runID, resume); err != nil || done != nil {
			return err
		}
		ptr := model.BookPointer{BookID: req.BookID, RunID: runID, UpdatedAt: time.Now().UTC()}
		return e.Runs.SetLastRunForBook(ptr, lease.Validate)
	})
	return st, done, err
}

// checkBookIdle fails with errRunBusy while the book's latest run is owned by
// a live executor.
func (e *Executor) checkBookIdle(bookID, holder string) error {
	last, ok, err := e.Runs.LastRunForBook(bookID)
	if err != nil || !ok {
		return err
	}
	rec, err := e.Runs.LoadManifest(last)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if e.claimedByOther(rec, holder) {
		return fmt.Errorf("book %q is running %s: %w", bookID, last, errRunBusy)
	}
	return nil
}

// claimedByOther reports whether rec is an unfinished run owned by a live
// executor other than holder.
func (e *Executor) claimedByOther(rec model.RunRecord, holder string) bool {
	if rec.Status.Terminal() || rec.Holder == "" || rec.Holder == holder || rec.HeartbeatAt == nil {
		return false
	}
	return e.lockOpts.StaleAfter <= 0 || time.Since(*rec.HeartbeatAt) <= e.lockOpts.StaleAfter
}

// allocateRunID picks the run to write. A resume candidate is reused only if
// its folder still exists; otherwise a fresh id is allocated.
func (e *Executor) allocateRunID(req Request) (string, bool, error) {
	if !req.Resume {
		if req.RunID != "" {
			if e.Runs.RunExists(req.RunID) {
				return "", false, model.ConfigError("pipeline.execute", "run %q already exists; set resume to continue it", req.RunID)
			}
			return req.RunID, false, nil
		}
		return storage.NewRunID(), false, nil
	}

	candidate := req.RunID
	if candidate == "" && req.BookID != "" {
		last, ok, err := e.Runs.LastRunForBook(req.BookID)
		if err != nil {
			return "", false, err
		}
		if ok {
			candidate = last
		}
	}
	if candidate != "" && storage.ValidRunID(candidate) && e.Runs.RunExists(candidate) {
		return candidate, true, nil
	}
	if candidate != "" {
		e.Logger.Info("pipeline: resume target missing, allocating a new run", "requested_run_id", candidate, "book_id", req.BookID)
	}
	return storage.NewRunID(), false, nil
}

// runState is the mutable state of one execution.
type runState struct {
	holder    string
	rec       model.RunRecord
	ctx       map[string]any
	artifacts []model.StepArtifact
	start     int // first plan step still to execute
	retries   int
	resumed   bool
	logger    *slog.Logger
}

// open writes holder's claim into the run manifest under the run lock,
// creating the run or taking over an unfinished one.
func (e *Executor) open(p *execPlan, req Request, holder, runID string, resume bool) (*runState, *Result, error) {
	st := &runState{holder: holder, ctx: map[string]any{}, logger: e.Logger.With("run_id", runID, "target", req.Target)}
	var done *Result

	err := e.withRunLock(runID, func(fence storage.Fence) error {
		now := time.Now().UTC()
		if !resume {
			st.rec = model.RunRecord{
				RunID:       runID,
				BookID:      req.BookID,
				Target:      req.Target,
				Status:      model.RunStatusQueued,
				TotalSteps:  len(p.steps),
				Holder:      holder,
				HeartbeatAt: &now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			maps.Copy(st.ctx, req.Payload)
			return e.Runs.CreateRun(st.rec, fence)
		}

		rec, err := e.Runs.LoadManifest(runID)
		if err != nil {
			return err
		}
		arts, err := e.Runs.ListArtifacts(runID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			st.logger.Info("pipeline: resume of finished run returns stored artifacts", "status", rec.Status)
			done = &Result{RunID: runID, Status: rec.Status, Artifacts: arts, Stopped: rec.Stop != nil, Stop: rec.Stop, Resumed: true}
			return nil
		}
		if e.claimedByOther(rec, holder) {
			return fmt.Errorf("run %s: %w", runID, errRunBusy)
		}
		if rec.Holder != "" {
			st.logger.Warn("pipeline: taking over stale run claim", "prev_holder", rec.Holder)
		}

		st.artifacts, st.resumed = arts, true
		maps.Copy(st.ctx, req.Payload)
		for _, a := range arts {
			maps.Copy(st.ctx, a.Result.Payload)
			if !a.Injected {
				st.start++
			} else if a.Tool != string(model.ToolEdit) {
				st.retries++
			}
		}
		rec.Holder, rec.HeartbeatAt, rec.UpdatedAt = holder, &now, now
		st.rec = rec
		st.logger.Info("pipeline: resuming run", "completed_steps", st.start, "artifacts", len(arts))
		return e.Runs.SaveManifest(rec, fence)
	})
	if err != nil {
		return nil, nil, err
	}
	return st, done, nil
}

// withRunLock runs fn under the run lock. The lock guards one filesystem
// critical section and is never held across a tool call. Acquisition does
// not follow the request context so an aborted run can still record itself.
func (e *Executor) withRunLock(runID string, fn func(storage.Fence) error) error {
	return lock.WithLock(context.Background(), e.Locks, lock.RunResource(runID), e.lockOpts, func(lease lock.Lease) error {
		return fn(lease.Validate)
	})
}

// persist runs write under the run lock after confirming st still owns the
// run. An executor whose claim was taken over gets ErrLockLost and never
// publishes over the new owner's state.
func (e *Executor) persist(st *runState, write func(storage.Fence) error) error {
	return e.withRunLock(st.rec.RunID, func(fence storage.Fence) error {
		rec, err := e.Runs.LoadManifest(st.rec.RunID)
		if err != nil {
			return err
		}
		if rec.Holder != st.holder {
			return model.Wrap(model.KindLock, "pipeline.persist",
				fmt.Errorf("run %s now owned by %s: %w", st.rec.RunID, rec.Holder, lock.ErrLockLost))
		}
		return write(fence)
	})
}

// heartbeat refreshes the claim every interval until ctx ends, the run is
// finished, or the claim is lost.
func (e *Executor) heartbeat(ctx context.Context, runID, holder string, interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		stop := false
		err := e.withRunLock(runID, func(fence storage.Fence) error {
			rec, err := e.Runs.LoadManifest(runID)
			if err != nil {
				return err
			}
			if rec.Holder != holder || rec.Status.Terminal() {
				stop = true
				return nil
			}
			now := time.Now().UTC()
			rec.HeartbeatAt = &now
			return e.Runs.SaveManifest(rec, fence)
		})
		if err != nil {
			logger.Warn("pipeline: heartbeat failed", "error", err)
		}
		if stop {
			return
		}
	}
}

func (e *Executor) run(ctx context.Context, p *execPlan, req Request, st *runState) (*Result, error) {
	if e.heartbeatEvery > 0 {
		hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.heartbeat(hbCtx, st.rec.RunID, st.holder, e.heartbeatEvery, st.logger)
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()
	}

	if st.rec.StartedAt == nil {
		now := time.Now().UTC()
		st.rec.StartedAt = &now
	}
	st.rec.Status = model.RunStatusRunning
	if err := e.save(st); err != nil {
		return nil, err
	}

	for i := st.start; i < len(p.steps); i++ {
		if err := ctx.Err(); err != nil {
			return e.abort(st, err)
		}
		ps := p.steps[i]
		out, art, err := e.step(ctx, st, p, req, ps, false)
		if err != nil {
			return nil, err
		}
		if art.Failed() {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.abort(st, ctxErr)
			}
			return e.fail(st, art)
		}
		st.rec.CompletedSteps++
		if err := e.save(st); err != nil {
			return nil, err
		}

		if ps.Tool.Category() != model.CategoryQuality {
			continue
		}
		stop, err := e.gate(ctx, st, p, req, ps, out)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.abort(st, ctxErr)
			}
			if errors.Is(err, errStepFailed) {
				return e.fail(st, st.artifacts[len(st.artifacts)-1])
			}
			return nil, err
		}
		if stop != nil {
			st.rec.Stop = stop
			st.logger.Info("pipeline: stopped at quality gate",
				"index", stop.Index, "mode", stop.Mode, "decision", stop.Decision, "reason", stop.Reason)
			break
		}
	}

	return e.finish(st, model.RunStatusDone, "")
}

var errStepFailed = errors.New("pipeline: step failed")

// gate applies the quality decision of a quality-category step, injecting
// edit and re-check steps while the retry budget allows.
func (e *Executor) gate(ctx context.Context, st *runState, p *execPlan, req Request, ps plannedStep, out tools.Output) (*model.StopInfo, error) {
	scope := quality.ScopeFor(p.cat.Quality, p.presetID, ps.Mode, req.Quality)
	policy := e.Policies.Get()
	maxRetries := scope.EffectiveMaxRetries(policy)
	retried := false

	for {
		idx := st.artifacts[len(st.artifacts)-1].Index
		e.recordDecision(ctx, st.rec.RunID, ps.Mode, out, retried)
		if !scope.Enabled {
			return nil, nil
		}
		if out.BlockPipeline || out.Decision == model.DecisionReject {
			return &model.StopInfo{Index: idx, Mode: ps.Mode, Decision: model.DecisionReject, Reason: stopReason(out)}, nil
		}
		if out.Decision != model.DecisionRevise {
			return nil, nil
		}
		if p.edit == nil || st.retries >= maxRetries {
			return &model.StopInfo{
				Index:    idx,
				Mode:     ps.Mode,
				Decision: model.DecisionRevise,
				Reason:   fmt.Sprintf("%s; retry budget of %d exhausted", stopReason(out), maxRetries),
			}, nil
		}

		if err := e.sleep(ctx, policy.Backoff(st.retries)); err != nil {
			return nil, err
		}
		st.retries++
		retried = true
		st.logger.Info("pipeline: injecting retry", "mode", ps.Mode, "retry", st.retries, "max_retries", maxRetries)

		_, art, err := e.step(ctx, st, p, req, *p.edit, true)
		if err != nil {
			return nil, err
		}
		if art.Failed() {
			return nil, errStepFailed
		}
		next, art, err := e.step(ctx, st, p, req, ps, true)
		if err != nil {
			return nil, err
		}
		if art.Failed() {
			return nil, errStepFailed
		}
		out = next
	}
}

func stopReason(out tools.Output) string {
	switch {
	case out.Reason != "":
		return out.Reason
	case out.BlockPipeline:
		return "block_pipeline"
	default:
		return string(out.Decision)
	}
}

// step executes one step and persists its artifact. The returned error is
// reserved for failures that break run invariants (a lost lease or an
// unwritable artifact); tool failures are reported through the artifact.
func (e *Executor) step(ctx context.Context, st *runState, p *execPlan, req Request, ps plannedStep, injected bool) (tools.Output, model.StepArtifact, error) {
	index := len(st.artifacts) + 1
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("run_id", st.rec.RunID),
		attribute.String("mode", ps.Mode),
		attribute.String("tool", string(ps.Tool)),
		attribute.Int("index", index),
		attribute.Bool("injected", injected),
	))
	defer span.End()

	decision := e.resolveModel(req, ps)
	policy := e.Policies.Get()
	scope := quality.ScopeFor(p.cat.Quality, p.presetID, ps.Mode, req.Quality)

	snapshot := maps.Clone(st.ctx)
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	snapshot[InputTeam] = map[string]any{
		"id":          ps.team.TeamID,
		"policy_id":   ps.team.Policy.PolicyID,
		"model":       decision.EffectiveModel,
		"temperature": ps.team.Policy.Temperature,
		"max_tokens":  ps.team.Policy.MaxTokens,
	}
	snapshot[InputModel] = decision
	snapshot[InputPolicy] = policy

	in := tools.Input{
		RunID:      st.rec.RunID,
		BookID:     st.rec.BookID,
		Mode:       ps.Mode,
		Context:    maps.Clone(st.ctx),
		Team:       ps.team,
		Model:      decision,
		Policy:     policy,
		Thresholds: scope.Thresholds(policy),
	}
	if in.Context == nil {
		in.Context = map[string]any{}
	}
	out, runErr := e.safeRun(ctx, ps.Tool, in)

	art := model.StepArtifact{
		Index:  index,
		Mode:   ps.Mode,
		Tool:   string(ps.Tool),
		Input:  snapshot,
		Result: model.StepResult{Tool: string(ps.Tool), Payload: out.Payload},
		Team: model.StepTeam{
			ID:            ps.team.TeamID,
			PolicyID:      ps.team.Policy.PolicyID,
			Model:         decision.EffectiveModel,
			ModelDecision: decision,
		},
		Injected:  injected,
		CreatedAt: time.Now().UTC(),
	}
	if art.Result.Payload == nil {
		art.Result.Payload = map[string]any{}
	}
	outcome := "ok"
	if runErr != nil {
		art.Error = runErr.Error()
		outcome = "error"
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		st.logger.Warn("pipeline: step failed", "index", index, "mode", ps.Mode, "error", runErr)
	}
	if e.steps != nil {
		e.steps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", ps.Mode), attribute.String("outcome", outcome), attribute.Bool("injected", injected)))
	}

	err := e.persist(st, func(fence storage.Fence) error {
		return e.Runs.WriteArtifact(st.rec.RunID, art, fence)
	})
	if err != nil {
		span.RecordError(err)
		return tools.Output{}, art, fmt.Errorf("pipeline: persist step %d: %w", index, err)
	}
	st.artifacts = append(st.artifacts, art)
	if runErr == nil {
		maps.Copy(st.ctx, art.Result.Payload)
		if out.Decision != "" {
			span.SetAttributes(attribute.String("decision", string(out.Decision)))
		}
	}
	return out, art, nil
}

// safeRun calls the tool and converts a panic into an error.
func (e *Executor) safeRun(ctx context.Context, kind model.ToolKind, in tools.Input) (out tools.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", kind, r)
		}
	}()
	return e.Tools.Run(ctx, kind, in)
}

func (e *Executor) recordDecision(ctx context.Context, runID, mode string, out tools.Output, retried bool) {
	if e.verdicts != nil {
		e.verdicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode), attribute.String("decision", string(out.Decision))))
	}
	if e.Events == nil {
		return
	}
	ev := model.QualityEvent{RunID: runID, Mode: mode, Decision: out.Decision, Retried: retried}
	if v, ok := out.Payload[tools.KeyQuality].(model.QualityVerdict); ok {
		ev.Score = v.Score
	} else if u, ok := out.Payload[tools.KeyUniqueness].(model.UniquenessResult); ok {
		ev.Score = 1 - u.Score
	}
	if err := e.Events.RecordQualityEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.Logger.Warn("pipeline: quality event not recorded", "run_id", runID, "error", err)
	}
}

func (e *Executor) save(st *runState) error {
	now := time.Now().UTC()
	st.rec.UpdatedAt, st.rec.HeartbeatAt = now, &now
	return e.persist(st, func(fence storage.Fence) error {
		return e.Runs.SaveManifest(st.rec, fence)
	})
}

func (e *Executor) finish(st *runState, status model.RunStatus, msg string) (*Result, error) {
	if st.rec.FinishedAt == nil {
		now := time.Now().UTC()
		st.rec.FinishedAt = &now
	}
	st.rec.Status = status
	st.rec.Error = msg
	if err := e.save(st); err != nil {
		return nil, err
	}
	st.logger.Info("pipeline: run finished", "status", status, "artifacts", len(st.artifacts), "stopped", st.rec.Stop != nil)
	return &Result{
		RunID:     st.rec.RunID,
		Status:    status,
		Artifacts: st.artifacts,
		Stopped:   st.rec.Stop != nil,
		Stop:      st.rec.Stop,
		Resumed:   st.resumed,
	}, nil
}

// fail marks the run ERROR after a tool failure. The failure is reported in
// the result, not as an error.
func (e *Executor) fail(st *runState, art model.StepArtifact) (*Result, error) {
	return e.finish(st, model.RunStatusError, fmt.Sprintf("step %d (%s): %s", art.Index, art.Mode, art.Error))
}

// abort records ERROR after cancellation and returns the context error. The
// manifest write does not depend on the cancelled context.
func (e *Executor) abort(st *runState, cause error) (*Result, error) {
	if _, err := e.finish(st, model.RunStatusError, cause.Error()); err != nil {
		st.logger.Error("pipeline: could not record aborted run", "error", err)
	}
	return nil, fmt.Errorf("pipeline: run %s aborted: %w", st.rec.RunID, cause)
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
