package quality

import (
	"sync"
	"time"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/model"
)

// Pressure weights and bands for AdjustPolicyFromFeedback.
const (
	weightReject       = 0.40
	weightRetry        = 0.30
	weightInvAccept    = 0.15
	weightQualityGap   = 0.10
	weightInvSatisfied = 0.05

	TightenAt = 0.55
	RelaxAt   = 0.25
)

// Hard safety ranges for every knob the feedback loop can move.
const (
	MinQualityFloor = 0.72
	MaxQualityFloor = 0.90
	MinRetries      = 1
	MaxRetries      = 5
	MinTemperature  = 0.1
	MaxTemperature  = 1.2

	floorStep       = 0.03
	reviewerStep    = 0.10
	temperatureStep = 0.10
)

// Feedback actions.
const (
	ActionTighten = "tighten"
	ActionRelax   = "relax"
	ActionHold    = "hold"
)

// DefaultPolicy is the starting policy before any telemetry exists.
func DefaultPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		Level:          model.LevelYellow,
		MaxRetries:     2,
		BackoffSeconds: backoffFor(model.LevelYellow),
		QualityFloor:   MinQualityFloor,
		ReviewerWeight: 0.3,
		Temperature:    0.7,
	}
}

// Audit records one feedback adjustment.
type Audit struct {
	Pressure float64               `json:"pressure"`
	Action   string                `json:"action"`
	Signals  model.FeedbackSignals `json:"signals"`
	Before   model.RetryPolicy     `json:"before"`
	After    model.RetryPolicy     `json:"after"`
}

// Pressure computes the weighted feedback pressure in [0,1]. The quality gap
// is how far observed quality falls below floor.
func Pressure(s model.FeedbackSignals, floor float64) float64 {
	gap := clamp(floor-clamp(s.ObservedQuality, 0, 1), 0, 1)
	p := weightReject*clamp(s.RejectRate, 0, 1) +
		weightRetry*clamp(s.RetryRate, 0, 1) +
		weightInvAccept*(1-clamp(s.AcceptRate, 0, 1)) +
		weightQualityGap*gap +
		weightInvSatisfied*(1-clamp(s.UserSatisfaction, 0, 1))
	return clamp(p, 0, 1)
}

// AdjustPolicyFromFeedback tightens, relaxes, or holds the policy based on
// aggregate signals. Every resulting knob is clamped to its safety range.
func AdjustPolicyFromFeedback(current model.RetryPolicy, s model.FeedbackSignals) (model.RetryPolicy, Audit) {
	pressure := Pressure(s, current.QualityFloor)
	next := current
	next.BackoffSeconds = append([]float64(nil), current.BackoffSeconds...)

	action := ActionHold
	switch {
	case pressure >= TightenAt:
		action = ActionTighten
		next.QualityFloor += floorStep
		next.MaxRetries++
		next.ReviewerWeight += reviewerStep
		next.Temperature -= temperatureStep
	case pressure <= RelaxAt:
		action = ActionRelax
		next.QualityFloor -= floorStep
		next.MaxRetries--
		next.ReviewerWeight -= reviewerStep
		next.Temperature += temperatureStep
	}

	next.QualityFloor = round3(clamp(next.QualityFloor, MinQualityFloor, MaxQualityFloor))
	next.MaxRetries = clampInt(next.MaxRetries, MinRetries, MaxRetries)
	next.ReviewerWeight = round3(clamp(next.ReviewerWeight, 0, 1))
	next.Temperature = round3(clamp(next.Temperature, MinTemperature, MaxTemperature))
	next.Level = levelFor(pressure)
	next.BackoffSeconds = backoffFor(next.Level)
	next.RequireReviewOnRetry = next.Level == model.LevelRed
	next.UpdatedAt = time.Now().UTC()

	return next, Audit{Pressure: round3(pressure), Action: action, Signals: s, Before: current, After: next}
}

func levelFor(pressure float64) model.PolicyLevel {
	switch {
	case pressure >= TightenAt:
		return model.LevelRed
	case pressure <= RelaxAt:
		return model.LevelGreen
	default:
		return model.LevelYellow
	}
}

func backoffFor(level model.PolicyLevel) []float64 {
	switch level {
	case model.LevelGreen:
		return []float64{1}
	case model.LevelRed:
		return []float64{5, 15, 30}
	default:
		return []float64{2, 5}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Scope is the effective gate configuration after layering overrides.
type Scope struct {
	Enabled      bool     `json:"enabled"`
	DisabledBy   string   `json:"disabled_by,omitempty"`
	MinWords     int      `json:"min_words"`
	QualityFloor *float64 `json:"quality_floor,omitempty"`
	RequireProse bool     `json:"require_prose"`
	MaxRetries   *int     `json:"max_retries,omitempty"`
	Layers       []string `json:"layers"`
}

// Layer names reported in Scope.
const (
	LayerGlobal  = "global"
	LayerPreset  = "preset"
	LayerMode    = "mode"
	LayerRequest = "request"
)

// ResolvePolicyForScope merges override layers in the order global, preset,
// mode, request. A layer with enabled=false short-circuits resolution and is
// reported in DisabledBy. Nil layers are skipped.
func ResolvePolicyForScope(base model.QualityFlags, preset, mode, flags *model.QualityFlags) Scope {
	s := Scope{Enabled: true, Layers: []string{}}
	layers := []struct {
		name  string
		flags *model.QualityFlags
	}{
		{LayerGlobal, &base},
		{LayerPreset, preset},
		{LayerMode, mode},
		{LayerRequest, flags},
	}
	for _, l := range layers {
		if l.flags == nil {
			continue
		}
		f := l.flags
		if f.Enabled != nil && !*f.Enabled {
			return Scope{Enabled: false, DisabledBy: l.name, Layers: append(s.Layers, l.name)}
		}
		if f.MinWords != nil {
			s.MinWords = *f.MinWords
		}
		if f.QualityFloor != nil {
			v := *f.QualityFloor
			s.QualityFloor = &v
		}
		if f.RequireProse != nil {
			s.RequireProse = *f.RequireProse
		}
		if f.MaxRetries != nil {
			v := *f.MaxRetries
			s.MaxRetries = &v
		}
		s.Layers = append(s.Layers, l.name)
	}
	return s
}

// ScopeFor resolves the gate scope for a step from the catalog's quality
// layers. presetID is empty for single-mode requests.
func ScopeFor(cfg catalog.QualityConfig, presetID, mode string, flags *model.QualityFlags) Scope {
	var preset, modeLayer *model.QualityFlags
	if p, ok := cfg.Presets[presetID]; ok && presetID != "" {
		preset = &p
	}
	if m, ok := cfg.Modes[mode]; ok {
		modeLayer = &m
	}
	return ResolvePolicyForScope(cfg.Global, preset, modeLayer, flags)
}

// Thresholds turns a scope into gate thresholds, taking the floor and the
// reviewer weight from policy when the scope leaves them unset.
func (s Scope) Thresholds(policy model.RetryPolicy) Thresholds {
	th := Thresholds{
		MinWords:       s.MinWords,
		RequireProse:   s.RequireProse,
		QualityFloor:   policy.QualityFloor,
		ReviewerWeight: policy.ReviewerWeight,
	}
	if s.QualityFloor != nil {
		th.QualityFloor = *s.QualityFloor
	}
	return th
}

// EffectiveMaxRetries returns the scope's retry budget, else the policy's.
func (s Scope) EffectiveMaxRetries(policy model.RetryPolicy) int {
	if s.MaxRetries != nil {
		return *s.MaxRetries
	}
	return policy.MaxRetries
}

// PolicyStore holds the active retry policy. Only the feedback loop writes it.
type PolicyStore struct {
	mu sync.RWMutex
	p  model.RetryPolicy
}

// NewPolicyStore creates a store seeded with p.
func NewPolicyStore(p model.RetryPolicy) *PolicyStore {
	return &PolicyStore{p: p}
}

// Get returns a copy of the active policy.
func (s *PolicyStore) Get() model.RetryPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.p
	p.BackoffSeconds = append([]float64(nil), s.p.BackoffSeconds...)
	return p
}

// Set replaces the active policy.
func (s *PolicyStore) Set(p model.RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
}
