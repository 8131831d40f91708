// Package tools implements the closed set of step tools. The dispatch table
// is keyed by model.ToolKind and built once; modes bound to unknown kinds are
// rejected when the catalog loads.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/generation"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/service/uniqueness"
)

// Payload keys shared between tools.
const (
	KeyText        = "text"
	KeyPrompt      = "prompt"
	KeyBrief       = "brief"
	KeyNotes       = "notes"
	KeyCriticScore = "critic_score"
	KeyScopeID     = "scope_id"
	KeyQuality     = "quality"
	KeyUniqueness  = "uniqueness"
	KeyGeneration  = "generation"
)

// Input is everything a tool sees for one step. Context is a snapshot and
// must not be mutated.
type Input struct {
	RunID      string
	BookID     string
	Mode       string
	Context    map[string]any
	Team       model.TeamContext
	Model      model.ModelDecision
	Policy     model.RetryPolicy
	Thresholds quality.Thresholds
}

// Output is a tool result. Payload is merged into the pipeline context and
// persisted; Decision and BlockPipeline drive the quality gate.
type Output struct {
	Payload       map[string]any
	Decision      model.Decision
	BlockPipeline bool
	Reason        string
}

// Tool runs one kind of step.
type Tool interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// Deps are the services tools call into. Detector may be nil, in which case
// write steps skip the uniqueness check and uniqueness steps fail.
type Deps struct {
	Provider *generation.Resilient
	Detector *uniqueness.Detector
	Logger   *slog.Logger
}

// Registry is the dispatch table.
type Registry struct {
	tools map[model.ToolKind]Tool
}

// NewRegistry builds the table for every known tool kind.
func NewRegistry(d Deps) *Registry {
	return &Registry{tools: map[model.ToolKind]Tool{
		model.ToolWrite:      &writeTool{gen: d.Provider, det: d.Detector, logger: d.Logger},
		model.ToolCritic:     criticTool{},
		model.ToolEdit:       &editTool{gen: d.Provider},
		model.ToolQuality:    qualityTool{},
		model.ToolUniqueness: &uniquenessTool{det: d.Detector},
	}}
}

// Run dispatches to the tool for kind.
func (r *Registry) Run(ctx context.Context, kind model.ToolKind, in Input) (Output, error) {
	t, ok := r.tools[kind]
	if !ok {
		return Output{}, model.ConfigError("tools.run", "no tool registered for kind %q", kind)
	}
	return t.Run(ctx, in)
}

type writeTool struct {
	gen    *generation.Resilient
	det    *uniqueness.Detector
	logger *slog.Logger
}

func (t *writeTool) Run(ctx context.Context, in Input) (Output, error) {
	prompt := firstString(in.Context, KeyPrompt, KeyBrief)
	text := stringVal(in.Context, KeyText)
	if prompt == "" && text == "" {
		return Output{}, fmt.Errorf("write: payload needs %q, %q, or %q", KeyPrompt, KeyBrief, KeyText)
	}

	out := Output{Payload: map[string]any{}}
	if prompt != "" {
		fallback := text
		if fallback == "" {
			fallback = prompt
		}
		resp, err := t.gen.GenerateOr(ctx, generation.Request{
			Model:       in.Model.EffectiveModel,
			System:      in.Team.Prompts["system"],
			Prompt:      "Write narrative prose for this brief." + generation.SourceMarker + prompt,
			Temperature: temperature(in),
			MaxTokens:   in.Team.Policy.MaxTokens,
		}, fallback)
		if err != nil {
			return Output{}, err
		}
		text = resp.Text
		out.Payload[KeyGeneration] = resp
	}
	out.Payload[KeyText] = text

	if t.det != nil && strings.TrimSpace(text) != "" {
		res, err := t.det.Check(ctx, text, scopeID(in), in.RunID, in.Mode)
		if err != nil {
			return Output{}, fmt.Errorf("write: uniqueness check: %w", err)
		}
		out.Payload[KeyUniqueness] = res
	}
	return out, nil
}

type criticTool struct{}

func (criticTool) Run(_ context.Context, in Input) (Output, error) {
	th := in.Thresholds
	th.CriticScore = nil
	v := quality.Evaluate(stringVal(in.Context, KeyText), th)
	notes := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		notes = append(notes, r.Code+": "+r.Detail)
	}
	return Output{Payload: map[string]any{
		KeyNotes:       notes,
		KeyCriticScore: v.Score,
	}}, nil
}

type editTool struct {
	gen *generation.Resilient
}

func (t *editTool) Run(ctx context.Context, in Input) (Output, error) {
	text := stringVal(in.Context, KeyText)
	if text == "" {
		return Output{}, fmt.Errorf("edit: payload has no %q to revise", KeyText)
	}
	notes := stringList(in.Context[KeyNotes])
	cleaned := Cleanup(text)

	var b strings.Builder
	b.WriteString("Revise the draft into clean narrative prose. Remove lists, placeholders, and commentary about the task.")
	for _, n := range notes {
		b.WriteString("\n- ")
		b.WriteString(n)
	}
	b.WriteString(generation.SourceMarker)
	b.WriteString(text)

	resp, err := t.gen.GenerateOr(ctx, generation.Request{
		Model:       in.Model.EffectiveModel,
		System:      in.Team.Prompts["system"],
		Prompt:      b.String(),
		Temperature: temperature(in),
		MaxTokens:   in.Team.Policy.MaxTokens,
	}, cleaned)
	if err != nil {
		return Output{}, err
	}
	revised := resp.Text
	if strings.TrimSpace(revised) == "" {
		revised = cleaned
	}
	return Output{Payload: map[string]any{
		KeyText:       revised,
		KeyGeneration: resp,
	}}, nil
}

type qualityTool struct{}

func (qualityTool) Run(_ context.Context, in Input) (Output, error) {
	th := in.Thresholds
	if cs, ok := floatVal(in.Context, KeyCriticScore); ok {
		th.CriticScore = &cs
	}
	v := quality.Evaluate(stringVal(in.Context, KeyText), th)
	out := Output{
		Payload:       map[string]any{KeyQuality: v},
		Decision:      v.Decision,
		BlockPipeline: v.BlockPipeline,
	}
	if len(v.Reasons) > 0 {
		out.Reason = v.Reasons[0].Code
	}
	return out, nil
}

type uniquenessTool struct {
	det *uniqueness.Detector
}

func (t *uniquenessTool) Run(ctx context.Context, in Input) (Output, error) {
	if t.det == nil {
		return Output{}, fmt.Errorf("uniqueness: detector not configured")
	}
	res, err := t.det.Check(ctx, stringVal(in.Context, KeyText), scopeID(in), in.RunID, in.Mode)
	if err != nil {
		return Output{}, err
	}
	out := Output{Payload: map[string]any{KeyUniqueness: res}, Decision: res.Decision}
	if res.Decision != model.DecisionAccept {
		out.Reason = fmt.Sprintf("similarity %.3f >= %.2f", res.Score, res.Threshold)
	}
	return out, nil
}

var (
	listMarker = regexp.MustCompile(`(?m)^\s*(?:[-*•+]|\d{1,3}[.)])\s+`)
	placeholds = regexp.MustCompile(`(?i)\b(?:TODO|TBD|FIXME|XXX)\b:?|lorem ipsum|\{\{[^}]*\}\}|\[(?:insert|placeholder)[^\]]*\]|<placeholder>`)
	spaceRuns  = regexp.MustCompile(`[ \t]{2,}`)
)

// Cleanup strips list markers and placeholders, the deterministic revision
// used when no model is reachable.
func Cleanup(text string) string {
	s := listMarker.ReplaceAllString(text, "")
	s = placeholds.ReplaceAllString(s, "")
	s = spaceRuns.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func temperature(in Input) float64 {
	if in.Team.Policy.Temperature > 0 {
		return in.Team.Policy.Temperature
	}
	return in.Policy.Temperature
}

func scopeID(in Input) string {
	if s := stringVal(in.Context, KeyScopeID); s != "" {
		return s
	}
	if in.BookID != "" {
		return in.BookID
	}
	return in.RunID
}

func stringVal(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(stringVal(m, k)); s != "" {
			return s
		}
	}
	return ""
}

func floatVal(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
