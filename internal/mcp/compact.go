package mcp

import (
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/pipeline"
	"github.com/ashita-ai/scriptorium/internal/service/tools"
)

const maxCompactText = 400

// compactArtifact returns a minimal representation of a step artifact for
// MCP responses. Drops the step input and the model routing details, and
// truncates generated text; the full artifact stays readable through the
// run resource.
func compactArtifact(a model.StepArtifact) map[string]any {
	m := map[string]any{
		"index": a.Index,
		"mode":  a.Mode,
		"tool":  a.Tool,
		"team":  a.Team.ID,
	}
	if a.Injected {
		m["injected"] = true
	}
	if a.Failed() {
		m["error"] = a.Error
		return m
	}
	if a.Team.Model != "" {
		m["model"] = a.Team.Model
	}

	p := a.Result.Payload
	if text, ok := p[tools.KeyText].(string); ok && text != "" {
		m["text"] = truncate(text, maxCompactText)
	}
	if v, ok := p[tools.KeyNotes]; ok {
		m["notes"] = v
	}
	if v, ok := p[tools.KeyCriticScore]; ok {
		m["critic_score"] = v
	}
	// Gate verdicts come back as maps after a JSON round-trip through the
	// run store and as structs when fresh; keep only the headline fields.
	switch v := p[tools.KeyQuality].(type) {
	case model.QualityVerdict:
		m["quality"] = map[string]any{"decision": v.Decision, "score": v.Score}
	case map[string]any:
		m["quality"] = map[string]any{"decision": v["decision"], "score": v["score"]}
	}
	switch v := p[tools.KeyUniqueness].(type) {
	case model.UniquenessResult:
		m["uniqueness"] = map[string]any{"decision": v.Decision, "score": v.Score}
	case map[string]any:
		m["uniqueness"] = map[string]any{"decision": v["decision"], "score": v["score"]}
	}
	return m
}

func compactResult(res *pipeline.Result) map[string]any {
	arts := make([]map[string]any, 0, len(res.Artifacts))
	for _, a := range res.Artifacts {
		arts = append(arts, compactArtifact(a))
	}
	m := map[string]any{
		"run_id":    res.RunID,
		"status":    res.Status,
		"artifacts": arts,
	}
	if res.Stop != nil {
		m["stop"] = res.Stop
	}
	if res.Resumed {
		m["resumed"] = true
	}
	return m
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
