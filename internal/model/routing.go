package model

// ModelSource names the precedence layer that chose the effective model.
type ModelSource string

const (
	SourceBody      ModelSource = "body"
	SourceHeader    ModelSource = "header"
	SourcePreset    ModelSource = "preset"
	SourceForceFile ModelSource = "force_file"
	SourceEnvForce  ModelSource = "env_force"
	SourceDefault   ModelSource = "default"
	SourceBlocked   ModelSource = "blocked"
)

// CallerSupplied reports whether the model came from the request itself.
func (s ModelSource) CallerSupplied() bool {
	return s == SourceBody || s == SourceHeader
}

// ModelDecision is the per-call outcome of model routing.
type ModelDecision struct {
	RequestedModel string      `json:"requested_model,omitempty"`
	EffectiveModel string      `json:"effective_model"`
	Source         ModelSource `json:"source"`
	AllowlistOK    bool        `json:"allowlist_ok"`
	Note           string      `json:"note,omitempty"`
}

// TeamPolicy is a team's default generation policy.
type TeamPolicy struct {
	PolicyID    string  `json:"policy_id" yaml:"policy_id"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// TeamContext is what a step needs from its team.
type TeamContext struct {
	TeamID  string            `json:"team_id"`
	Policy  TeamPolicy        `json:"policy"`
	Prompts map[string]string `json:"prompts,omitempty"`
}
