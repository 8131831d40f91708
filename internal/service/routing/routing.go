// Package routing decides which team runs a mode and which model it uses.
//
// Model selection follows a fixed precedence: request body, request header,
// preset, force-override file, environment default, hardcoded default. The
// first non-empty source wins, and the allowlist is enforced afterwards.
package routing

import (
	"fmt"
	"slices"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/config"
	"github.com/ashita-ai/scriptorium/internal/model"
)

// HardcodedDefaultModel is used when no other source names a model.
const HardcodedDefaultModel = "gpt-4o-mini"

// Options configure a Resolver.
type Options struct {
	Allowlist    []string // sorted; empty disables enforcement
	PolicyMode   string   // config.PolicyModeStrict or config.PolicyModePermissive
	DefaultModel string   // DEFAULT_MODEL; reported with source env_force
	Force        *ForceOverride
}

// Resolver resolves teams, team contexts, and models.
type Resolver struct {
	opts Options
}

// NewResolver creates a resolver.
func NewResolver(opts Options) *Resolver {
	if opts.PolicyMode == "" {
		opts.PolicyMode = config.PolicyModeStrict
	}
	opts.Allowlist = slices.Clone(opts.Allowlist)
	slices.Sort(opts.Allowlist)
	return &Resolver{opts: opts}
}

// TeamForMode returns the team mapped to mode. A missing mapping is a
// configuration error.
func TeamForMode(c *catalog.Catalog, mode string) (string, error) {
	team, ok := c.ModeTeams[mode]
	if !ok || team == "" {
		return "", model.ConfigError("routing.team_for_mode", "no team mapped for mode %q", mode)
	}
	if _, ok := c.Teams[team]; !ok {
		return "", model.ConfigError("routing.team_for_mode", "mode %q maps to unknown team %q", mode, team)
	}
	return team, nil
}

// ResolveTeamContext returns the policy and prompts a team applies to mode.
// A mode outside the team's allowed set is a policy violation.
func ResolveTeamContext(c *catalog.Catalog, teamID, mode string) (model.TeamContext, error) {
	team, ok := c.Teams[teamID]
	if !ok {
		return model.TeamContext{}, model.ConfigError("routing.team_context", "unknown team %q", teamID)
	}
	if !team.Allows(mode) {
		return model.TeamContext{}, model.PolicyViolation("routing.team_context",
			"team %q is not allowed to run mode %q", teamID, mode)
	}
	return model.TeamContext{TeamID: team.ID, Policy: team.DefaultPolicy, Prompts: team.Prompts}, nil
}

// EnforceCallerTeam rejects a caller that names a team other than the one
// resolved for mode. An empty caller team is always accepted.
func EnforceCallerTeam(callerTeam, execTeam, mode string) error {
	if callerTeam == "" || callerTeam == execTeam {
		return nil
	}
	return model.PolicyViolation("routing.enforce_caller_team",
		"caller team %q cannot run mode %q, which belongs to team %q", callerTeam, mode, execTeam)
}

// configuredDefault is the model blocked or disallowed requests fall back to.
func (r *Resolver) configuredDefault() string {
	if r.opts.DefaultModel != "" {
		return r.opts.DefaultModel
	}
	return HardcodedDefaultModel
}

// ResolveModel applies the precedence chain and the allowlist.
func (r *Resolver) ResolveModel(requested, header, preset string) model.ModelDecision {
	return r.ResolveStepModel(requested, header, preset, "")
}

// ResolveStepModel is ResolveModel for a pipeline step. A non-empty
// teamDefault replaces the hardcoded default as the last layer, so it loses
// to the force file and DEFAULT_MODEL.
func (r *Resolver) ResolveStepModel(requested, header, preset, teamDefault string) model.ModelDecision {
	fallback := HardcodedDefaultModel
	if teamDefault != "" {
		fallback = teamDefault
	}
	candidates := []struct {
		model  string
		source model.ModelSource
	}{
		{requested, model.SourceBody},
		{header, model.SourceHeader},
		{preset, model.SourcePreset},
		{r.opts.Force.Model(), model.SourceForceFile},
		{r.opts.DefaultModel, model.SourceEnvForce},
		{fallback, model.SourceDefault},
	}
	d := model.ModelDecision{RequestedModel: requested, AllowlistOK: true}
	for _, c := range candidates {
		if c.model != "" {
			d.EffectiveModel, d.Source = c.model, c.source
			break
		}
	}
	if r.allowed(d.EffectiveModel) {
		return d
	}

	chosen := d.EffectiveModel
	d.AllowlistOK = false
	if r.opts.PolicyMode == config.PolicyModeStrict {
		d.EffectiveModel = r.configuredDefault()
		d.Source = model.SourceBlocked
		d.Note = fmt.Sprintf("model %q is not in the allowlist; STRICT policy uses the default", chosen)
		return d
	}
	if def := r.configuredDefault(); r.allowed(def) {
		d.EffectiveModel = def
		d.Note = fmt.Sprintf("model %q is not in the allowlist; using the configured default", chosen)
		return d
	}
	d.EffectiveModel = r.opts.Allowlist[0]
	d.Note = fmt.Sprintf("model %q is not in the allowlist; using the first allowed model", chosen)
	return d
}

func (r *Resolver) allowed(m string) bool {
	if len(r.opts.Allowlist) == 0 {
		return true
	}
	_, ok := slices.BinarySearch(r.opts.Allowlist, m)
	return ok
}

// Allowlist returns a copy of the sorted allowlist.
func (r *Resolver) Allowlist() []string { return slices.Clone(r.opts.Allowlist) }

// PolicyMode returns STRICT or PERMISSIVE.
func (r *Resolver) PolicyMode() string { return r.opts.PolicyMode }
