// Package catalog loads the mode, preset, team, and quality configuration that
// drives pipeline execution.
//
// A catalog is read from a directory of YAML files (JSON is a subset and parses
// too). Structural problems such as duplicate ids or unknown tool kinds fail the
// load. Dangling references from presets to modes are reported by Validate and
// surface as configuration errors when the preset is resolved.
package catalog

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/scriptorium/internal/model"
)

//go:embed defaults/*.yaml
var defaultFS embed.FS

// File names inside a catalog directory.
const (
	ModesFile     = "modes.yaml"
	PresetsFile   = "presets.yaml"
	TeamsFile     = "teams.yaml"
	ModeTeamsFile = "mode_teams.yaml"
	QualityFile   = "quality.yaml"
)

// Mode is a single named step type bound to a tool.
type Mode struct {
	ID          string         `yaml:"id" json:"id"`
	Tool        model.ToolKind `yaml:"tool" json:"tool"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
}

// StepSpec is one entry of a preset's explicit step list.
type StepSpec struct {
	Mode  string `yaml:"mode" json:"mode"`
	Team  string `yaml:"team,omitempty" json:"team,omitempty"`
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Preset is a named ordered sequence of modes. Either Modes or Steps is set.
type Preset struct {
	ID    string     `yaml:"id" json:"id"`
	Model string     `yaml:"model,omitempty" json:"model,omitempty"`
	Modes []string   `yaml:"modes,omitempty" json:"modes,omitempty"`
	Steps []StepSpec `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// StepSpecs normalizes Modes and Steps into a single list.
func (p Preset) StepSpecs() []StepSpec {
	if len(p.Steps) > 0 {
		return p.Steps
	}
	out := make([]StepSpec, 0, len(p.Modes))
	for _, m := range p.Modes {
		out = append(out, StepSpec{Mode: m})
	}
	return out
}

// Team is a named set of allowed modes plus a default generation policy.
type Team struct {
	ID            string            `yaml:"id" json:"id"`
	AllowedModes  []string          `yaml:"allowed_modes" json:"allowed_modes"`
	DefaultPolicy model.TeamPolicy  `yaml:"default_policy" json:"default_policy"`
	Prompts       map[string]string `yaml:"prompts,omitempty" json:"prompts,omitempty"`
}

// Allows reports whether mode is in the team's allowed set.
func (t Team) Allows(mode string) bool {
	for _, m := range t.AllowedModes {
		if m == mode {
			return true
		}
	}
	return false
}

// QualityConfig holds the layered quality gate overrides.
type QualityConfig struct {
	Global  model.QualityFlags            `yaml:"global" json:"global"`
	Presets map[string]model.QualityFlags `yaml:"presets,omitempty" json:"presets,omitempty"`
	Modes   map[string]model.QualityFlags `yaml:"modes,omitempty" json:"modes,omitempty"`
}

// Step is a resolved pipeline step.
type Step struct {
	Mode  string         `json:"mode"`
	Tool  model.ToolKind `json:"tool"`
	Team  string         `json:"team,omitempty"`  // per-step override; empty means the mode's team
	Model string         `json:"model,omitempty"` // per-step or preset default model
}

// Catalog is an immutable, validated snapshot of the configuration.
type Catalog struct {
	Modes     map[string]Mode
	Presets   map[string]Preset
	Teams     map[string]Team
	ModeTeams map[string]string
	Quality   QualityConfig
	Source    string

	modeOrder   []string
	presetOrder []string
	teamOrder   []string
}

// LoadDir reads a catalog from dir. An empty dir loads the embedded defaults.
func LoadDir(dir string) (*Catalog, error) {
	if dir == "" {
		sub, err := fs.Sub(defaultFS, "defaults")
		if err != nil {
			return nil, fmt.Errorf("catalog: embedded defaults: %w", err)
		}
		c, err := LoadFS(sub)
		if err != nil {
			return nil, err
		}
		c.Source = "embedded"
		return c, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, model.Wrap(model.KindConfig, "catalog.load", err)
	}
	c, err := LoadFS(os.DirFS(dir))
	if err != nil {
		return nil, err
	}
	c.Source = dir
	return c, nil
}

// LoadFS reads a catalog from fsys. modes, presets, teams, and mode_teams are
// required; quality is optional.
func LoadFS(fsys fs.FS) (*Catalog, error) {
	var modes []Mode
	var presets []Preset
	var teams []Team
	var modeTeams map[string]string
	var quality QualityConfig

	for _, f := range []struct {
		name     string
		dst      any
		optional bool
	}{
		{ModesFile, &modes, false},
		{PresetsFile, &presets, false},
		{TeamsFile, &teams, false},
		{ModeTeamsFile, &modeTeams, false},
		{QualityFile, &quality, true},
	} {
		if err := decodeFile(fsys, f.name, f.dst, f.optional); err != nil {
			return nil, err
		}
	}
	return build(modes, presets, teams, modeTeams, quality)
}

func decodeFile(fsys fs.FS, name string, dst any, optional bool) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return model.Wrap(model.KindConfig, "catalog.load", fmt.Errorf("read %s: %w", name, err))
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return model.Wrap(model.KindConfig, "catalog.load", fmt.Errorf("parse %s: %w", name, err))
	}
	return nil
}

func build(modes []Mode, presets []Preset, teams []Team, modeTeams map[string]string, quality QualityConfig) (*Catalog, error) {
	c := &Catalog{
		Modes:     make(map[string]Mode, len(modes)),
		Presets:   make(map[string]Preset, len(presets)),
		Teams:     make(map[string]Team, len(teams)),
		ModeTeams: modeTeams,
		Quality:   quality,
	}
	if c.ModeTeams == nil {
		c.ModeTeams = map[string]string{}
	}

	var errs []error
	for _, m := range modes {
		switch {
		case m.ID == "":
			errs = append(errs, fmt.Errorf("%s: mode with empty id", ModesFile))
			continue
		case !m.Tool.Valid():
			errs = append(errs, fmt.Errorf("%s: mode %q has unknown tool %q", ModesFile, m.ID, m.Tool))
			continue
		}
		if _, dup := c.Modes[m.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate mode id %q", ModesFile, m.ID))
			continue
		}
		c.Modes[m.ID] = m
		c.modeOrder = append(c.modeOrder, m.ID)
	}
	for _, p := range presets {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("%s: preset with empty id", PresetsFile))
			continue
		case len(p.Modes) > 0 && len(p.Steps) > 0:
			errs = append(errs, fmt.Errorf("%s: preset %q sets both modes and steps", PresetsFile, p.ID))
			continue
		case len(p.Modes) == 0 && len(p.Steps) == 0:
			errs = append(errs, fmt.Errorf("%s: preset %q has no steps", PresetsFile, p.ID))
			continue
		}
		if _, dup := c.Presets[p.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate preset id %q", PresetsFile, p.ID))
			continue
		}
		c.Presets[p.ID] = p
		c.presetOrder = append(c.presetOrder, p.ID)
	}
	for _, t := range teams {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("%s: team with empty id", TeamsFile))
			continue
		}
		if _, dup := c.Teams[t.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate team id %q", TeamsFile, t.ID))
			continue
		}
		c.Teams[t.ID] = t
		c.teamOrder = append(c.teamOrder, t.ID)
	}
	if len(errs) > 0 {
		return nil, model.Wrap(model.KindConfig, "catalog.load", errors.Join(errs...))
	}
	return c, nil
}

// ModeIDs returns mode ids in file order.
func (c *Catalog) ModeIDs() []string { return append([]string(nil), c.modeOrder...) }

// PresetIDs returns preset ids in file order.
func (c *Catalog) PresetIDs() []string { return append([]string(nil), c.presetOrder...) }

// TeamIDs returns team ids in file order.
func (c *Catalog) TeamIDs() []string { return append([]string(nil), c.teamOrder...) }

// IsPreset reports whether id names a preset.
func (c *Catalog) IsPreset(id string) bool {
	_, ok := c.Presets[id]
	return ok
}

// Resolve expands a preset or mode id into ordered steps. Presets shadow
// modes of the same name. Any unknown id is a configuration error.
func (c *Catalog) Resolve(id string) ([]Step, error) {
	const op = "catalog.resolve"
	if p, ok := c.Presets[id]; ok {
		specs := p.StepSpecs()
		steps := make([]Step, 0, len(specs))
		for i, s := range specs {
			m, ok := c.Modes[s.Mode]
			if !ok {
				return nil, model.ConfigError(op, "preset %q step %d references unknown mode %q", id, i+1, s.Mode)
			}
			if s.Team != "" {
				if _, ok := c.Teams[s.Team]; !ok {
					return nil, model.ConfigError(op, "preset %q step %d references unknown team %q", id, i+1, s.Team)
				}
			}
			mdl := s.Model
			if mdl == "" {
				mdl = p.Model
			}
			steps = append(steps, Step{Mode: m.ID, Tool: m.Tool, Team: s.Team, Model: mdl})
		}
		return steps, nil
	}
	if m, ok := c.Modes[id]; ok {
		return []Step{{Mode: m.ID, Tool: m.Tool}}, nil
	}
	return nil, model.ConfigError(op, "unknown mode or preset %q", id)
}

// StepFor builds a single step for mode, used when the executor injects a
// corrective step outside the resolved sequence.
func (c *Catalog) StepFor(mode string) (Step, error) {
	m, ok := c.Modes[mode]
	if !ok {
		return Step{}, model.ConfigError("catalog.step", "unknown mode %q", mode)
	}
	return Step{Mode: m.ID, Tool: m.Tool}, nil
}

// FirstModeWithTool returns the first mode (in file order) bound to kind.
func (c *Catalog) FirstModeWithTool(kind model.ToolKind) (string, bool) {
	for _, id := range c.modeOrder {
		if c.Modes[id].Tool == kind {
			return id, true
		}
	}
	return "", false
}

// UnknownRef is a reference to an id that does not exist.
type UnknownRef struct {
	From string `json:"from"` // "preset:<id>", "team:<id>", or "mode_teams"
	Kind string `json:"kind"` // "mode" or "team"
	ID   string `json:"id"`
}

// Report summarizes catalog consistency.
type Report struct {
	OK          bool         `json:"ok"`
	Source      string       `json:"source"`
	Modes       []string     `json:"modes"`
	Presets     []string     `json:"presets"`
	Teams       []string     `json:"teams"`
	UnknownRefs []UnknownRef `json:"unknown_refs"`
	Unmapped    []string     `json:"unmapped_modes"`
}

// Validate checks every cross-reference in the catalog.
func (c *Catalog) Validate() Report {
	r := Report{
		Source:      c.Source,
		Modes:       c.ModeIDs(),
		Presets:     c.PresetIDs(),
		Teams:       c.TeamIDs(),
		UnknownRefs: []UnknownRef{},
		Unmapped:    []string{},
	}
	for _, pid := range c.presetOrder {
		for _, s := range c.Presets[pid].StepSpecs() {
			if _, ok := c.Modes[s.Mode]; !ok {
				r.UnknownRefs = append(r.UnknownRefs, UnknownRef{From: "preset:" + pid, Kind: "mode", ID: s.Mode})
			}
			if s.Team != "" {
				if _, ok := c.Teams[s.Team]; !ok {
					r.UnknownRefs = append(r.UnknownRefs, UnknownRef{From: "preset:" + pid, Kind: "team", ID: s.Team})
				}
			}
		}
	}
	for _, tid := range c.teamOrder {
		for _, m := range c.Teams[tid].AllowedModes {
			if _, ok := c.Modes[m]; !ok {
				r.UnknownRefs = append(r.UnknownRefs, UnknownRef{From: "team:" + tid, Kind: "mode", ID: m})
			}
		}
	}
	mapped := make([]string, 0, len(c.ModeTeams))
	for m := range c.ModeTeams {
		mapped = append(mapped, m)
	}
	sort.Strings(mapped)
	for _, m := range mapped {
		if _, ok := c.Modes[m]; !ok {
			r.UnknownRefs = append(r.UnknownRefs, UnknownRef{From: "mode_teams", Kind: "mode", ID: m})
		}
		if _, ok := c.Teams[c.ModeTeams[m]]; !ok {
			r.UnknownRefs = append(r.UnknownRefs, UnknownRef{From: "mode_teams", Kind: "team", ID: c.ModeTeams[m]})
		}
	}
	for _, m := range c.modeOrder {
		if _, ok := c.ModeTeams[m]; !ok {
			r.Unmapped = append(r.Unmapped, m)
		}
	}
	r.OK = len(r.UnknownRefs) == 0 && len(r.Unmapped) == 0
	return r
}
