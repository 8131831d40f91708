// Package model defines the core domain types for Scriptorium.
//
// Run records and step artifacts map one-to-one onto the JSON files the run
// store writes under each run folder. Types use typed string enums and
// time.Time and avoid interface{} except for tool payloads, which are
// tool-specific by nature.
package model

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "QUEUED"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusDone    RunStatus = "DONE"
	RunStatusError   RunStatus = "ERROR"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusError
}

// RunRecord is the manifest of a single pipeline run.
// Created on the first step and terminal once DONE or ERROR.
type RunRecord struct {
	RunID          string     `json:"run_id"`
	BookID         string     `json:"book_id,omitempty"`
	Target         string     `json:"target"`
	Status         RunStatus  `json:"status"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps int        `json:"completed_steps"`
	StartedAt      *time.Time `json:"started_ts,omitempty"`
	FinishedAt     *time.Time `json:"finished_ts,omitempty"`
	Error          string     `json:"error,omitempty"`
	Stop           *StopInfo  `json:"stop,omitempty"`
	// Holder is the executor that owns the run until it is terminal.
	// HeartbeatAt is refreshed while it works; a claim older than the lock
	// stale threshold may be taken over.
	Holder         string     `json:"holder,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StopInfo identifies the step and decision that ended a run early.
type StopInfo struct {
	Index    int      `json:"index"`
	Mode     string   `json:"mode"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// StepResult is the tool output recorded in an artifact.
type StepResult struct {
	Tool    string         `json:"tool"`
	Payload map[string]any `json:"payload"`
}

// StepTeam records the team context a step executed under.
type StepTeam struct {
	ID            string        `json:"id"`
	PolicyID      string        `json:"policy_id"`
	Model         string        `json:"model"`
	ModelDecision ModelDecision `json:"model_decision"`
}

// StepArtifact is the immutable record of one executed step. Index is the
// 1-based position in the run.
type StepArtifact struct {
	Index     int            `json:"index"`
	Mode      string         `json:"mode"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
	Result    StepResult     `json:"result"`
	Team      StepTeam       `json:"team"`
	Injected  bool           `json:"injected,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Failed reports whether the step carries an error marker.
func (a StepArtifact) Failed() bool { return a.Error != "" }

// RunView is a manifest plus its artifacts in index order.
type RunView struct {
	Manifest  RunRecord      `json:"manifest"`
	Artifacts []StepArtifact `json:"artifacts"`
}

// BookPointer records the most recent run for a book.
type BookPointer struct {
	BookID    string    `json:"book_id"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
