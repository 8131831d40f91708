package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for request bodies. They keep a single oversized text
// from pinning a worker inside the quality gate or the fingerprinting loop.
const (
	MaxTextLen    = 512 * 1024 // 512 KB
	MaxIDLen      = 200
	MaxPayloadLen = 64
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeConfig          = "CONFIG_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeLockBusy        = "LOCK_BUSY"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeOverloaded      = "OVERLOADED"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// QualityFlags are overrides for the quality gate. The catalog uses the same
// shape for its global, preset, and mode layers; requests supply the last one.
type QualityFlags struct {
	Enabled      *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MinWords     *int     `json:"min_words,omitempty" yaml:"min_words,omitempty"`
	QualityFloor *float64 `json:"quality_floor,omitempty" yaml:"quality_floor,omitempty"`
	RequireProse *bool    `json:"require_prose,omitempty" yaml:"require_prose,omitempty"`
	MaxRetries   *int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// PipelineStepRequest is the request body for POST /pipeline/step.
type PipelineStepRequest struct {
	Mode    string         `json:"mode,omitempty"`
	Preset  string         `json:"preset,omitempty"`
	BookID  string         `json:"book_id"`
	Payload map[string]any `json:"payload,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Resume  bool           `json:"resume,omitempty"`
	Team    string         `json:"team,omitempty"`
	Model   string         `json:"model,omitempty"`
	Quality *QualityFlags  `json:"quality,omitempty"`
}

// Target returns the preset id if set, else the mode id.
func (r PipelineStepRequest) Target() string {
	if r.Preset != "" {
		return r.Preset
	}
	return r.Mode
}

// Validate checks shape-level constraints before any catalog lookup.
func (r PipelineStepRequest) Validate() error {
	if strings.TrimSpace(r.Target()) == "" {
		return fmt.Errorf("mode or preset is required")
	}
	if r.Mode != "" && r.Preset != "" {
		return fmt.Errorf("mode and preset are mutually exclusive")
	}
	if len(r.BookID) > MaxIDLen {
		return fmt.Errorf("book_id exceeds maximum length of %d characters", MaxIDLen)
	}
	if strings.ContainsAny(r.BookID, `/\`) || strings.Contains(r.BookID, "..") {
		return fmt.Errorf("book_id contains path separators")
	}
	if len(r.Payload) > MaxPayloadLen {
		return fmt.Errorf("payload exceeds maximum of %d keys", MaxPayloadLen)
	}
	if s, ok := r.Payload["text"].(string); ok && len(s) > MaxTextLen {
		return fmt.Errorf("payload.text exceeds maximum length of %d bytes", MaxTextLen)
	}
	return nil
}

// PipelineStepResponse is the response for POST /pipeline/step.
type PipelineStepResponse struct {
	OK        bool           `json:"ok"`
	RunID     string         `json:"run_id"`
	Status    RunStatus      `json:"status"`
	Artifacts []StepArtifact `json:"artifacts"`
	Stopped   bool           `json:"stopped,omitempty"`
	Stop      *StopInfo      `json:"stop,omitempty"`
	Resumed   bool           `json:"resumed,omitempty"`
}

// QualityCheckRequest is the request body for POST /quality/check.
type QualityCheckRequest struct {
	Text         string   `json:"text"`
	MinWords     int      `json:"min_words,omitempty"`
	QualityFloor float64  `json:"quality_floor,omitempty"`
	RequireProse *bool    `json:"require_prose,omitempty"`
	CriticScore  *float64 `json:"critic_score,omitempty"`
}

// UniquenessCheckRequest is the request body for POST /uniqueness/check.
type UniquenessCheckRequest struct {
	Text    string `json:"text"`
	ScopeID string `json:"scope_id"`
	RunID   string `json:"run_id,omitempty"`
	Source  string `json:"source,omitempty"`
}

// FeedbackRequest is the request body for POST /quality/feedback.
type FeedbackRequest struct {
	RunID        string  `json:"run_id"`
	Accepted     bool    `json:"accepted"`
	Satisfaction float64 `json:"satisfaction"`
}

// Validate checks feedback bounds.
func (r FeedbackRequest) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if r.Satisfaction < 0 || r.Satisfaction > 1 {
		return fmt.Errorf("satisfaction must be between 0 and 1")
	}
	return nil
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Telemetry string `json:"telemetry"`
	InFlight  int64  `json:"in_flight"`
	Uptime    int64  `json:"uptime_seconds"`
}
