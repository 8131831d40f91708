package model

import "time"

// Decision is a terminal quality or uniqueness outcome.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionRevise Decision = "REVISE"
	DecisionReject Decision = "REJECT"
)

// Severity orders decisions so the worst one wins. Unknown values rank lowest.
func (d Decision) Severity() int {
	switch d {
	case DecisionReject:
		return 2
	case DecisionRevise:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of d and other.
func (d Decision) Worse(other Decision) Decision {
	if other.Severity() > d.Severity() {
		return other
	}
	return d
}

// Reason codes emitted by the quality gate.
const (
	ReasonMinWords        = "MIN_WORDS"
	ReasonEmpty           = "EMPTY"
	ReasonAIDisclosure    = "AI_DISCLOSURE"
	ReasonMetaProcess     = "META_PROCESS"
	ReasonPlaceholder     = "PLACEHOLDER"
	ReasonListStructure   = "LIST_STRUCTURE"
	ReasonRepetition      = "REPETITION"
	ReasonLongSentence    = "LONG_SENTENCE"
	ReasonScoreBelowFloor = "SCORE_BELOW_FLOOR"
)

// MaxReasons bounds the reasons list of a verdict.
const MaxReasons = 7

// Reason is one triggered quality signal.
type Reason struct {
	Code     string   `json:"code"`
	Severity Decision `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// QualityVerdict is the result of a quality gate evaluation.
// BlockPipeline is authoritative: consumers must treat it as a failure.
type QualityVerdict struct {
	Decision      Decision `json:"decision"`
	Score         float64  `json:"score"`
	Reasons       []Reason `json:"reasons"`
	BlockPipeline bool     `json:"block_pipeline"`
	WordCount     int      `json:"word_count"`
}

// HasReason reports whether code appears among the verdict reasons.
func (v QualityVerdict) HasReason(code string) bool {
	for _, r := range v.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// PolicyLevel is the coarse pressure band of a retry policy.
type PolicyLevel string

const (
	LevelGreen  PolicyLevel = "GREEN"
	LevelYellow PolicyLevel = "YELLOW"
	LevelRed    PolicyLevel = "RED"
)

// RetryPolicy is the adaptive gate policy. Only the feedback loop mutates it.
type RetryPolicy struct {
	Level                PolicyLevel `json:"level"`
	MaxRetries           int         `json:"max_retries"`
	BackoffSeconds       []float64   `json:"backoff_seconds"`
	RequireReviewOnRetry bool        `json:"require_review_on_retry"`
	QualityFloor         float64     `json:"quality_floor"`
	ReviewerWeight       float64     `json:"reviewer_weight"`
	Temperature          float64     `json:"temperature"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Backoff returns the wait before retry attempt n (0-based), reusing the last
// entry once the list is exhausted.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if len(p.BackoffSeconds) == 0 {
		return 0
	}
	if n >= len(p.BackoffSeconds) {
		n = len(p.BackoffSeconds) - 1
	}
	if n < 0 {
		n = 0
	}
	return time.Duration(p.BackoffSeconds[n] * float64(time.Second))
}

// UniquenessRecord is one append-only entry of the fingerprint registry.
type UniquenessRecord struct {
	Fingerprint string    `json:"fingerprint"`
	ScopeID     string    `json:"scope_id"`
	RunID       string    `json:"run_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string    `json:"content_hash"`
}

// UniquenessResult is the outcome of a uniqueness check.
type UniquenessResult struct {
	Decision    Decision          `json:"decision"`
	Score       float64           `json:"score"`
	Threshold   float64           `json:"threshold"`
	Fingerprint string            `json:"fingerprint"`
	BestMatch   *UniquenessRecord `json:"best_match,omitempty"`
	Compared    int               `json:"compared"`
}

// FeedbackSignals are aggregate rates over a telemetry window. Each value is
// expected in [0,1]; consumers clamp anyway.
type FeedbackSignals struct {
	RejectRate       float64 `json:"reject_rate"`
	RetryRate        float64 `json:"retry_rate"`
	AcceptRate       float64 `json:"accept_rate"`
	ObservedQuality  float64 `json:"observed_quality"`
	UserSatisfaction float64 `json:"user_satisfaction"`
	Samples          int     `json:"samples"`
}

// QualityEvent is one gate evaluation recorded for the feedback loop.
type QualityEvent struct {
	RunID     string    `json:"run_id"`
	Mode      string    `json:"mode"`
	Decision  Decision  `json:"decision"`
	Score     float64   `json:"score"`
	Retried   bool      `json:"retried"`
	CreatedAt time.Time `json:"created_at"`
}
