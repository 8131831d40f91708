// Package quality implements the quality gate and its adaptive retry policy.
//
// Evaluate is a pure function of (text, thresholds): it returns ACCEPT, REVISE,
// or REJECT with a bounded list of reasons. The decision is the worst severity
// among triggered reasons. MIN_WORDS is the only reason that sets
// block_pipeline, and consumers must treat that flag as a failure no matter
// what the score says.
package quality

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ashita-ai/scriptorium/internal/model"
)

// Thresholds are the per-evaluation gate settings.
type Thresholds struct {
	MinWords     int
	QualityFloor float64 // zero disables the floor check
	RequireProse bool

	// CriticScore, when set, is blended into the score with ReviewerWeight
	// before the floor check.
	CriticScore    *float64
	ReviewerWeight float64
}

// Score penalties per triggered reason.
const (
	penaltyReject       = 0.5
	penaltyRevise       = 0.2
	penaltyRepetition   = 0.15
	penaltyLongSentence = 0.10

	longSentenceWords  = 60
	repeatedMinWords   = 4
	listLinesThreshold = 2
)

var (
	aiDisclosure = phraseRegexp([]string{
		"as an ai",
		"as a language model",
		"i am an ai",
		"i'm an ai",
		"i am a language model",
		"i cannot fulfill",
		"i can't assist with",
	})
	metaProcess = phraseRegexp([]string{
		"in this chapter, i will",
		"in this chapter i will",
		"here is the revised",
		"here's the revised",
		"here is a draft",
		"here's a draft",
		"here is the draft",
		"i have rewritten",
		"i've rewritten",
		"word count:",
		"note to the editor",
		"this draft aims to",
	})

	placeholderUpper = regexp.MustCompile(`\b(TODO|TBD|FIXME|XXX)\b`)
	placeholderAny   = regexp.MustCompile(`(?i)lorem ipsum|\{\{[^}]*\}\}|\[(insert|placeholder)[^\]]*\]|<placeholder>`)
	listLine         = regexp.MustCompile(`^\s*(?:[-*•+]|\d{1,3}[.)])\s+\S`)
	sentenceSplit    = regexp.MustCompile(`[.!?]+["')\]]*\s+`)
)

// Evaluate scores text against th.
func Evaluate(text string, th Thresholds) model.QualityVerdict {
	words := CountWords(text)
	v := model.QualityVerdict{Decision: model.DecisionAccept, WordCount: words, Reasons: []model.Reason{}}
	var reasons []model.Reason
	add := func(code string, sev model.Decision, detail string) {
		reasons = append(reasons, model.Reason{Code: code, Severity: sev, Detail: detail})
	}

	minWords := th.MinWords
	if words == 0 && minWords < 1 {
		minWords = 1
	}
	if words < minWords {
		v.BlockPipeline = true
		if words == 0 {
			add(model.ReasonMinWords, model.DecisionReject, fmt.Sprintf("0 words < %d", minWords))
			add(model.ReasonEmpty, model.DecisionReject, "text is empty")
		} else {
			add(model.ReasonMinWords, model.DecisionRevise, fmt.Sprintf("%d words < %d", words, minWords))
		}
	}

	if p := aiDisclosure.FindString(text); p != "" {
		add(model.ReasonAIDisclosure, model.DecisionReject, fmt.Sprintf("contains %q", strings.ToLower(p)))
	}
	if p := metaProcess.FindString(text); p != "" {
		add(model.ReasonMetaProcess, model.DecisionRevise, fmt.Sprintf("contains %q", strings.ToLower(p)))
	}
	if m := placeholderUpper.FindString(text); m != "" {
		add(model.ReasonPlaceholder, model.DecisionReject, fmt.Sprintf("placeholder %q", m))
	} else if m := placeholderAny.FindString(text); m != "" {
		add(model.ReasonPlaceholder, model.DecisionReject, fmt.Sprintf("placeholder %q", m))
	}
	if th.RequireProse {
		if n := countListLines(text); n >= listLinesThreshold {
			add(model.ReasonListStructure, model.DecisionRevise, fmt.Sprintf("%d list lines where prose is required", n))
		}
	}

	sentences := splitSentences(text)
	infoPenalty := 0.0
	if dup := repeatedSentence(sentences); dup != "" {
		add(model.ReasonRepetition, model.DecisionAccept, fmt.Sprintf("repeated sentence %q", truncate(dup, 60)))
		infoPenalty += penaltyRepetition
	}
	if n := longestSentence(sentences); n > longSentenceWords {
		add(model.ReasonLongSentence, model.DecisionAccept, fmt.Sprintf("sentence of %d words", n))
		infoPenalty += penaltyLongSentence
	}

	score := 1.0 - infoPenalty
	for _, r := range reasons {
		v.Decision = v.Decision.Worse(r.Severity)
		switch r.Severity {
		case model.DecisionReject:
			score -= penaltyReject
		case model.DecisionRevise:
			score -= penaltyRevise
		}
	}
	score = clamp(score, 0, 1)
	if th.CriticScore != nil && th.ReviewerWeight > 0 {
		w := clamp(th.ReviewerWeight, 0, 1)
		score = clamp(score*(1-w)+clamp(*th.CriticScore, 0, 1)*w, 0, 1)
	}
	if th.QualityFloor > 0 && score < th.QualityFloor {
		add(model.ReasonScoreBelowFloor, model.DecisionRevise, fmt.Sprintf("score %.2f < floor %.2f", score, th.QualityFloor))
		v.Decision = v.Decision.Worse(model.DecisionRevise)
	}
	v.Score = round3(score)

	sort.SliceStable(reasons, func(i, j int) bool {
		return reasons[i].Severity.Severity() > reasons[j].Severity.Severity()
	})
	if len(reasons) > model.MaxReasons {
		reasons = reasons[:model.MaxReasons]
	}
	if reasons != nil {
		v.Reasons = reasons
	}
	return v
}

// CountWords counts whitespace-separated tokens containing a letter or digit.
func CountWords(text string) int {
	n := 0
	for _, f := range strings.Fields(text) {
		if strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			n++
		}
	}
	return n
}

// phraseRegexp matches any phrase case-insensitively on word boundaries, so
// "as an ai" does not fire on "as an aide".
func phraseRegexp(phrases []string) *regexp.Regexp {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		q := strings.ReplaceAll(regexp.QuoteMeta(p), " ", `\s+`)
		if last := p[len(p)-1]; last >= 'a' && last <= 'z' {
			q += `\b`
		}
		alts = append(alts, q)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)`)
}

func countListLines(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if listLine.MatchString(line) {
			n++
		}
	}
	return n
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceSplit.Split(strings.TrimSpace(text), -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func repeatedSentence(sentences []string) string {
	seen := make(map[string]bool, len(sentences))
	for _, s := range sentences {
		if CountWords(s) < repeatedMinWords {
			continue
		}
		key := strings.Join(strings.Fields(strings.ToLower(strings.TrimRight(s, ".!?"))), " ")
		if seen[key] {
			return s
		}
		seen[key] = true
	}
	return ""
}

func longestSentence(sentences []string) int {
	longest := 0
	for _, s := range sentences {
		if n := CountWords(s); n > longest {
			longest = n
		}
	}
	return longest
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
