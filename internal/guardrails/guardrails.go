// Package guardrails checks generated post candidates before they enter the
// stock or leave the orchestrator.
//
// Checks:
//   - length: rune count within [min_length, max_length]
//   - content_filter: keyword/phrase blocklist
//   - regex_filter: configured blocked patterns
//   - pii_detection: emails, phone numbers, card numbers
//   - prompt_leak: model chatter that must never be posted
//   - min_score: self-assessed quality floor
package guardrails

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/rs/zerolog/log"
)

// Check kinds.
const (
	KindLength        = "length"
	KindContentFilter = "content_filter"
	KindRegexFilter   = "regex_filter"
	KindPII           = "pii_detection"
	KindPromptLeak    = "prompt_leak"
	KindMinScore      = "min_score"
)

// Result is the outcome of one check.
type Result struct {
	Kind    string `json:"kind"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Evaluation is the outcome of every check against one candidate.
type Evaluation struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
}

// Reasons returns the messages of failed checks.
func (e *Evaluation) Reasons() []string {
	var out []string
	for _, r := range e.Results {
		if !r.Passed {
			out = append(out, r.Message)
		}
	}
	return out
}

// Checker evaluates candidates against a fixed rule set.
type Checker struct {
	minLength int
	maxLength int
	blocked   []string
	patterns  []*regexp.Regexp
	minScore  float64
}

// New compiles cfg into a Checker. Invalid patterns are logged and skipped.
func New(cfg config.GuardrailConfig) *Checker {
	c := &Checker{
		minLength: cfg.MinLength,
		maxLength: cfg.MaxLength,
		minScore:  cfg.MinScore,
	}
	for _, w := range cfg.BlockedWords {
		if w = strings.TrimSpace(w); w != "" {
			c.blocked = append(c.blocked, strings.ToLower(w))
		}
	}
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p).Msg("Invalid guardrail pattern skipped")
			continue
		}
		c.patterns = append(c.patterns, re)
	}
	return c
}

// Check runs every check against text with its self-assessed score.
func (c *Checker) Check(text string, score float64) *Evaluation {
	eval := &Evaluation{Passed: true, Results: make([]Result, 0, 6)}
	for _, r := range []Result{
		c.evalLength(text),
		c.evalContentFilter(text),
		c.evalRegexFilter(text),
		evalPII(text),
		evalPromptLeak(text),
		c.evalMinScore(score),
	} {
		eval.Results = append(eval.Results, r)
		if !r.Passed {
			eval.Passed = false
		}
	}
	return eval
}

// ── Length ──────────────────────────────────────────────────

func (c *Checker) evalLength(text string) Result {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n == 0 {
		return Result{Kind: KindLength, Message: "Post is empty"}
	}
	if c.minLength > 0 && n < c.minLength {
		return Result{Kind: KindLength, Message: "Post is shorter than the minimum length"}
	}
	if c.maxLength > 0 && n > c.maxLength {
		return Result{Kind: KindLength, Message: "Post exceeds the maximum character limit"}
	}
	return Result{Kind: KindLength, Passed: true}
}

// ── Content Filter ──────────────────────────────────────────

func (c *Checker) evalContentFilter(text string) Result {
	lower := strings.ToLower(text)
	for _, w := range c.blocked {
		if strings.Contains(lower, w) {
			return Result{Kind: KindContentFilter, Message: "Blocked content detected: " + w}
		}
	}
	return Result{Kind: KindContentFilter, Passed: true}
}

// ── Regex Filter ────────────────────────────────────────────

func (c *Checker) evalRegexFilter(text string) Result {
	for _, re := range c.patterns {
		if re.MatchString(text) {
			return Result{Kind: KindRegexFilter, Message: "Content matched blocked pattern " + re.String()}
		}
	}
	return Result{Kind: KindRegexFilter, Passed: true}
}

// ── PII Detection ───────────────────────────────────────────

var piiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"phone", regexp.MustCompile(`\b0\d{1,4}-\d{1,4}-\d{4}\b|\(?\+?\d{1,3}\)?[-.\s]\d{3}[-.\s]\d{3,4}[-.\s]\d{4}`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
}

func evalPII(text string) Result {
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			return Result{Kind: KindPII, Message: "PII detected: " + p.name + " pattern matched"}
		}
	}
	return Result{Kind: KindPII, Passed: true}
}

// ── Prompt Leak ─────────────────────────────────────────────

var leakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bas an ai( language model)?\b`),
	regexp.MustCompile(`(?i)\bi('m| am) (sorry|unable)\b.*\b(can(no|')t|unable)\b`),
	regexp.MustCompile(`(?i)^\s*(here('s| is) (a|the|your) (post|tweet)|sure[,!])`),
	regexp.MustCompile(`(?i)\b(system prompt|my instructions)\b`),
}

func evalPromptLeak(text string) Result {
	for _, re := range leakPatterns {
		if re.MatchString(text) {
			return Result{Kind: KindPromptLeak, Message: "Model meta-commentary detected"}
		}
	}
	return Result{Kind: KindPromptLeak, Passed: true}
}

// ── Score ───────────────────────────────────────────────────

func (c *Checker) evalMinScore(score float64) Result {
	if c.minScore > 0 && score < c.minScore {
		return Result{Kind: KindMinScore, Message: "Quality score below minimum"}
	}
	return Result{Kind: KindMinScore, Passed: true}
}
