// Package verifier classifies the outcome of an attempted remote action as
// success, failure or ambiguous from whatever evidence the call produced.
//
// Policy:
//   - a 2xx response carrying the expected payload keys is success
//   - 401/403 is failure/auth and invalidates the session
//   - everything else goes through error-text patterns, status heuristics
//     and finally the vision classifier; no evidence is ambiguous
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/telemetry"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultRequiredKeys is the payload shape expected from a successful publish.
var DefaultRequiredKeys = []string{"id"}

// DefaultMinVisionConfidence is the confidence below which a vision
// judgement is reported as ambiguous.
const DefaultMinVisionConfidence = 0.7

// Action describes what was attempted.
type Action struct {
	Name         string
	Platform     string
	Account      string
	RequiredKeys []string
}

// Signal is the evidence produced by the attempt. Any combination of the
// fields may be set.
type Signal struct {
	Response   *contracts.PublishResponse
	Screenshot []byte
	Err        error
}

// SessionInvalidator is the part of the session manager the verifier uses.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context, platform, accountID string) bool
}

type pattern struct {
	re     *regexp.Regexp
	reason string
}

// failurePatterns are matched against error text, first hit wins.
var failurePatterns = []pattern{
	{regexp.MustCompile(`(?i)(\b40[13]\b|unauthori[sz]ed|forbidden|auth(entication)? (expired|failed|required)|session expired|login required|invalid (token|credentials))`), models.ReasonAuth},
	{regexp.MustCompile(`(?i)(\b429\b|rate.?limit|too many requests|quota exceeded)`), models.ReasonRateLimit},
	{regexp.MustCompile(`(?i)(timeout|timed out|ETIMEDOUT|deadline exceeded)`), models.ReasonTimeout},
	{regexp.MustCompile(`(?i)(ECONNRESET|ECONNREFUSED|connection (reset|refused)|\bEOF\b|\b5\d\d\b|service unavailable|bad gateway)`), models.ReasonTransient},
	{regexp.MustCompile(`(?i)(duplicate|already posted|content policy|spam|rejected)`), models.ReasonRejected},
}

// Verifier judges action outcomes.
type Verifier struct {
	vision        contracts.VisionClassifier
	sessions      SessionInvalidator
	bus           eventbus.Emitter
	minConfidence float64
	verdicts      metric.Int64Counter
}

// New creates a verifier. vision and sessions may be nil.
func New(vision contracts.VisionClassifier, sessions SessionInvalidator, bus eventbus.Emitter) *Verifier {
	if bus == nil {
		bus = eventbus.Discard
	}
	return &Verifier{
		vision:        vision,
		sessions:      sessions,
		bus:           bus,
		minConfidence: DefaultMinVisionConfidence,
		verdicts:      telemetry.Counter("verifier_verdicts_total", "Verdicts issued by the execution verifier"),
	}
}

// Verify classifies the attempt and applies side effects of an auth failure.
func (v *Verifier) Verify(ctx context.Context, action Action, sig Signal) models.Verdict {
	verdict := v.classify(ctx, action, sig)

	if verdict.Status == models.VerdictFailure && verdict.Reason == models.ReasonAuth && v.sessions != nil && action.Platform != "" {
		v.sessions.InvalidateSession(ctx, action.Platform, action.Account)
	}

	v.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(verdict.Status)),
		attribute.String("reason", verdict.Reason),
	))
	priority := models.PriorityLow
	if verdict.Status != models.VerdictSuccess {
		priority = models.PriorityNormal
	}
	if verdict.Reason == models.ReasonAuth {
		priority = models.PriorityHigh
	}
	v.bus.Publish(models.EventVerdict, "verifier", priority, map[string]interface{}{
		"action":   action.Name,
		"platform": action.Platform,
		"account":  action.Account,
		"status":   string(verdict.Status),
		"reason":   verdict.Reason,
	})
	log.Debug().
		Str("action", action.Name).
		Str("account", action.Account).
		Str("status", string(verdict.Status)).
		Str("reason", verdict.Reason).
		Msg("Action verified")
	return verdict
}

func (v *Verifier) classify(ctx context.Context, action Action, sig Signal) models.Verdict {
	if resp := sig.Response; resp != nil {
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if hasShape(resp.Body, requiredKeys(action)) {
				return models.Verdict{Status: models.VerdictSuccess, Reason: models.ReasonOK}
			}
			if verdict, ok := matchPatterns(bodyError(resp.Body)); ok {
				return verdict
			}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonAuth, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
		default:
			if verdict, ok := matchPatterns(bodyError(resp.Body)); ok {
				return verdict
			}
			if verdict, ok := classifyStatus(resp.StatusCode); ok {
				return verdict
			}
		}
		if len(sig.Screenshot) == 0 {
			sig.Screenshot = resp.Screenshot
		}
	}

	if sig.Err != nil {
		if verdict, ok := matchPatterns(sig.Err.Error()); ok {
			return verdict
		}
	}

	if len(sig.Screenshot) > 0 && v.vision != nil {
		return v.judgeScreenshot(ctx, action, sig.Screenshot)
	}

	switch {
	case sig.Err != nil:
		return models.Verdict{Status: models.VerdictAmbiguous, Reason: models.ReasonUnknown, Detail: sig.Err.Error()}
	case sig.Response != nil:
		return models.Verdict{Status: models.VerdictAmbiguous, Reason: models.ReasonPayload, Detail: fmt.Sprintf("status %d without expected payload", sig.Response.StatusCode)}
	default:
		return models.Verdict{Status: models.VerdictAmbiguous, Reason: models.ReasonNoEvidence}
	}
}

func (v *Verifier) judgeScreenshot(ctx context.Context, action Action, screenshot []byte) models.Verdict {
	j, err := v.vision.Classify(ctx, action.Name, screenshot)
	if err != nil {
		log.Warn().Err(err).Str("action", action.Name).Msg("Vision classifier unavailable")
		return models.Verdict{Status: models.VerdictAmbiguous, Reason: models.ReasonVision, Detail: err.Error()}
	}
	if j.Confidence < v.minConfidence || j.Outcome == models.VerdictAmbiguous || j.Outcome == "" {
		return models.Verdict{Status: models.VerdictAmbiguous, Reason: models.ReasonVision, Detail: j.Reason}
	}
	if j.Outcome == models.VerdictFailure {
		if verdict, ok := matchPatterns(j.Reason); ok {
			verdict.Detail = "vision: " + j.Reason
			return verdict
		}
	}
	return models.Verdict{Status: j.Outcome, Reason: models.ReasonVision, Detail: j.Reason}
}

func requiredKeys(a Action) []string {
	if a.RequiredKeys != nil {
		return a.RequiredKeys
	}
	return DefaultRequiredKeys
}

// hasShape reports whether body carries every required key, also looking
// one level down under "data" (the common envelope).
func hasShape(body map[string]interface{}, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	if body == nil {
		return false
	}
	inner, _ := body["data"].(map[string]interface{})
	for _, k := range keys {
		if present(body, k) {
			continue
		}
		if inner != nil && present(inner, k) {
			continue
		}
		return false
	}
	return true
}

func present(m map[string]interface{}, k string) bool {
	v, ok := m[k]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// bodyError extracts error text from common error envelopes.
func bodyError(body map[string]interface{}) string {
	if body == nil {
		return ""
	}
	for _, k := range []string{"error", "errors", "message", "detail"} {
		v, ok := body[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" && k != "message" {
				return t
			}
			if k == "message" && t != "" && body["id"] == nil {
				return t
			}
		case []interface{}:
			if len(t) > 0 {
				raw, _ := json.Marshal(t)
				return string(raw)
			}
		case map[string]interface{}:
			raw, _ := json.Marshal(t)
			return string(raw)
		}
	}
	return ""
}

func matchPatterns(text string) (models.Verdict, bool) {
	if strings.TrimSpace(text) == "" {
		return models.Verdict{}, false
	}
	for _, p := range failurePatterns {
		if p.re.MatchString(text) {
			return models.Verdict{Status: models.VerdictFailure, Reason: p.reason, Detail: truncate(text, 200)}, true
		}
	}
	return models.Verdict{}, false
}

func classifyStatus(code int) (models.Verdict, bool) {
	detail := fmt.Sprintf("status %d", code)
	switch {
	case code == http.StatusTooManyRequests:
		return models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonRateLimit, Detail: detail}, true
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonTimeout, Detail: detail}, true
	case code >= 500:
		return models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonTransient, Detail: detail}, true
	case code >= 400:
		return models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonRejected, Detail: detail}, true
	}
	return models.Verdict{}, false
}

// IsTransient reports whether a failure verdict is worth retrying.
func IsTransient(v models.Verdict) bool {
	if v.Status != models.VerdictFailure {
		return false
	}
	switch v.Reason {
	case models.ReasonRateLimit, models.ReasonTimeout, models.ReasonTransient:
		return true
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
