// Package contracts defines the external collaborators consumed by the
// postpilot core.
//
// The core treats every collaborator as an opaque function that returns a
// structured payload or an error. internal/llm and internal/sns ship HTTP
// implementations; tests substitute in-memory fakes.
package contracts

import (
	"context"

	"github.com/agentoven/postpilot/pkg/models"
)

// ── Content generation ──────────────────────────────────────

// GenerateRequest asks for one post for an account.
type GenerateRequest struct {
	Account  string `json:"account"`
	Theme    string `json:"theme,omitempty"`
	Context  string `json:"context,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// GeneratedContent is a generated post with a self-assessed quality score
// in [0,1].
type GeneratedContent struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// ContentGenerator produces post text given a theme.
type ContentGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GeneratedContent, error)
}

// ── Publishing ──────────────────────────────────────────────

// PublishRequest is one platform publish call.
type PublishRequest struct {
	Platform string `json:"platform"`
	Account  string `json:"account"`
	Text     string `json:"text"`
	Cookies  []byte `json:"-"`
}

// PublishResponse is the raw remote answer, judged by the verifier.
type PublishResponse struct {
	StatusCode int                    `json:"statusCode"`
	Body       map[string]interface{} `json:"body,omitempty"`
	Screenshot []byte                 `json:"-"`
}

// Publisher performs the platform API call. A non-nil error means the call
// did not produce a response at all (network failure, timeout).
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (*PublishResponse, error)
}

// Authenticator performs a platform login and returns the cookie/token blob.
type Authenticator interface {
	Authenticate(ctx context.Context, platform, accountID string, credentials map[string]string) ([]byte, error)
}

// ── Vision ──────────────────────────────────────────────────

// VisionJudgement is a vision model's reading of a screenshot.
type VisionJudgement struct {
	Outcome    models.VerdictStatus `json:"outcome"`
	Confidence float64              `json:"confidence"`
	Reason     string               `json:"reason"`
}

// VisionClassifier judges screenshot evidence of an attempted action.
type VisionClassifier interface {
	Classify(ctx context.Context, action string, screenshot []byte) (*VisionJudgement, error)
}

// ── Sub-agent roles ─────────────────────────────────────────

// RoleRequest is the input handed to one orchestrator role.
type RoleRequest struct {
	Directive models.Directive `json:"directive"`
	Command   string           `json:"command,omitempty"`
	Context   string           `json:"context,omitempty"`
	Knowledge []string         `json:"knowledge,omitempty"`
	Analysis  string           `json:"analysis,omitempty"`
	Candidate string           `json:"candidate,omitempty"`
	Feedback  string           `json:"feedback,omitempty"`
}

// RoleResponse is the role's answer. CMO fills Text; Creative fills Text
// and Score; COO fills Approved, Score and Feedback.
type RoleResponse struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Approved bool    `json:"approved"`
	Feedback string  `json:"feedback,omitempty"`
}

// Role is one sub-agent of the orchestrator pipeline.
type Role interface {
	Name() string
	Invoke(ctx context.Context, req RoleRequest) (*RoleResponse, error)
}
