package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
)

// DefaultPrompts are the system prompts per role, overridable from YAML.
var DefaultPrompts = map[string]string{
	"generator": "You write short social media posts for the account described. " +
		"Reply with JSON only: {\"text\": string, \"score\": number between 0 and 1 rating your own post}.",
	models.RoleCMO: "You are the CMO of a small creator business. Analyse the directive and the " +
		"knowledge provided and reply with a concise content strategy: audience, angle, tone, hooks.",
	models.RoleCreative: "You are the creative writer. Write one post following the strategy. " +
		"Reply with JSON only: {\"text\": string, \"score\": number between 0 and 1}.",
	models.RoleCOO: "You are the COO reviewing a post before it is scheduled. Check it against the " +
		"strategy and brand safety. Reply with JSON only: " +
		"{\"approved\": bool, \"score\": number between 0 and 1, \"feedback\": string}.",
	"vision": "You judge screenshots of a social media client after an automated action. " +
		"Reply with JSON only: {\"outcome\": \"success\"|\"failure\"|\"ambiguous\", " +
		"\"confidence\": number between 0 and 1, \"reason\": string}.",
}

func prompt(prompts map[string]string, key string) string {
	if p, ok := prompts[key]; ok && p != "" {
		return p
	}
	return DefaultPrompts[key]
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// ── Content generator ───────────────────────────────────────

// Generator implements contracts.ContentGenerator.
type Generator struct {
	client  *Client
	prompts map[string]string
}

// NewGenerator creates a generator. prompts may be nil.
func NewGenerator(c *Client, prompts map[string]string) *Generator {
	return &Generator{client: c, prompts: prompts}
}

func (g *Generator) Generate(ctx context.Context, req contracts.GenerateRequest) (*contracts.GeneratedContent, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Account: %s\n", req.Account)
	if req.Theme != "" {
		fmt.Fprintf(&user, "Theme: %s\n", req.Theme)
	}
	if req.Context != "" {
		fmt.Fprintf(&user, "Context:\n%s\n", req.Context)
	}
	if req.Feedback != "" {
		fmt.Fprintf(&user, "Reviewer feedback to address:\n%s\n", req.Feedback)
	}

	reply, err := g.client.Chat(ctx, []Message{
		{Role: "system", Content: prompt(g.prompts, "generator")},
		{Role: "user", Content: user.String()},
	})
	if err != nil {
		return nil, err
	}
	out := parseContent(reply)
	if out.Text == "" {
		return nil, fmt.Errorf("generator returned empty text")
	}
	return out, nil
}

// parseContent reads {"text","score"}; a non-JSON reply is taken as the
// post text with a neutral score.
func parseContent(reply string) *contracts.GeneratedContent {
	var parsed struct {
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	}
	if err := extractJSON(reply, &parsed); err == nil && strings.TrimSpace(parsed.Text) != "" {
		return &contracts.GeneratedContent{Text: strings.TrimSpace(parsed.Text), Score: clamp01(parsed.Score)}
	}
	return &contracts.GeneratedContent{Text: strings.TrimSpace(reply), Score: 0.5}
}

// ── Roles ───────────────────────────────────────────────────

// Role implements contracts.Role for one of cmo, creative or coo.
type Role struct {
	name    string
	client  *Client
	prompts map[string]string
}

// NewRoles returns the three pipeline roles keyed by name.
func NewRoles(c *Client, prompts map[string]string) map[string]contracts.Role {
	return map[string]contracts.Role{
		models.RoleCMO:      &Role{name: models.RoleCMO, client: c, prompts: prompts},
		models.RoleCreative: &Role{name: models.RoleCreative, client: c, prompts: prompts},
		models.RoleCOO:      &Role{name: models.RoleCOO, client: c, prompts: prompts},
	}
}

func (r *Role) Name() string { return r.name }

func (r *Role) Invoke(ctx context.Context, req contracts.RoleRequest) (*contracts.RoleResponse, error) {
	reply, err := r.client.Chat(ctx, []Message{
		{Role: "system", Content: prompt(r.prompts, r.name)},
		{Role: "user", Content: renderRoleRequest(req)},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}

	switch r.name {
	case models.RoleCreative:
		c := parseContent(reply)
		return &contracts.RoleResponse{Text: c.Text, Score: c.Score}, nil
	case models.RoleCOO:
		var review struct {
			Approved bool    `json:"approved"`
			Score    float64 `json:"score"`
			Feedback string  `json:"feedback"`
		}
		if err := extractJSON(reply, &review); err != nil {
			// Unparseable review is a rejection carrying the raw reply.
			return &contracts.RoleResponse{Text: reply, Feedback: strings.TrimSpace(reply)}, nil
		}
		return &contracts.RoleResponse{
			Text:     reply,
			Approved: review.Approved,
			Score:    clamp01(review.Score),
			Feedback: review.Feedback,
		}, nil
	default:
		return &contracts.RoleResponse{Text: strings.TrimSpace(reply)}, nil
	}
}

func renderRoleRequest(req contracts.RoleRequest) string {
	var b strings.Builder
	if req.Directive.Instruction != "" {
		fmt.Fprintf(&b, "Directive: %s\n", req.Directive.Instruction)
	}
	if req.Directive.Account != "" {
		fmt.Fprintf(&b, "Account: %s\n", req.Directive.Account)
	}
	if req.Directive.Theme != "" {
		fmt.Fprintf(&b, "Theme: %s\n", req.Directive.Theme)
	}
	if req.Command != "" {
		fmt.Fprintf(&b, "Command: %s\n", req.Command)
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "Context:\n%s\n", req.Context)
	}
	if len(req.Knowledge) > 0 {
		b.WriteString("Known insights from the CEO:\n")
		for _, k := range req.Knowledge {
			fmt.Fprintf(&b, "- %s\n", k)
		}
	}
	if req.Analysis != "" {
		fmt.Fprintf(&b, "Strategy:\n%s\n", req.Analysis)
	}
	if req.Candidate != "" {
		fmt.Fprintf(&b, "Post under review:\n%s\n", req.Candidate)
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "Previous review feedback:\n%s\n", req.Feedback)
	}
	return b.String()
}

// ── Vision ──────────────────────────────────────────────────

// Vision implements contracts.VisionClassifier.
type Vision struct {
	client  *Client
	model   string
	prompts map[string]string
}

// NewVision creates a classifier using model (the client default when empty).
func NewVision(c *Client, model string, prompts map[string]string) *Vision {
	return &Vision{client: c, model: model, prompts: prompts}
}

func (v *Vision) Classify(ctx context.Context, action string, screenshot []byte) (*contracts.VisionJudgement, error) {
	model := v.model
	if model == "" {
		model = v.client.cfg.Model
	}
	reply, err := v.client.ChatModel(ctx, model, []Message{
		{Role: "system", Content: prompt(v.prompts, "vision")},
		{Role: "user", Content: "Action attempted: " + action + ". Did it succeed?", Image: screenshot},
	})
	if err != nil {
		return nil, err
	}
	var j struct {
		Outcome    string  `json:"outcome"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := extractJSON(reply, &j); err != nil {
		return &contracts.VisionJudgement{Outcome: models.VerdictAmbiguous, Reason: "unparseable vision reply"}, nil
	}
	outcome := models.VerdictStatus(strings.ToLower(j.Outcome))
	switch outcome {
	case models.VerdictSuccess, models.VerdictFailure, models.VerdictAmbiguous:
	default:
		outcome = models.VerdictAmbiguous
	}
	return &contracts.VisionJudgement{Outcome: outcome, Confidence: clamp01(j.Confidence), Reason: j.Reason}, nil
}
