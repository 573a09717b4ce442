// Package llm talks to chat-completion providers and implements the content
// generator, orchestrator roles and vision classifier on top of them.
//
// Supported kinds: openai (and any OpenAI-compatible endpoint), anthropic,
// ollama.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrDisabled is returned when no provider is configured.
var ErrDisabled = errors.New("llm: no provider configured")

// Message is one chat turn. Image, when set, is attached as a PNG.
type Message struct {
	Role    string
	Content string
	Image   []byte
}

// Client sends chat requests to the configured provider.
type Client struct {
	cfg    config.LLMConfig
	client *http.Client

	calls  metric.Int64Counter
	tokens metric.Int64Counter
}

// NewClient creates a client. A zero Kind yields a client whose calls fail
// with ErrDisabled.
func NewClient(cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		calls:  telemetry.Counter("llm_requests_total", "Chat completion requests by provider and outcome"),
		tokens: telemetry.Counter("llm_tokens_total", "Tokens consumed by chat completions"),
	}
}

// Enabled reports whether a provider is configured.
func (c *Client) Enabled() bool { return c.cfg.Kind != "" }

// Chat sends messages with the default model.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	return c.ChatModel(ctx, c.cfg.Model, messages)
}

// ChatModel sends messages to model and returns the reply text.
func (c *Client) ChatModel(ctx context.Context, model string, messages []Message) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	start := time.Now()

	var (
		content string
		usage   int64
		err     error
	)
	switch c.cfg.Kind {
	case "anthropic":
		content, usage, err = c.callAnthropic(ctx, model, messages)
	case "ollama":
		content, usage, err = c.callOllama(ctx, model, messages)
	default:
		content, usage, err = c.callOpenAI(ctx, model, messages)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("provider", c.cfg.Kind), attribute.String("outcome", outcome))
	c.calls.Add(ctx, 1, attrs)
	if usage > 0 {
		c.tokens.Add(ctx, usage, metric.WithAttributes(attribute.String("provider", c.cfg.Kind)))
	}
	log.Debug().
		Str("provider", c.cfg.Kind).
		Str("model", model).
		Dur("latency", time.Since(start)).
		Err(err).
		Msg("LLM call")
	return content, err
}

// ── OpenAI / compatible ─────────────────────────────────────

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func toOpenAI(messages []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Image) == 0 {
			out = append(out, openAIMessage{Role: m.Role, Content: m.Content})
			continue
		}
		out = append(out, openAIMessage{Role: m.Role, Content: []map[string]interface{}{
			{"type": "text", "text": m.Content},
			{"type": "image_url", "image_url": map[string]string{
				"url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(m.Image),
			}},
		}})
	}
	return out
}

func (c *Client) callOpenAI(ctx context.Context, model string, messages []Message) (string, int64, error) {
	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if c.cfg.APIKey == "" {
		return "", 0, fmt.Errorf("openai: api key not configured")
	}

	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	var resp openAIResponse
	if err := c.post(ctx, "openai", strings.TrimRight(endpoint, "/")+"/chat/completions", headers,
		openAIRequest{Model: model, Messages: toOpenAI(messages)}, &resp); err != nil {
		return "", 0, err
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("openai: empty choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

// ── Anthropic ───────────────────────────────────────────────

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string                   `json:"role"`
	Content []map[string]interface{} `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func toAnthropic(messages []Message) (string, []anthropicMessage) {
	var system []string
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		blocks := []map[string]interface{}{}
		if len(m.Image) > 0 {
			blocks = append(blocks, map[string]interface{}{
				"type": "image",
				"source": map[string]string{
					"type":       "base64",
					"media_type": "image/png",
					"data":       base64.StdEncoding.EncodeToString(m.Image),
				},
			})
		}
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
		out = append(out, anthropicMessage{Role: m.Role, Content: blocks})
	}
	return strings.Join(system, "\n\n"), out
}

func (c *Client) callAnthropic(ctx context.Context, model string, messages []Message) (string, int64, error) {
	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if c.cfg.APIKey == "" {
		return "", 0, fmt.Errorf("anthropic: api key not configured")
	}

	system, msgs := toAnthropic(messages)
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}
	var resp anthropicResponse
	if err := c.post(ctx, "anthropic", strings.TrimRight(endpoint, "/")+"/v1/messages", headers,
		anthropicRequest{Model: model, System: system, Messages: msgs, MaxTokens: 1024}, &resp); err != nil {
		return "", 0, err
	}

	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), resp.Usage.InputTokens + resp.Usage.OutputTokens, nil
}

// ── Ollama ──────────────────────────────────────────────────

func (c *Client) callOllama(ctx context.Context, model string, messages []Message) (string, int64, error) {
	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	var resp openAIResponse
	if err := c.post(ctx, "ollama", strings.TrimRight(endpoint, "/")+"/v1/chat/completions", nil,
		openAIRequest{Model: model, Messages: toOpenAI(messages)}, &resp); err != nil {
		return "", 0, err
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("ollama: empty choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

// ── HTTP ────────────────────────────────────────────────────

func (c *Client) post(ctx context.Context, provider, url string, headers map[string]string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", provider, resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

// extractJSON decodes the first JSON object found in s into v. Models often
// wrap JSON in prose or code fences.
func extractJSON(s string, v interface{}) error {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in reply")
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}
