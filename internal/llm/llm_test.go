package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
)

func openAIServer(t *testing.T, reply string, seen *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if seen != nil {
			json.NewDecoder(r.Body).Decode(seen)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"content": reply}}},
			"usage":   map[string]int{"total_tokens": 42},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Disabled(t *testing.T) {
	c := NewClient(config.LLMConfig{})
	if _, err := c.Chat(context.Background(), nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("Chat() error = %v, want ErrDisabled", err)
	}
}

func TestClient_OpenAIStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{Kind: "openai", Endpoint: srv.URL, APIKey: "sk-test"})
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("Chat() error = %v, want status 429 in message", err)
	}
}

func TestClient_Anthropic(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Header.Get("x-api-key") != "ak" {
			t.Errorf("unexpected request %s key=%q", r.URL.Path, r.Header.Get("x-api-key"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],"usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{Kind: "anthropic", Endpoint: srv.URL, APIKey: "ak", Model: "claude"})
	reply, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if reply != "hello world" {
		t.Errorf("Chat() = %q, want %q", reply, "hello world")
	}
	if got.System != "be brief" || len(got.Messages) != 1 {
		t.Errorf("system prompt not lifted: %+v", got)
	}
}

func TestGenerator_ParsesJSONReply(t *testing.T) {
	srv := openAIServer(t, "Sure:\n```json\n{\"text\": \"Stream at 9pm!\", \"score\": 0.9}\n```", nil)
	g := NewGenerator(NewClient(config.LLMConfig{Kind: "openai", Endpoint: srv.URL, APIKey: "sk-test"}), nil)

	out, err := g.Generate(context.Background(), contracts.GenerateRequest{Account: "liver", Theme: "stream"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out.Text != "Stream at 9pm!" || out.Score != 0.9 {
		t.Errorf("Generate() = %+v", out)
	}
}

func TestGenerator_PlainTextFallback(t *testing.T) {
	out := parseContent("Good morning everyone")
	if out.Text != "Good morning everyone" || out.Score != 0.5 {
		t.Errorf("parseContent() = %+v", out)
	}
}

func TestRole_COOReview(t *testing.T) {
	var seen map[string]interface{}
	srv := openAIServer(t, `{"approved": false, "score": 1.7, "feedback": "too long"}`, &seen)
	roles := NewRoles(NewClient(config.LLMConfig{Kind: "openai", Endpoint: srv.URL, APIKey: "sk-test"}), map[string]string{
		models.RoleCOO: "custom coo prompt",
	})

	resp, err := roles[models.RoleCOO].Invoke(context.Background(), contracts.RoleRequest{Candidate: "a post"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Approved || resp.Feedback != "too long" || resp.Score != 1 {
		t.Errorf("Invoke() = %+v", resp)
	}

	msgs, _ := seen["messages"].([]interface{})
	first, _ := msgs[0].(map[string]interface{})
	if first["content"] != "custom coo prompt" {
		t.Errorf("system prompt = %v, want override", first["content"])
	}
}

func TestVision_SendsImageAndNormalizes(t *testing.T) {
	var seen map[string]interface{}
	srv := openAIServer(t, `{"outcome": "SUCCESS", "confidence": 0.85, "reason": "post visible"}`, &seen)
	v := NewVision(NewClient(config.LLMConfig{Kind: "openai", Endpoint: srv.URL, APIKey: "sk-test", Model: "m"}), "vision-m", nil)

	j, err := v.Classify(context.Background(), "publish", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if j.Outcome != models.VerdictSuccess || j.Confidence != 0.85 {
		t.Errorf("Classify() = %+v", j)
	}
	if seen["model"] != "vision-m" {
		t.Errorf("model = %v, want vision-m", seen["model"])
	}
	msgs, _ := seen["messages"].([]interface{})
	user, _ := msgs[1].(map[string]interface{})
	if _, isParts := user["content"].([]interface{}); !isParts {
		t.Errorf("user content = %T, want multipart with image", user["content"])
	}
}
