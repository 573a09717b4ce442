package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/react"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
)

type stubGenerator struct{ n atomic.Int32 }

func (g *stubGenerator) Generate(_ context.Context, req contracts.GenerateRequest) (*contracts.GeneratedContent, error) {
	n := g.n.Add(1)
	return &contracts.GeneratedContent{Text: fmt.Sprintf("Post %d for %s", n, req.Account), Score: 0.7}, nil
}

type stubPlatform struct{}

func (stubPlatform) Publish(context.Context, contracts.PublishRequest) (*contracts.PublishResponse, error) {
	return &contracts.PublishResponse{StatusCode: 201, Body: map[string]interface{}{"data": map[string]interface{}{"id": "42"}}}, nil
}

type stubAuth struct{}

func (stubAuth) Authenticate(context.Context, string, string, map[string]string) ([]byte, error) {
	return nil, errors.New("not used")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Version:      "test",
		Store:        "memory",
		DataDir:      t.TempDir(),
		KnowledgeDir: t.TempDir(),
		Session:      config.SessionConfig{Secret: "server-test", TTL: time.Hour},
		Stock: config.StockConfig{
			Defaults: models.StockThresholds{MinStockPerAccount: 2, MaxStockPerAccount: 4, RefillThreshold: 1},
			Accounts: []config.AccountConfig{{Name: "liver", Platform: "x", DailyPostGoal: 3}},
		},
		Guardrails: config.GuardrailConfig{MinLength: 1, MaxLength: 280},
		Janitor:    config.JanitorConfig{Interval: time.Hour},
		Retry:      config.RetryConfig{SweepInterval: time.Hour},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewWithConfig(context.Background(), testConfig(t),
		WithGenerator(&stubGenerator{}),
		WithPlatform(stubPlatform{}),
		WithAuthenticator(stubAuth{}),
	)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	return srv
}

func TestNewWithConfig_UnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = "redis"
	if _, err := NewWithConfig(context.Background(), cfg); err == nil {
		t.Error("NewWithConfig() with unknown store should fail")
	}
}

func TestServer_StartHealthClose(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.Start(ctx)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["service"] != "postpilot" {
		t.Errorf("health = %v", body)
	}

	if err := srv.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := srv.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestReactActions(t *testing.T) {
	srv := newTestServer(t)
	t.Cleanup(func() { srv.Close(context.Background()) })
	ctx := context.Background()
	actions := srv.reactActions()

	for _, kind := range []string{react.ActionRefill, react.ActionPublish, react.ActionSweep, react.ActionOrchestrate} {
		if actions[kind] == nil {
			t.Errorf("action %q not bound", kind)
		}
	}

	v, err := actions[react.ActionRefill](ctx, "liver")
	if err != nil || v.Status != models.VerdictSuccess {
		t.Fatalf("refill = %+v, %v", v, err)
	}
	st, err := srv.Stock.GetStockStatus(ctx)
	if err != nil || len(st) != 1 || st[0].Available != 2 {
		t.Fatalf("stock after refill = %+v, %v", st, err)
	}

	if err := srv.Sessions.Store(ctx, "x", "liver", []byte(`{"auth_token":"t"}`)); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	v, err = actions[react.ActionPublish](ctx, "liver")
	if err != nil || v.Status != models.VerdictSuccess {
		t.Errorf("publish = %+v, %v", v, err)
	}

	v, err = actions[react.ActionSweep](ctx, "")
	if err != nil || v.Status != models.VerdictSuccess {
		t.Errorf("sweep on empty queue = %+v, %v", v, err)
	}

	// No LLM configured: the pipeline has no roles.
	if _, err := actions[react.ActionOrchestrate](ctx, "liver"); err == nil {
		t.Error("orchestrate without roles should fail")
	}
}

func TestDailyGoals(t *testing.T) {
	goals := dailyGoals(config.StockConfig{Accounts: []config.AccountConfig{
		{Name: "a", DailyPostGoal: 2},
		{Name: "b"},
	}})
	if len(goals) != 1 || goals["a"] != 2 {
		t.Errorf("dailyGoals() = %v", goals)
	}
}
