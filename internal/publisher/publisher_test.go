package publisher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/guardrails"
	"github.com/agentoven/postpilot/internal/publisher"
	"github.com/agentoven/postpilot/internal/retry"
	"github.com/agentoven/postpilot/internal/sessions"
	"github.com/agentoven/postpilot/internal/stock"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/internal/tracer"
	"github.com/agentoven/postpilot/internal/verifier"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
)

// fakePlatform answers each call with the next scripted response; the last
// one repeats.
type fakePlatform struct {
	mu      sync.Mutex
	replies []*contracts.PublishResponse
	calls   []contracts.PublishRequest
	// onCall, when set, runs before answering; a cancelled ctx is then
	// reported as the call's error.
	onCall func()
}

func (p *fakePlatform) Publish(ctx context.Context, req contracts.PublishRequest) (*contracts.PublishResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.onCall != nil {
		p.onCall()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	i := len(p.calls) - 1
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	return p.replies[i], nil
}

type staticGenerator struct{ text string }

func (g staticGenerator) Generate(context.Context, contracts.GenerateRequest) (*contracts.GeneratedContent, error) {
	if g.text == "" {
		return nil, errors.New("generator down")
	}
	return &contracts.GeneratedContent{Text: g.text, Score: 0.9}, nil
}

type harness struct {
	platform *fakePlatform
	stock    *stock.Manager
	sessions *sessions.Manager
	queue    *retry.FailedQueue
	tracer   *tracer.Tracer
	svc      *publisher.Service
}

func ok(id string) *contracts.PublishResponse {
	return &contracts.PublishResponse{StatusCode: 200, Body: map[string]interface{}{"id": id}}
}

func status(code int) *contracts.PublishResponse {
	return &contracts.PublishResponse{StatusCode: code}
}

func newHarness(t *testing.T, gen contracts.ContentGenerator, replies ...*contracts.PublishResponse) *harness {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	return newHarnessOn(t, st, gen, replies...)
}

func newSQLiteHarness(t *testing.T, gen contracts.ContentGenerator, replies ...*contracts.PublishResponse) *harness {
	t.Helper()
	st, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return newHarnessOn(t, st, gen, replies...)
}

func newHarnessOn(t *testing.T, st store.Store, gen contracts.ContentGenerator, replies ...*contracts.PublishResponse) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := config.StockConfig{
		Defaults: models.StockThresholds{MinStockPerAccount: 2, MaxStockPerAccount: 5, RefillThreshold: 1},
		Accounts: []config.AccountConfig{{Name: "liver", Platform: "x"}},
	}
	guard := guardrails.New(config.GuardrailConfig{MinLength: 3, MaxLength: 280})
	h := &harness{
		platform: &fakePlatform{replies: replies},
		stock:    stock.New(st, gen, guard, cfg),
		queue:    retry.NewFailedQueue(st, nil),
		tracer:   tracer.New(),
	}
	t.Cleanup(h.tracer.Close)

	var err error
	h.sessions, err = sessions.NewManager(st, nil, "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := h.sessions.Store(ctx, "x", "liver", []byte(`{"auth_token":"abc"}`)); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	h.svc = publisher.New(publisher.Deps{
		Stock:     h.stock,
		Sessions:  h.sessions,
		Platform:  h.platform,
		Verifier:  verifier.New(nil, h.sessions, nil),
		Queue:     h.queue,
		Chains:    h.tracer,
		Generator: gen,
		Guard:     guard,
	}, cfg, retry.Options{
		MaxRetries:   2,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	})
	return h
}

func (h *harness) seed(t *testing.T, text string) *models.StockItem {
	t.Helper()
	item, err := h.stock.Add(context.Background(), "liver", "", text, 0.8)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return item
}

func TestPublish_SuccessConsumesStock(t *testing.T) {
	h := newHarness(t, nil, ok("1789"))
	item := h.seed(t, "Going live at nine tonight")
	ctx := context.Background()

	out, err := h.svc.Publish(ctx, "liver", "", "cron:auto-post")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if out.Verdict.Status != models.VerdictSuccess || out.StockItemID != item.ID || out.Attempts != 1 {
		t.Errorf("Publish() = %+v", out)
	}
	if got := h.platform.calls[0]; got.Text != item.Text || string(got.Cookies) != `{"auth_token":"abc"}` || got.Platform != "x" {
		t.Errorf("platform request = %+v", got)
	}
	if post, _ := h.stock.GetPost(ctx, item.ID); !post.Used {
		t.Error("stock item not consumed")
	}
	c, _ := h.tracer.GetChain(out.ChainID)
	if c.Status != models.ChainEnded || c.Trigger != "cron:auto-post" {
		t.Errorf("chain = %s trigger %s, want ended cron:auto-post", c.Status, c.Trigger)
	}
}

func TestPublish_AuthFailureInvalidatesAndReturnsStock(t *testing.T) {
	h := newHarness(t, nil, status(401))
	item := h.seed(t, "Hello followers")
	ctx := context.Background()

	out, _ := h.svc.Publish(ctx, "liver", "x", "manual")
	if out.Verdict.Status != models.VerdictFailure || out.Verdict.Reason != models.ReasonAuth {
		t.Fatalf("Verdict = %+v, want failure/auth", out.Verdict)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, auth failures must not be retried", out.Attempts)
	}
	if h.sessions.IsSessionValid(ctx, "x", "liver") {
		t.Error("session still valid after auth failure")
	}
	if post, _ := h.stock.GetPost(ctx, item.ID); post.Used {
		t.Error("stock item consumed after auth failure")
	}
	if list, _ := h.queue.List(ctx); len(list) != 0 {
		t.Errorf("auth failure queued %d operations", len(list))
	}
}

func TestPublish_TransientExhaustionQueues(t *testing.T) {
	h := newHarness(t, nil, status(503))
	item := h.seed(t, "Merch drop tomorrow")
	ctx := context.Background()

	out, _ := h.svc.Publish(ctx, "liver", "x", "manual")
	if out.Attempts != 3 || len(h.platform.calls) != 3 {
		t.Errorf("Attempts = %d calls = %d, want 1 + 2 retries", out.Attempts, len(h.platform.calls))
	}
	if !out.Queued {
		t.Fatal("Queued = false after transient exhaustion")
	}
	list, _ := h.queue.List(ctx)
	if len(list) != 1 || list[0].StockItemID != item.ID || list[0].Content != item.Text || list[0].RetryCount != 1 {
		t.Errorf("failed queue = %+v", list)
	}
	c, _ := h.tracer.GetChain(out.ChainID)
	if c.Status != models.ChainEnded {
		t.Errorf("chain status = %s, want ended", c.Status)
	}
}

func TestPublish_AmbiguousReturnsStockAndLeavesChainOpen(t *testing.T) {
	h := newHarness(t, nil, &contracts.PublishResponse{StatusCode: 200, Body: map[string]interface{}{}})
	item := h.seed(t, "Thanks for 10k")
	ctx := context.Background()

	out, _ := h.svc.Publish(ctx, "liver", "x", "manual")
	if out.Verdict.Status != models.VerdictAmbiguous {
		t.Fatalf("Verdict = %+v, want ambiguous", out.Verdict)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, ambiguous publishes must not be repeated", out.Attempts)
	}
	if post, _ := h.stock.GetPost(ctx, item.ID); post.Used {
		t.Error("stock item consumed after ambiguous publish")
	}
	c, _ := h.tracer.GetChain(out.ChainID)
	if c.Status != models.ChainActive {
		t.Errorf("chain status = %s, want active", c.Status)
	}
	last := c.Events[len(c.Events)-1]
	if last.Name != "platform.publish" || last.Status != models.ActionAmbiguous {
		t.Errorf("last action = %s %s", last.Name, last.Status)
	}
}

func TestPublish_CancelledMidCallStillReturnsStock(t *testing.T) {
	h := newSQLiteHarness(t, nil, ok("1"))
	item := h.seed(t, "Launch day is here")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.platform.onCall = cancel

	out, err := h.svc.Publish(ctx, "liver", "x", "manual")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if out.Verdict.Status == models.VerdictSuccess {
		t.Fatalf("Verdict = %+v, want a non-success verdict", out.Verdict)
	}

	post, err := h.stock.GetPost(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetPost() error = %v", err)
	}
	queued, err := h.queue.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if post.Used && len(queued) == 0 {
		t.Errorf("item %s left used with %d failed-queue entries after cancelled publish", item.ID, len(queued))
	}
}

func TestPublish_EmptyStockGeneratesOnDemand(t *testing.T) {
	h := newHarness(t, staticGenerator{text: "Fresh post from the generator"}, ok("1"))

	out, err := h.svc.Publish(context.Background(), "liver", "x", "manual")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Generated || out.Verdict.Status != models.VerdictSuccess {
		t.Errorf("Publish() = %+v, want generated success", out)
	}
	if h.platform.calls[0].Text != "Fresh post from the generator" {
		t.Errorf("published %q", h.platform.calls[0].Text)
	}
}

func TestPublish_EmptyStockWithoutGeneratorFails(t *testing.T) {
	h := newHarness(t, nil, ok("1"))

	out, err := h.svc.Publish(context.Background(), "liver", "x", "manual")
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict.Status != models.VerdictFailure || len(h.platform.calls) != 0 {
		t.Errorf("Publish() = %+v calls=%d", out, len(h.platform.calls))
	}
}

func TestPublish_NoSessionSkipsPlatform(t *testing.T) {
	h := newHarness(t, nil, ok("1"))
	item := h.seed(t, "Hello again")
	ctx := context.Background()
	h.sessions.InvalidateSession(ctx, "x", "liver")

	out, _ := h.svc.Publish(ctx, "liver", "x", "manual")
	if out.Verdict.Reason != models.ReasonAuth || len(h.platform.calls) != 0 {
		t.Errorf("Publish() = %+v calls=%d", out.Verdict, len(h.platform.calls))
	}
	if post, _ := h.stock.GetPost(ctx, item.ID); post.Used {
		t.Error("stock item consumed without a session")
	}
}

func TestPublish_RequiresAccount(t *testing.T) {
	h := newHarness(t, nil, ok("1"))
	var ve *publisher.ValidationError
	if _, err := h.svc.Publish(context.Background(), " ", "x", "manual"); !errors.As(err, &ve) {
		t.Errorf("Publish(blank) error = %v, want ValidationError", err)
	}
}

func TestRetry_DrivesSweeper(t *testing.T) {
	h := newHarness(t, nil, status(503), ok("42"))
	ctx := context.Background()

	op, _, err := h.queue.Add(ctx, models.FailedOperation{Account: "liver", Platform: "x", Content: "queued post"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Retry(ctx, *op); err == nil {
		t.Error("Retry() error = nil on 503")
	}
	if len(h.platform.calls) != 1 {
		t.Errorf("Retry() made %d calls, want exactly one", len(h.platform.calls))
	}
	if err := h.svc.Retry(ctx, *op); err != nil {
		t.Errorf("Retry() error = %v on success", err)
	}
}
