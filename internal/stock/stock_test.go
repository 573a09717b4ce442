package stock_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/guardrails"
	"github.com/agentoven/postpilot/internal/stock"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
)

type fakeGenerator struct {
	mu     sync.Mutex
	calls  int
	themes []string
	// failEvery makes every n-th call fail (0 disables).
	failEvery int
	text      func(n int) string
}

func (g *fakeGenerator) Generate(_ context.Context, req contracts.GenerateRequest) (*contracts.GeneratedContent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.themes = append(g.themes, req.Theme)
	if g.failEvery > 0 && g.calls%g.failEvery == 0 {
		return nil, errors.New("generation api unavailable")
	}
	text := fmt.Sprintf("Generated post number %d for %s", g.calls, req.Account)
	if g.text != nil {
		text = g.text(g.calls)
	}
	return &contracts.GeneratedContent{Text: text, Score: 0.8}, nil
}

func stockConfig() config.StockConfig {
	return config.StockConfig{
		Defaults:          models.StockThresholds{MinStockPerAccount: 5, MaxStockPerAccount: 10, RefillThreshold: 3},
		Accounts:          []config.AccountConfig{{Name: "liver", Themes: []string{"morning", "stream", "night"}}, {Name: "chatre1"}},
		RetryBudget:       3,
		RefillConcurrency: 2,
	}
}

func seed(t *testing.T, st store.StockStore, account string, n int) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		err := st.AddStockItem(context.Background(), &models.StockItem{
			ID:        fmt.Sprintf("seed-%s-%d", account, i),
			Account:   account,
			Text:      "seeded",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AddStockItem() error = %v", err)
		}
	}
}

func newManager(t *testing.T, gen contracts.ContentGenerator) (*stock.Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	guard := guardrails.New(config.GuardrailConfig{MinLength: 5, MaxLength: 280, BlockedWords: []string{"forbidden"}})
	return stock.New(st, gen, guard, stockConfig()), st
}

func TestRefillStock_AddsOnlyWhatIsMissing(t *testing.T) {
	gen := &fakeGenerator{}
	m, st := newManager(t, gen)
	seed(t, st, "liver", 2)

	res, err := m.RefillStock(context.Background(), "liver")
	if err != nil {
		t.Fatalf("RefillStock() error = %v", err)
	}
	if res.Added != 3 || res.Failed != 0 || res.Available != 5 {
		t.Errorf("RefillStock() = %+v, want added 3 available 5", res)
	}

	again, err := m.RefillStock(context.Background(), "liver")
	if err != nil {
		t.Fatal(err)
	}
	if again.Added != 0 {
		t.Errorf("second RefillStock() added %d, want 0", again.Added)
	}
	if gen.calls != 3 {
		t.Errorf("generator calls = %d, want 3", gen.calls)
	}
}

func TestRefillStock_FailuresCountSeparately(t *testing.T) {
	gen := &fakeGenerator{failEvery: 2}
	m, _ := newManager(t, gen)

	res, err := m.RefillStock(context.Background(), "chatre1")
	if err != nil {
		t.Fatalf("RefillStock() error = %v", err)
	}
	if res.Added+res.Failed != gen.calls {
		t.Errorf("added %d + failed %d != calls %d", res.Added, res.Failed, gen.calls)
	}
	if res.Added > 5 {
		t.Errorf("Added = %d, exceeds what was missing", res.Added)
	}
	if res.Failed != 3 || len(res.Errors) != 3 {
		t.Errorf("Failed = %d (errors %d), want retry budget 3", res.Failed, len(res.Errors))
	}
}

func TestRefillStock_GuardrailRejectionsAreFailures(t *testing.T) {
	gen := &fakeGenerator{text: func(int) string { return "this is forbidden content" }}
	m, _ := newManager(t, gen)

	res, err := m.RefillStock(context.Background(), "liver")
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 0 || res.Failed != 3 {
		t.Errorf("RefillStock() = %+v, want 0 added 3 failed", res)
	}
}

func TestRefillStock_RotatesThemes(t *testing.T) {
	gen := &fakeGenerator{}
	m, _ := newManager(t, gen)
	m.RefillStock(context.Background(), "liver")

	want := []string{"morning", "stream", "night", "morning", "stream"}
	for i, w := range want {
		if gen.themes[i] != w {
			t.Errorf("theme[%d] = %q, want %q", i, gen.themes[i], w)
		}
	}
}

func TestRefillStock_Validation(t *testing.T) {
	m, _ := newManager(t, &fakeGenerator{})
	var ve *stock.ValidationError
	if _, err := m.RefillStock(context.Background(), " "); !errors.As(err, &ve) {
		t.Errorf("RefillStock(blank) error = %v, want ValidationError", err)
	}
}

func TestUseFromStock_NeverReturnsSameItemTwice(t *testing.T) {
	m, st := newManager(t, &fakeGenerator{})
	seed(t, st, "liver", 4)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		item, err := m.UseFromStock(ctx, "liver")
		if err != nil || item == nil {
			t.Fatalf("UseFromStock() #%d = %v, %v", i, item, err)
		}
		if seen[item.ID] {
			t.Fatalf("item %s returned twice", item.ID)
		}
		seen[item.ID] = true
	}
	item, err := m.UseFromStock(ctx, "liver")
	if item != nil || err != nil {
		t.Errorf("UseFromStock(empty) = %v, %v; want nil, nil", item, err)
	}
}

func TestUseFromStock_ConcurrentSingleItem(t *testing.T) {
	m, st := newManager(t, &fakeGenerator{})
	seed(t, st, "chatre1", 1)

	var wins, nils atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := m.UseFromStock(context.Background(), "chatre1")
			if err != nil {
				t.Errorf("UseFromStock() error = %v", err)
				return
			}
			if item == nil {
				nils.Add(1)
			} else {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || nils.Load() != 1 {
		t.Errorf("wins = %d, nils = %d; want 1 and 1", wins.Load(), nils.Load())
	}
}

func TestReturnToStock(t *testing.T) {
	m, st := newManager(t, &fakeGenerator{})
	seed(t, st, "liver", 1)
	ctx := context.Background()

	item, _ := m.UseFromStock(ctx, "liver")
	if err := m.ReturnToStock(ctx, item.ID); err != nil {
		t.Fatalf("ReturnToStock() error = %v", err)
	}
	again, _ := m.UseFromStock(ctx, "liver")
	if again == nil || again.ID != item.ID {
		t.Errorf("UseFromStock() after return = %v, want %s", again, item.ID)
	}
}

func TestCheckStockLevels(t *testing.T) {
	m, st := newManager(t, &fakeGenerator{})
	seed(t, st, "liver", 4)
	seed(t, st, "chatre1", 1)

	low, err := m.CheckStockLevels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(low) != 1 || low[0].Account != "chatre1" {
		t.Errorf("CheckStockLevels() = %+v, want only chatre1", low)
	}

	status, _ := m.GetStockStatus(context.Background())
	if len(status) != 2 || status[0].Account != "chatre1" || status[1].Available != 4 {
		t.Errorf("GetStockStatus() = %+v", status)
	}
}

func TestRefillAll(t *testing.T) {
	m, _ := newManager(t, &fakeGenerator{})
	results, err := m.RefillAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("RefillAll() returned %d results", len(results))
	}
	for _, r := range results {
		if r.Added != 5 {
			t.Errorf("RefillAll() %s added %d, want 5", r.Account, r.Added)
		}
	}
}

func TestAdd_RespectsMaxStock(t *testing.T) {
	m, st := newManager(t, &fakeGenerator{})
	seed(t, st, "liver", 10)

	if _, err := m.Add(context.Background(), "liver", "", "one more post please", 0.9); !errors.Is(err, stock.ErrStockFull) {
		t.Errorf("Add() at max error = %v, want ErrStockFull", err)
	}
	if _, err := m.Add(context.Background(), "chatre1", "", "fresh post for chatre1", 0.9); err != nil {
		t.Errorf("Add() error = %v", err)
	}
}

func TestAdd_ConcurrentNeverExceedsMaxStock(t *testing.T) {
	st, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := stockConfig()
	cfg.Defaults = models.StockThresholds{MinStockPerAccount: 2, MaxStockPerAccount: 2, RefillThreshold: 1}
	m := stock.New(st, &fakeGenerator{}, nil, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	var full atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Add(ctx, "liver", "", fmt.Sprintf("hand written post %d", i), 0.5)
			if errors.Is(err, stock.ErrStockFull) {
				full.Add(1)
			} else if err != nil {
				t.Errorf("Add() error = %v", err)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := m.RefillStock(ctx, "liver"); err != nil {
			t.Errorf("RefillStock() error = %v", err)
		}
	}()
	wg.Wait()

	items, err := m.GetDetails(ctx, "liver")
	if err != nil {
		t.Fatalf("GetDetails() error = %v", err)
	}
	if len(items) != 2 {
		t.Errorf("stored items = %d, want maxStockPerAccount 2", len(items))
	}
	if full.Load() < 18 {
		t.Errorf("ErrStockFull returned %d times, want at least 18", full.Load())
	}
}

func TestPurgeUsed(t *testing.T) {
	now := time.Now()
	st := store.NewMemoryStore("")
	defer st.Close()
	m := stock.New(st, &fakeGenerator{}, nil, stockConfig(), stock.WithClock(func() time.Time { return now.Add(48 * time.Hour) }))
	seed(t, st, "liver", 2)

	m.UseFromStock(context.Background(), "liver")
	n, err := m.PurgeUsed(context.Background(), 24*time.Hour)
	if err != nil || n != 1 {
		t.Errorf("PurgeUsed() = %d, %v; want 1", n, err)
	}
}
