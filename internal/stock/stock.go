// Package stock keeps, per account, a buffer of ready-to-publish posts so
// publishing never waits on content generation.
//
// Refill is idempotent: it always recomputes how many items are missing
// rather than adding a fixed batch. Claims are atomic in the store, so two
// concurrent UseFromStock calls never return the same item.
package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/guardrails"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/internal/telemetry"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const defaultRetryBudget = 3

// ErrStockFull is returned by Add when the account is at maxStockPerAccount.
var ErrStockFull = errors.New("stock is full for account")

// ValidationError marks a missing or malformed argument.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// Guard checks a candidate before it is stocked.
type Guard interface {
	Check(text string, score float64) *guardrails.Evaluation
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEmitter publishes stock events.
func WithEmitter(e eventbus.Emitter) Option {
	return func(m *Manager) {
		if e != nil {
			m.bus = e
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the post stock.
type Manager struct {
	store store.StockStore
	gen   contracts.ContentGenerator
	guard Guard
	cfg   config.StockConfig
	bus   eventbus.Emitter
	now   func() time.Time

	refills singleflight.Group
	// inserts holds one *sync.Mutex per account; the ceiling check and
	// the insert happen under it.
	inserts sync.Map

	themeMu  sync.Mutex
	themeIdx map[string]int

	added   metric.Int64Counter
	failed  metric.Int64Counter
	claimed metric.Int64Counter
}

// New creates a stock manager. guard may be nil.
func New(st store.StockStore, gen contracts.ContentGenerator, guard Guard, cfg config.StockConfig, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		gen:      gen,
		guard:    guard,
		cfg:      cfg,
		bus:      eventbus.Discard,
		now:      time.Now,
		themeIdx: make(map[string]int),
		added:    telemetry.Counter("stock_items_added_total", "Stock items generated and stored"),
		failed:   telemetry.Counter("stock_generation_failures_total", "Stock candidates that failed generation or guardrails"),
		claimed:  telemetry.Counter("stock_items_claimed_total", "Stock items claimed for publishing"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Thresholds returns the limits for account, defaults filling unset fields.
func (m *Manager) Thresholds(account string) models.StockThresholds {
	th := m.cfg.Account(account).StockThresholds
	d := m.cfg.Defaults
	if th.MinStockPerAccount <= 0 {
		th.MinStockPerAccount = d.MinStockPerAccount
	}
	if th.MaxStockPerAccount <= 0 {
		th.MaxStockPerAccount = d.MaxStockPerAccount
	}
	if th.RefillThreshold <= 0 {
		th.RefillThreshold = d.RefillThreshold
	}
	return th
}

func validateAccount(account string) error {
	if strings.TrimSpace(account) == "" {
		return &ValidationError{Msg: "account is required"}
	}
	return nil
}

// ── Status ──────────────────────────────────────────────────

// GetStockStatus returns counts for every configured account plus any
// account that has items in the store, sorted by name.
func (m *Manager) GetStockStatus(ctx context.Context) ([]models.StockStatus, error) {
	counts, err := m.store.CountStock(ctx)
	if err != nil {
		return nil, fmt.Errorf("count stock: %w", err)
	}
	names := make(map[string]struct{})
	for _, n := range m.cfg.AccountNames() {
		names[n] = struct{}{}
	}
	for n := range counts {
		names[n] = struct{}{}
	}

	out := make([]models.StockStatus, 0, len(names))
	for n := range names {
		th := m.Thresholds(n)
		c := counts[n]
		out = append(out, models.StockStatus{
			Account:     n,
			Available:   c.Available,
			Used:        c.Used,
			NeedsRefill: c.Available < th.RefillThreshold,
			Thresholds:  th,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

// CheckStockLevels returns the accounts below their refill threshold and
// emits a stock.low event for each.
func (m *Manager) CheckStockLevels(ctx context.Context) ([]models.StockStatus, error) {
	all, err := m.GetStockStatus(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]models.StockStatus, 0)
	for _, s := range all {
		if !s.NeedsRefill {
			continue
		}
		low = append(low, s)
		m.emitLow(s.Account, s.Available, s.Thresholds.RefillThreshold)
	}
	return low, nil
}

func (m *Manager) emitLow(account string, available, threshold int) {
	priority := models.PriorityNormal
	if available == 0 {
		priority = models.PriorityHigh
	}
	m.bus.Publish(models.EventStockLow, "stock", priority, map[string]interface{}{
		"account": account, "available": available, "threshold": threshold,
	})
}

// insert stores item unless its account is already at maxStockPerAccount.
func (m *Manager) insert(ctx context.Context, item *models.StockItem) error {
	v, _ := m.inserts.LoadOrStore(item.Account, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	have, err := m.available(ctx, item.Account)
	if err != nil {
		return err
	}
	if ceiling := m.Thresholds(item.Account).MaxStockPerAccount; ceiling > 0 && have >= ceiling {
		return ErrStockFull
	}
	if err := m.store.AddStockItem(ctx, item); err != nil {
		return fmt.Errorf("store stock item: %w", err)
	}
	return nil
}

func (m *Manager) available(ctx context.Context, account string) (int, error) {
	counts, err := m.store.CountStock(ctx)
	if err != nil {
		return 0, fmt.Errorf("count stock: %w", err)
	}
	return counts[account].Available, nil
}

// ── Refill ──────────────────────────────────────────────────

// RefillStock generates posts until the account holds minStockPerAccount
// items (never above maxStockPerAccount) or the retry budget of failed
// candidates is spent. Concurrent calls for one account share a single run.
func (m *Manager) RefillStock(ctx context.Context, account string) (*models.RefillResult, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	v, err, shared := m.refills.Do(account, func() (interface{}, error) {
		return m.refill(ctx, account)
	})
	if shared {
		log.Debug().Str("account", account).Msg("Joined in-flight refill")
	}
	if v == nil {
		return nil, err
	}
	res := *v.(*models.RefillResult)
	return &res, err
}

func (m *Manager) refill(ctx context.Context, account string) (*models.RefillResult, error) {
	res := &models.RefillResult{Account: account}
	if m.gen == nil {
		return res, fmt.Errorf("no content generator configured")
	}

	th := m.Thresholds(account)
	target := th.MinStockPerAccount
	if th.MaxStockPerAccount > 0 && target > th.MaxStockPerAccount {
		target = th.MaxStockPerAccount
	}
	have, err := m.available(ctx, account)
	if err != nil {
		return res, err
	}
	res.Available = have
	needed := target - have
	if needed <= 0 {
		return res, nil
	}

	budget := m.cfg.RetryBudget
	if budget <= 0 {
		budget = defaultRetryBudget
	}

	attrs := metric.WithAttributes(attribute.String("account", account))
	for res.Added < needed && res.Failed < budget {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		theme := m.nextTheme(account)
		item, reason := m.generate(ctx, account, theme)
		if item == nil {
			res.Failed++
			res.Errors = append(res.Errors, reason)
			m.failed.Add(ctx, 1, attrs)
			continue
		}
		if err := m.insert(ctx, item); err != nil {
			if errors.Is(err, ErrStockFull) {
				break
			}
			return res, err
		}
		res.Added++
		res.Available++
		m.added.Add(ctx, 1, attrs)
	}

	log.Info().
		Str("account", account).
		Int("added", res.Added).
		Int("failed", res.Failed).
		Int("available", res.Available).
		Msg("📦 Stock refilled")
	m.bus.Publish(models.EventStockRefilled, "stock", models.PriorityNormal, map[string]interface{}{
		"account": account, "added": res.Added, "failed": res.Failed, "available": res.Available,
	})
	return res, nil
}

// generate produces one guardrail-checked candidate, or a failure reason.
func (m *Manager) generate(ctx context.Context, account, theme string) (*models.StockItem, string) {
	out, err := m.gen.Generate(ctx, contracts.GenerateRequest{Account: account, Theme: theme})
	if err != nil {
		log.Warn().Err(err).Str("account", account).Str("theme", theme).Msg("Stock generation failed")
		return nil, err.Error()
	}
	if out == nil {
		return nil, "generator returned no content"
	}
	text := strings.TrimSpace(out.Text)
	if m.guard != nil {
		if eval := m.guard.Check(text, out.Score); !eval.Passed {
			reason := "guardrails: " + strings.Join(eval.Reasons(), "; ")
			log.Debug().Str("account", account).Str("reason", reason).Msg("Stock candidate rejected")
			return nil, reason
		}
	}
	return &models.StockItem{
		ID:        "stk_" + uuid.Must(uuid.NewV7()).String(),
		Account:   account,
		Theme:     theme,
		Text:      text,
		Score:     out.Score,
		CreatedAt: m.now().UTC(),
	}, ""
}

// nextTheme rotates through the account's configured themes.
func (m *Manager) nextTheme(account string) string {
	themes := m.cfg.Account(account).Themes
	if len(themes) == 0 {
		return ""
	}
	m.themeMu.Lock()
	defer m.themeMu.Unlock()
	i := m.themeIdx[account] % len(themes)
	m.themeIdx[account] = i + 1
	return themes[i]
}

// RefillAll refills every configured account, bounded by RefillConcurrency.
// One account failing does not stop the others.
func (m *Manager) RefillAll(ctx context.Context) ([]models.RefillResult, error) {
	names := m.cfg.AccountNames()
	results := make([]models.RefillResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	limit := m.cfg.RefillConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, name := range names {
		g.Go(func() error {
			res, err := m.RefillStock(gctx, name)
			if res != nil {
				results[i] = *res
			} else {
				results[i] = models.RefillResult{Account: name}
			}
			if err != nil {
				results[i].Errors = append(results[i].Errors, err.Error())
				log.Error().Err(err).Str("account", name).Msg("Refill failed")
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// ── Claim / return ──────────────────────────────────────────

// UseFromStock claims the oldest unused item of account. It returns
// (nil, nil) when the stock is empty: callers generate on demand.
func (m *Manager) UseFromStock(ctx context.Context, account string) (*models.StockItem, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	item, err := m.store.ClaimStockItem(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("claim stock item: %w", err)
	}

	th := m.Thresholds(account)
	if have, err := m.available(ctx, account); err == nil && have < th.RefillThreshold {
		m.emitLow(account, have, th.RefillThreshold)
	}
	if item == nil {
		log.Info().Str("account", account).Msg("Stock empty, caller generates on demand")
		return nil, nil
	}

	m.claimed.Add(ctx, 1, metric.WithAttributes(attribute.String("account", account)))
	m.bus.Publish(models.EventStockClaimed, "stock", models.PriorityLow, map[string]interface{}{
		"account": account, "id": item.ID,
	})
	return item, nil
}

// ReturnToStock releases a claimed item whose publish did not succeed.
func (m *Manager) ReturnToStock(ctx context.Context, id string) error {
	if err := m.store.ReturnStockItem(ctx, id); err != nil {
		return err
	}
	m.bus.Publish(models.EventStockReturned, "stock", models.PriorityLow, map[string]interface{}{"id": id})
	return nil
}

// Add stores an externally produced post (orchestrator autosave).
func (m *Manager) Add(ctx context.Context, account, theme, text string, score float64) (*models.StockItem, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ValidationError{Msg: "text is required"}
	}
	item := &models.StockItem{
		ID:        "stk_" + uuid.Must(uuid.NewV7()).String(),
		Account:   account,
		Theme:     theme,
		Text:      text,
		Score:     score,
		CreatedAt: m.now().UTC(),
	}
	if err := m.insert(ctx, item); err != nil {
		return nil, err
	}
	m.added.Add(ctx, 1, metric.WithAttributes(attribute.String("account", account)))
	return item, nil
}

// ── Details ─────────────────────────────────────────────────

// GetDetails lists every item of account, used ones included.
func (m *Manager) GetDetails(ctx context.Context, account string) ([]models.StockItem, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	return m.store.ListStockItems(ctx, account, true)
}

// GetPost returns one item.
func (m *Manager) GetPost(ctx context.Context, id string) (*models.StockItem, error) {
	return m.store.GetStockItem(ctx, id)
}

// Delete removes one item.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteStockItem(ctx, id)
}

// PurgeUsed deletes used items claimed more than olderThan ago.
func (m *Manager) PurgeUsed(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := m.store.PurgeUsedStock(ctx, m.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge used stock: %w", err)
	}
	if n > 0 {
		log.Info().Int("purged", n).Msg("Used stock purged")
	}
	return n, nil
}
