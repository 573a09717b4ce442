// Package tracer records causal chains: every action taken because of one
// external trigger, linked into a tree by parent pointers.
//
// A parent must already exist in the same chain when a child is added, so
// parent pointers only ever point backwards in time and no action can be its
// own ancestor. Ended chains accept no further actions.
package tracer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/internal/telemetry"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultMaxChains = 500

var (
	ErrChainNotFound = errors.New("chain not found")
	ErrChainEnded    = errors.New("chain already ended")
	ErrUnknownParent = errors.New("parent action not found in chain")
)

// ValidationError marks a missing or malformed argument.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// Option customizes a Tracer.
type Option func(*Tracer)

// WithMaxChains caps the number of retained chains (oldest evicted).
func WithMaxChains(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.max = n
		}
	}
}

// WithSnapshot persists chains to path.
func WithSnapshot(path string) Option {
	return func(t *Tracer) { t.snapshotPath = path }
}

// WithEmitter publishes chain lifecycle events.
func WithEmitter(e eventbus.Emitter) Option {
	return func(t *Tracer) {
		if e != nil {
			t.bus = e
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// Tracer is safe for concurrent use.
type Tracer struct {
	mu     sync.RWMutex
	chains map[string]*models.Chain
	order  []string
	max    int
	bus    eventbus.Emitter
	now    func() time.Time

	// interrupted holds chains restored as active: their owner died with
	// the previous process.
	interrupted []string

	snapshotPath string
	snap         *store.Snapshotter

	started metric.Int64Counter
	ended   metric.Int64Counter
}

// New creates a tracer, restoring chains from the snapshot when configured.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		chains:  make(map[string]*models.Chain),
		max:     defaultMaxChains,
		bus:     eventbus.Discard,
		now:     time.Now,
		started: telemetry.Counter("tracer_chains_started_total", "Causal chains opened"),
		ended:   telemetry.Counter("tracer_chains_closed_total", "Causal chains ended or reaped"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.snap = store.NewSnapshotter(t.snapshotPath, 250*time.Millisecond, t.snapshotSource)

	var restored []*models.Chain
	if t.snap.Load(&restored) {
		if len(restored) > t.max {
			restored = restored[len(restored)-t.max:]
		}
		for _, c := range restored {
			if c == nil || c.ChainID == "" {
				continue
			}
			t.chains[c.ChainID] = c
			t.order = append(t.order, c.ChainID)
			if c.Status == models.ChainActive {
				t.interrupted = append(t.interrupted, c.ChainID)
			}
		}
		log.Info().Int("chains", len(t.order)).Int("active", len(t.interrupted)).Msg("Chains restored")
	}
	return t
}

func (t *Tracer) snapshotSource() interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*models.Chain, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, cloneChain(t.chains[id]))
	}
	return out
}

// StartChain opens a chain and returns its id.
func (t *Tracer) StartChain(trigger, agent string, data map[string]interface{}) (string, error) {
	if strings.TrimSpace(trigger) == "" || strings.TrimSpace(agent) == "" {
		return "", &ValidationError{Msg: "trigger and agent are required"}
	}
	now := t.now().UTC()
	c := &models.Chain{
		ChainID:   "chain_" + uuid.Must(uuid.NewV7()).String(),
		Trigger:   trigger,
		RootAgent: agent,
		Data:      data,
		Events:    []*models.Action{},
		Status:    models.ChainActive,
		StartedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	t.chains[c.ChainID] = c
	t.order = append(t.order, c.ChainID)
	for len(t.order) > t.max {
		delete(t.chains, t.order[0])
		t.order = t.order[1:]
	}
	t.mu.Unlock()

	t.snap.RequestSave()
	t.started.Add(context.Background(), 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	t.bus.Publish(models.EventChainStarted, "tracer", models.PriorityLow, map[string]interface{}{
		"chainId": c.ChainID, "trigger": trigger, "agent": agent,
	})
	log.Debug().Str("chain", c.ChainID).Str("trigger", trigger).Str("agent", agent).Msg("Chain started")
	return c.ChainID, nil
}

// AddAction appends a pending action. parentID, when set, must name an
// action already in the chain.
func (t *Tracer) AddAction(chainID, name, agent, parentID string, data map[string]interface{}) (string, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(agent) == "" {
		return "", &ValidationError{Msg: "action name and agent are required"}
	}

	t.mu.Lock()
	c, ok := t.chains[chainID]
	if !ok {
		t.mu.Unlock()
		log.Warn().Str("chain", chainID).Str("action", name).Msg("Action for unknown chain")
		return "", ErrChainNotFound
	}
	if c.Status != models.ChainActive {
		t.mu.Unlock()
		log.Warn().Str("chain", chainID).Str("action", name).Msg("Action for ended chain rejected")
		return "", ErrChainEnded
	}
	if parentID != "" && c.Action(parentID) == nil {
		t.mu.Unlock()
		return "", ErrUnknownParent
	}
	now := t.now().UTC()
	a := &models.Action{
		EventID:   "evt_" + uuid.Must(uuid.NewV7()).String(),
		ChainID:   chainID,
		ParentID:  parentID,
		Name:      name,
		Agent:     agent,
		Status:    models.ActionPending,
		Data:      data,
		CreatedAt: now,
	}
	c.Events = append(c.Events, a)
	c.UpdatedAt = now
	t.mu.Unlock()

	t.snap.RequestSave()
	t.bus.Publish(models.EventChainAction, "tracer", models.PriorityLow, map[string]interface{}{
		"chainId": chainID, "eventId": a.EventID, "name": name, "agent": agent, "parentId": parentID,
	})
	return a.EventID, nil
}

// AddResult sets the terminal status of an action. An unknown
// (chainID, eventID) pair is logged and ignored; the return value reports
// whether anything was recorded.
func (t *Tracer) AddResult(chainID, eventID string, status models.ActionStatus, result interface{}) bool {
	if !status.Valid() {
		log.Warn().Str("chain", chainID).Str("event", eventID).Str("status", string(status)).Msg("Invalid action status ignored")
		return false
	}

	t.mu.Lock()
	c, ok := t.chains[chainID]
	var a *models.Action
	if ok {
		a = c.Action(eventID)
	}
	if a == nil {
		t.mu.Unlock()
		log.Warn().Str("chain", chainID).Str("event", eventID).Msg("Result for unknown action ignored")
		return false
	}
	now := t.now().UTC()
	a.Status = status
	a.Result = result
	if status != models.ActionPending {
		a.CompletedAt = &now
	}
	c.UpdatedAt = now
	t.mu.Unlock()

	t.snap.RequestSave()
	t.bus.Publish(models.EventChainResult, "tracer", models.PriorityLow, map[string]interface{}{
		"chainId": chainID, "eventId": eventID, "status": string(status),
	})
	return true
}

// EndChain marks the chain ended. Returns false for unknown or already
// closed chains.
func (t *Tracer) EndChain(chainID, summary string) bool {
	t.mu.Lock()
	c, ok := t.chains[chainID]
	if !ok || c.Status != models.ChainActive {
		t.mu.Unlock()
		log.Warn().Str("chain", chainID).Msg("EndChain on unknown or closed chain ignored")
		return false
	}
	now := t.now().UTC()
	c.Status = models.ChainEnded
	c.Summary = summary
	c.EndedAt = &now
	c.UpdatedAt = now
	actions := len(c.Events)
	trigger := c.Trigger
	t.mu.Unlock()

	t.snap.RequestSave()
	t.ended.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("trigger", trigger), attribute.String("status", string(models.ChainEnded))))
	t.bus.Publish(models.EventChainEnded, "tracer", models.PriorityLow, map[string]interface{}{
		"chainId": chainID, "summary": summary, "actions": actions,
	})
	return true
}

// ReapOrphans closes active chains with no activity for maxAge: pending
// actions fail with result "orphaned" and the chain becomes reaped.
func (t *Tracer) ReapOrphans(maxAge time.Duration) int {
	cutoff := t.now().UTC().Add(-maxAge)
	t.mu.Lock()
	var ids []string
	for _, id := range t.order {
		c := t.chains[id]
		if c.Status == models.ChainActive && c.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	return t.reap(ids, "reaped: no activity for "+maxAge.String())
}

// ReapInterrupted closes chains that were active when the previous process
// stopped.
func (t *Tracer) ReapInterrupted() int {
	t.mu.Lock()
	ids := t.interrupted
	t.interrupted = nil
	t.mu.Unlock()
	return t.reap(ids, "reaped: interrupted by restart")
}

func (t *Tracer) reap(ids []string, summary string) int {
	if len(ids) == 0 {
		return 0
	}
	now := t.now().UTC()
	reaped := 0
	t.mu.Lock()
	for _, id := range ids {
		c, ok := t.chains[id]
		if !ok || c.Status != models.ChainActive {
			continue
		}
		for _, a := range c.Events {
			if a.Status == models.ActionPending {
				a.Status = models.ActionFailure
				a.Result = "orphaned"
				a.CompletedAt = &now
			}
		}
		c.Status = models.ChainReaped
		c.Summary = summary
		c.EndedAt = &now
		c.UpdatedAt = now
		reaped++
	}
	t.mu.Unlock()

	if reaped == 0 {
		return 0
	}
	t.snap.RequestSave()
	t.ended.Add(context.Background(), int64(reaped), metric.WithAttributes(
		attribute.String("status", string(models.ChainReaped))))
	t.bus.Publish(models.EventChainReaped, "tracer", models.PriorityNormal, map[string]interface{}{
		"count": reaped, "summary": summary,
	})
	log.Info().Int("chains", reaped).Msg("🪦 Orphaned chains reaped")
	return reaped
}

// ── Projections ─────────────────────────────────────────────

// GetChain returns a copy of the chain.
func (t *Tracer) GetChain(chainID string) (*models.Chain, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chains[chainID]
	if !ok {
		return nil, false
	}
	return cloneChain(c), true
}

// GetActiveChains returns open chains, oldest first.
func (t *Tracer) GetActiveChains() []*models.Chain {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*models.Chain, 0)
	for _, id := range t.order {
		if c := t.chains[id]; c.Status == models.ChainActive {
			out = append(out, cloneChain(c))
		}
	}
	return out
}

// GetAllChains returns up to limit chains, newest first. limit <= 0 means all.
func (t *Tracer) GetAllChains(limit int) []*models.Chain {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*models.Chain, 0)
	for i := len(t.order) - 1; i >= 0; i-- {
		out = append(out, cloneChain(t.chains[t.order[i]]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetStats summarises retained chains.
func (t *Tracer) GetStats() models.ChainStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := models.ChainStats{
		ActionsByStatus: make(map[models.ActionStatus]int),
		ByTrigger:       make(map[string]int),
		ByAgent:         make(map[string]int),
	}
	for _, id := range t.order {
		c := t.chains[id]
		s.Total++
		switch c.Status {
		case models.ChainActive:
			s.Active++
		case models.ChainEnded:
			s.Ended++
		case models.ChainReaped:
			s.Reaped++
		}
		s.ByTrigger[c.Trigger]++
		for _, a := range c.Events {
			s.TotalActions++
			s.ActionsByStatus[a.Status]++
			s.ByAgent[a.Agent]++
		}
	}
	if s.Total > 0 {
		s.AvgActionsPerChain = float64(s.TotalActions) / float64(s.Total)
	}
	return s
}

// Clear drops every chain and returns how many were removed.
func (t *Tracer) Clear() int {
	t.mu.Lock()
	n := len(t.order)
	t.chains = make(map[string]*models.Chain)
	t.order = nil
	t.interrupted = nil
	t.mu.Unlock()
	t.snap.RequestSave()
	log.Info().Int("cleared", n).Msg("Chains cleared")
	return n
}

// Close flushes the snapshot.
func (t *Tracer) Close() {
	t.snap.Close()
}

func cloneChain(c *models.Chain) *models.Chain {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Events = make([]*models.Action, len(c.Events))
	for i, a := range c.Events {
		ac := *a
		cp.Events[i] = &ac
	}
	return &cp
}
