// Package react runs the autonomous observe → think → act → reflect loop.
//
// Every cycle observes stock levels, failed-queue depth and daily goal
// progress, evaluates the configured rules into candidate actions, executes
// the most confident ones (outside the sleep window and while the circuit
// breaker is closed) and feeds the outcomes back into a per-action learned
// success rate that scales future confidence.
package react

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/retry"
	"github.com/agentoven/postpilot/internal/telemetry"
	"github.com/agentoven/postpilot/internal/verifier"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the phase the loop is in.
type State string

const (
	StateIdle       State = "idle"
	StateObserving  State = "observing"
	StateThinking   State = "thinking"
	StateActing     State = "acting"
	StateReflecting State = "reflecting"
)

// ErrAlreadyRunning is returned by Start on a running loop.
var ErrAlreadyRunning = errors.New("react loop already running")

// learningRate is the EMA weight of the newest outcome.
const learningRate = 0.3

// ── Collaborators ───────────────────────────────────────────

// StockObserver reports stock levels.
type StockObserver interface {
	GetStockStatus(ctx context.Context) ([]models.StockStatus, error)
}

// FailureObserver reports the failed queue.
type FailureObserver interface {
	List(ctx context.Context) ([]models.FailedOperation, error)
	GetRetryablePosts(ctx context.Context) ([]models.FailedOperation, error)
}

// EventLog is read to count today's publishes and recent failures.
type EventLog interface {
	GetRecentEvents(count int, filter models.EventFilter) []models.Event
}

// ChainRecorder is the part of the tracer the loop writes to.
type ChainRecorder interface {
	StartChain(trigger, agent string, data map[string]interface{}) (string, error)
	AddAction(chainID, name, agent, parentID string, data map[string]interface{}) (string, error)
	AddResult(chainID, eventID string, status models.ActionStatus, result interface{}) bool
	EndChain(chainID, summary string) bool
}

// ActionFunc executes one action against target (an account, or "" for
// global actions). A zero verdict with a nil error counts as success.
type ActionFunc func(ctx context.Context, target string) (models.Verdict, error)

// Deps groups the loop's collaborators.
type Deps struct {
	Stock    StockObserver
	Failures FailureObserver
	Events   EventLog
	Chains   ChainRecorder
	Bus      eventbus.Emitter
	// Goals maps account to its daily post goal.
	Goals   map[string]int
	Actions map[string]ActionFunc
	Retry   retry.Options
}

// ── Settings ────────────────────────────────────────────────

// Settings overrides the configured loop parameters for one Start. Nil
// fields keep the configured value.
type Settings struct {
	CycleIntervalMs    *int64   `json:"cycleIntervalMs,omitempty"`
	MaxActionsPerCycle *int     `json:"maxActionsPerCycle,omitempty"`
	MinConfidenceToAct *float64 `json:"minConfidenceToAct,omitempty"`
	SleepStartHour     *int     `json:"sleepStartHour,omitempty"`
	SleepEndHour       *int     `json:"sleepEndHour,omitempty"`
}

func (s *Settings) apply(cfg config.ReactConfig) config.ReactConfig {
	if s == nil {
		return cfg
	}
	if s.CycleIntervalMs != nil {
		cfg.CycleInterval = time.Duration(*s.CycleIntervalMs) * time.Millisecond
	}
	if s.MaxActionsPerCycle != nil {
		cfg.MaxActionsPerCycle = *s.MaxActionsPerCycle
	}
	if s.MinConfidenceToAct != nil {
		cfg.MinConfidenceToAct = *s.MinConfidenceToAct
	}
	if s.SleepStartHour != nil {
		cfg.SleepStartHour = *s.SleepStartHour
	}
	if s.SleepEndHour != nil {
		cfg.SleepEndHour = *s.SleepEndHour
	}
	return cfg
}

// ConfigView is the effective configuration reported by GetStatus.
type ConfigView struct {
	CycleIntervalMs    int64              `json:"cycleIntervalMs"`
	MaxActionsPerCycle int                `json:"maxActionsPerCycle"`
	MinConfidenceToAct float64            `json:"minConfidenceToAct"`
	SleepStartHour     int                `json:"sleepStartHour"`
	SleepEndHour       int                `json:"sleepEndHour"`
	BreakerThreshold   int                `json:"breakerThreshold"`
	BreakerCooldownMs  int64              `json:"breakerCooldownMs"`
	Rules              []config.ReactRule `json:"rules"`
}

func validate(cfg config.ReactConfig) error {
	switch {
	case cfg.CycleInterval <= 0:
		return fmt.Errorf("cycle interval must be positive")
	case cfg.MaxActionsPerCycle <= 0:
		return fmt.Errorf("maxActionsPerCycle must be positive")
	case cfg.MinConfidenceToAct < 0 || cfg.MinConfidenceToAct > 1:
		return fmt.Errorf("minConfidenceToAct must be within [0,1]")
	case cfg.SleepStartHour < 0 || cfg.SleepStartHour > 23 || cfg.SleepEndHour < 0 || cfg.SleepEndHour > 23:
		return fmt.Errorf("sleep hours must be within 0..23")
	}
	return nil
}

// InSleepWindow reports whether hour falls in [start, end), wrapping past
// midnight when start > end. start == end disables the window.
func InSleepWindow(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// ── Observation / decisions ─────────────────────────────────

// Goal is one account's progress toward its daily post goal.
type Goal struct {
	Target    int `json:"target"`
	Done      int `json:"done"`
	Remaining int `json:"remaining"`
}

// Observation is the world state seen at the start of a cycle.
type Observation struct {
	At           time.Time       `json:"at"`
	Stock        map[string]int  `json:"stock"`
	Low          []string        `json:"low"`
	Failures     int             `json:"failures"`
	Due          int             `json:"due"`
	RecentErrors int             `json:"recentErrors"`
	Goals        map[string]Goal `json:"goals"`
}

func (o *Observation) env() Env {
	env := Env{
		Stock:        o.Stock,
		Low:          o.Low,
		Failures:     o.Failures,
		Due:          o.Due,
		RecentErrors: o.RecentErrors,
		Hour:         o.At.Hour(),
	}
	for _, n := range o.Stock {
		env.StockTotal += n
	}
	for _, g := range o.Goals {
		env.Goal.Target += g.Target
		env.Goal.Done += g.Done
		env.Goal.Remaining += g.Remaining
	}
	return env
}

// Decision is one candidate action and what became of it.
type Decision struct {
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	Rule       string         `json:"rule"`
	Confidence float64        `json:"confidence"`
	Executed   bool           `json:"executed"`
	Skipped    string         `json:"skipped,omitempty"`
	Verdict    models.Verdict `json:"verdict"`
	Error      string         `json:"error,omitempty"`
}

// CycleReport summarises one cycle.
type CycleReport struct {
	ChainID     string       `json:"chainId"`
	Observation *Observation `json:"observation"`
	Decisions   []Decision   `json:"decisions"`
	Sleeping    bool         `json:"sleeping"`
	BreakerOpen bool         `json:"breakerOpen"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
}

// Status is the loop's externally visible state.
type Status struct {
	Running             bool               `json:"running"`
	State               State              `json:"state"`
	Cycles              int                `json:"cycles"`
	ActionsExecuted     int                `json:"actionsExecuted"`
	ActionsSucceeded    int                `json:"actionsSucceeded"`
	ActionsFailed       int                `json:"actionsFailed"`
	ActionsSkipped      int                `json:"actionsSkipped"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
	BreakerOpenUntil    *time.Time         `json:"breakerOpenUntil,omitempty"`
	Sleeping            bool               `json:"sleeping"`
	Learned             map[string]float64 `json:"learned"`
	LastCycleAt         *time.Time         `json:"lastCycleAt,omitempty"`
	NextCycleAt         *time.Time         `json:"nextCycleAt,omitempty"`
	LastReport          *CycleReport       `json:"lastReport,omitempty"`
	Config              ConfigView         `json:"config"`
}

// ── Loop ────────────────────────────────────────────────────

// Loop is the ReAct scheduler.
type Loop struct {
	d    Deps
	base config.ReactConfig
	now  func() time.Time

	// tick serializes cycles.
	tick sync.Mutex

	mu       sync.Mutex
	cfg      config.ReactConfig
	rules    []compiledRule
	state    State
	running  bool
	stop     chan struct{}
	done     chan struct{}
	counters counters
	learned      map[string]float64
	consecutive  int
	breakerUntil time.Time
	lastCycleAt  time.Time
	nextCycleAt  time.Time
	lastReport   *CycleReport

	cycles metric.Int64Counter
}

type counters struct {
	cycles, executed, succeeded, failed, skipped int
}

// Option customizes a Loop.
type Option func(*Loop)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New creates a stopped loop. Invalid rules are reported here.
func New(d Deps, cfg config.ReactConfig, opts ...Option) (*Loop, error) {
	if d.Bus == nil {
		d.Bus = eventbus.Discard
	}
	if d.Chains == nil {
		d.Chains = nopChains{}
	}
	if cfg.MaxActionsPerCycle <= 0 {
		cfg.MaxActionsPerCycle = 3
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 15 * time.Minute
	}
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		d:       d,
		base:    cfg,
		cfg:     cfg,
		rules:   rules,
		state:   StateIdle,
		now:     time.Now,
		learned: make(map[string]float64),
		cycles:  telemetry.Counter("react_cycles_total", "ReAct cycles by outcome"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Start begins cycling every CycleInterval, with the first cycle right away.
func (l *Loop) Start(s *Settings) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}
	cfg := s.apply(l.base)
	if err := validate(cfg); err != nil {
		return err
	}
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return err
	}
	l.cfg = cfg
	l.rules = rules

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.running = true
	go l.run(cfg.CycleInterval, l.stop, l.done)

	l.d.Bus.Publish(models.EventReactStarted, "react", models.PriorityNormal, map[string]interface{}{
		"cycleIntervalMs": cfg.CycleInterval.Milliseconds(),
	})
	log.Info().Dur("interval", cfg.CycleInterval).Msg("🔁 ReAct loop started")
	return nil
}

// run drives cycles until stop is closed. Cycles run on a context that
// stop never cancels: stop is only observed between ticks and between
// actions, so an action that has started always completes its writes.
func (l *Loop) run(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := l.runOnce(context.Background(), stop); err != nil {
			log.Warn().Err(err).Msg("ReAct cycle failed")
		}
		l.mu.Lock()
		l.nextCycleAt = l.now().Add(interval)
		l.mu.Unlock()

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func stopRequested(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Stop ends the timer and waits for an in-flight cycle to finish. Actions
// not yet started in that cycle are skipped. It returns false when the
// loop was not running.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return false
	}
	close(l.stop)
	done := l.done
	l.running = false
	l.nextCycleAt = time.Time{}
	l.mu.Unlock()

	<-done
	l.d.Bus.Publish(models.EventReactStopped, "react", models.PriorityNormal, nil)
	log.Info().Msg("ReAct loop stopped")
	return true
}

// Reset clears counters, learned state and the circuit breaker.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = counters{}
	l.learned = make(map[string]float64)
	l.consecutive = 0
	l.breakerUntil = time.Time{}
	l.lastCycleAt = time.Time{}
	l.lastReport = nil
}

// GetStatus reports the loop state.
func (l *Loop) GetStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	st := Status{
		Running:             l.running,
		State:               l.state,
		Cycles:              l.counters.cycles,
		ActionsExecuted:     l.counters.executed,
		ActionsSucceeded:    l.counters.succeeded,
		ActionsFailed:       l.counters.failed,
		ActionsSkipped:      l.counters.skipped,
		ConsecutiveFailures: l.consecutive,
		Sleeping:            InSleepWindow(now.Hour(), l.cfg.SleepStartHour, l.cfg.SleepEndHour),
		Learned:             make(map[string]float64, len(l.learned)),
		LastReport:          l.lastReport,
		Config: ConfigView{
			CycleIntervalMs:    l.cfg.CycleInterval.Milliseconds(),
			MaxActionsPerCycle: l.cfg.MaxActionsPerCycle,
			MinConfidenceToAct: l.cfg.MinConfidenceToAct,
			SleepStartHour:     l.cfg.SleepStartHour,
			SleepEndHour:       l.cfg.SleepEndHour,
			BreakerThreshold:   l.cfg.BreakerThreshold,
			BreakerCooldownMs:  l.cfg.BreakerCooldown.Milliseconds(),
			Rules:              ruleList(l.rules),
		},
	}
	for k, v := range l.learned {
		st.Learned[k] = v
	}
	if now.Before(l.breakerUntil) {
		t := l.breakerUntil
		st.BreakerOpenUntil = &t
	}
	if !l.lastCycleAt.IsZero() {
		t := l.lastCycleAt
		st.LastCycleAt = &t
	}
	if !l.nextCycleAt.IsZero() {
		t := l.nextCycleAt
		st.NextCycleAt = &t
	}
	return st
}

func ruleList(rules []compiledRule) []config.ReactRule {
	out := make([]config.ReactRule, len(rules))
	for i, r := range rules {
		out[i] = r.ReactRule
	}
	return out
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// RunOnce executes a single cycle. A panic inside the cycle is recovered
// and reported as an error.
func (l *Loop) RunOnce(ctx context.Context) (*CycleReport, error) {
	return l.runOnce(ctx, nil)
}

func (l *Loop) runOnce(ctx context.Context, stop <-chan struct{}) (rep *CycleReport, err error) {
	l.tick.Lock()
	defer l.tick.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("🔥 ReAct cycle panicked")
			err = fmt.Errorf("react cycle panic: %v", r)
			l.setState(StateIdle)
			l.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "panic")))
		}
	}()

	ctx, span := telemetry.Tracer().Start(ctx, "react.cycle")
	defer span.End()
	return l.cycle(ctx, stop)
}

func (l *Loop) cycle(ctx context.Context, stop <-chan struct{}) (*CycleReport, error) {
	l.mu.Lock()
	cfg, rules := l.cfg, l.rules
	l.mu.Unlock()

	now := l.now()
	rep := &CycleReport{}
	chainID, err := l.d.Chains.StartChain("react:cycle", "react", nil)
	if err != nil {
		return nil, err
	}
	rep.ChainID = chainID

	// Observe
	l.setState(StateObserving)
	obsID, _ := l.d.Chains.AddAction(chainID, "observe", "react", "", nil)
	obs, err := l.observe(ctx, now)
	if err != nil {
		l.d.Chains.AddResult(chainID, obsID, models.ActionFailure, err.Error())
		l.d.Chains.EndChain(chainID, "failed: observe")
		l.setState(StateIdle)
		l.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "observe_failed")))
		return rep, fmt.Errorf("observe: %w", err)
	}
	rep.Observation = obs
	l.d.Chains.AddResult(chainID, obsID, models.ActionSuccess, map[string]interface{}{
		"low": len(obs.Low), "failures": obs.Failures, "due": obs.Due,
	})

	// Think
	l.setState(StateThinking)
	thinkID, _ := l.d.Chains.AddAction(chainID, "think", "react", obsID, nil)
	rep.Decisions = l.think(rules, obs, cfg.MaxActionsPerCycle)
	l.d.Chains.AddResult(chainID, thinkID, models.ActionSuccess, map[string]interface{}{"candidates": len(rep.Decisions)})

	// Act
	l.setState(StateActing)
	rep.Sleeping = InSleepWindow(now.Hour(), cfg.SleepStartHour, cfg.SleepEndHour)
	l.mu.Lock()
	rep.BreakerOpen = now.Before(l.breakerUntil)
	l.mu.Unlock()

	for i := range rep.Decisions {
		d := &rep.Decisions[i]
		fn := l.d.Actions[d.Action]
		switch {
		case rep.Sleeping:
			d.Skipped = "sleep window"
		case rep.BreakerOpen:
			d.Skipped = "circuit open"
		case d.Confidence < cfg.MinConfidenceToAct:
			d.Skipped = "low confidence"
		case fn == nil:
			d.Skipped = "no executor"
		}
		if d.Skipped != "" {
			continue
		}
		if ctx.Err() != nil || stopRequested(stop) {
			d.Skipped = "stopping"
			continue
		}

		actID, _ := l.d.Chains.AddAction(chainID, "act:"+d.Action, "react", thinkID, map[string]interface{}{
			"target": d.Target, "confidence": d.Confidence,
		})
		d.Executed = true
		d.Verdict, err = l.execute(ctx, fn, d.Target)
		if err != nil {
			d.Error = err.Error()
		}
		switch d.Verdict.Status {
		case models.VerdictSuccess:
			rep.Succeeded++
			l.d.Chains.AddResult(chainID, actID, models.ActionSuccess, d.Verdict.Detail)
		case models.VerdictAmbiguous:
			l.d.Chains.AddResult(chainID, actID, models.ActionAmbiguous, d.Verdict.Reason)
		default:
			rep.Failed++
			l.d.Chains.AddResult(chainID, actID, models.ActionFailure, d.Verdict.Reason)
		}
	}

	// Reflect
	l.setState(StateReflecting)
	reflectID, _ := l.d.Chains.AddAction(chainID, "reflect", "react", thinkID, nil)
	l.reflect(cfg, rep, now)
	l.d.Chains.AddResult(chainID, reflectID, models.ActionSuccess, map[string]interface{}{
		"succeeded": rep.Succeeded, "failed": rep.Failed,
	})
	l.d.Chains.EndChain(chainID, summarize(rep))
	l.setState(StateIdle)

	outcome := "ok"
	switch {
	case rep.Sleeping:
		outcome = "sleeping"
	case rep.BreakerOpen:
		outcome = "breaker_open"
	case rep.Failed > 0 && rep.Succeeded == 0:
		outcome = "failed"
	}
	l.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	l.d.Bus.Publish(models.EventReactCycle, "react", models.PriorityLow, map[string]interface{}{
		"chainId":   chainID,
		"decisions": len(rep.Decisions),
		"succeeded": rep.Succeeded,
		"failed":    rep.Failed,
		"outcome":   outcome,
	})
	log.Debug().
		Str("chain", chainID).
		Int("decisions", len(rep.Decisions)).
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Str("outcome", outcome).
		Msg("ReAct cycle complete")
	return rep, nil
}

func summarize(rep *CycleReport) string {
	switch {
	case rep.Sleeping:
		return "sleep window, no actions taken"
	case rep.BreakerOpen:
		return "circuit open, no actions taken"
	}
	return fmt.Sprintf("%d decisions, %d succeeded, %d failed", len(rep.Decisions), rep.Succeeded, rep.Failed)
}

func (l *Loop) observe(ctx context.Context, now time.Time) (*Observation, error) {
	obs := &Observation{At: now, Stock: map[string]int{}, Goals: map[string]Goal{}}

	if l.d.Stock != nil {
		statuses, err := l.d.Stock.GetStockStatus(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range statuses {
			obs.Stock[s.Account] = s.Available
			if s.NeedsRefill {
				obs.Low = append(obs.Low, s.Account)
			}
		}
	}

	if l.d.Failures != nil {
		all, err := l.d.Failures.List(ctx)
		if err != nil {
			return nil, err
		}
		due, err := l.d.Failures.GetRetryablePosts(ctx)
		if err != nil {
			return nil, err
		}
		obs.Failures, obs.Due = len(all), len(due)
	}

	done := map[string]int{}
	if l.d.Events != nil {
		y, m, d := now.Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
		for _, e := range l.d.Events.GetRecentEvents(0, models.EventFilter{Type: models.EventPostPublished}) {
			if e.Timestamp.Before(midnight) {
				break
			}
			if acct, ok := e.Data["account"].(string); ok {
				done[acct]++
			}
		}
		hourAgo := now.Add(-time.Hour)
		for _, e := range l.d.Events.GetRecentEvents(0, models.EventFilter{Type: models.EventPostFailed}) {
			if e.Timestamp.Before(hourAgo) {
				break
			}
			obs.RecentErrors++
		}
	}
	for acct, target := range l.d.Goals {
		if target <= 0 {
			continue
		}
		g := Goal{Target: target, Done: done[acct]}
		if g.Done < target {
			g.Remaining = target - g.Done
		}
		obs.Goals[acct] = g
	}
	return obs, nil
}

// think evaluates the rules and returns at most limit decisions, most
// confident first.
func (l *Loop) think(rules []compiledRule, obs *Observation, limit int) []Decision {
	env := obs.env()
	best := map[string]Decision{}
	var order []string

	for _, r := range rules {
		ok, err := r.matches(env)
		if err != nil {
			log.Warn().Err(err).Str("rule", r.Name).Msg("Rule evaluation failed")
			continue
		}
		if !ok {
			continue
		}
		conf := l.adjusted(r.Action, r.Confidence)
		for _, target := range targets(r.Action, obs) {
			key := r.Action + "/" + target
			prev, seen := best[key]
			if !seen {
				order = append(order, key)
			}
			if !seen || conf > prev.Confidence {
				best[key] = Decision{Action: r.Action, Target: target, Rule: r.Name, Confidence: conf}
			}
		}
	}

	out := make([]Decision, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// targets picks the accounts an action applies to.
func targets(action string, obs *Observation) []string {
	var out []string
	switch action {
	case ActionSweep:
		return []string{""}
	case ActionRefill:
		out = append(out, obs.Low...)
		if len(out) == 0 {
			for acct := range obs.Stock {
				out = append(out, acct)
			}
		}
	case ActionPublish:
		for acct, g := range obs.Goals {
			if g.Remaining > 0 && obs.Stock[acct] > 0 {
				out = append(out, acct)
			}
		}
	case ActionOrchestrate:
		for acct, g := range obs.Goals {
			if g.Remaining > 0 {
				out = append(out, acct)
			}
		}
		if len(out) == 0 {
			out = append(out, obs.Low...)
		}
	}
	sort.Strings(out)
	return out
}

// adjusted scales a rule's base confidence by the learned success rate of
// its action; an untried action keeps its base confidence.
func (l *Loop) adjusted(action string, base float64) float64 {
	l.mu.Lock()
	rate, ok := l.learned[action]
	l.mu.Unlock()
	if !ok {
		return base
	}
	c := base * (0.5 + rate)
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func (l *Loop) execute(ctx context.Context, fn ActionFunc, target string) (models.Verdict, error) {
	res := retry.WithRetry(ctx, l.d.Retry, func(ctx context.Context) (models.Verdict, error) {
		v, err := fn(ctx, target)
		if err != nil {
			return v, err
		}
		if verifier.IsTransient(v) {
			return v, retry.Transient(fmt.Errorf("%s: %s", v.Reason, v.Detail))
		}
		return v, nil
	})
	v := res.Value
	if res.Err != nil {
		if v.Status == "" || v.Status == models.VerdictSuccess {
			v = models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonUnknown, Detail: res.Err.Error()}
		}
		return v, res.Err
	}
	if v.Status == "" {
		v = models.Verdict{Status: models.VerdictSuccess, Reason: models.ReasonOK}
	}
	return v, nil
}

// reflect folds outcomes into learned state, counters and the breaker.
func (l *Loop) reflect(cfg config.ReactConfig, rep *CycleReport, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range rep.Decisions {
		if !d.Executed {
			l.counters.skipped++
			continue
		}
		l.counters.executed++
		var outcome float64
		switch d.Verdict.Status {
		case models.VerdictSuccess:
			l.counters.succeeded++
			outcome = 1
		case models.VerdictAmbiguous:
			continue
		default:
			l.counters.failed++
		}
		rate, ok := l.learned[d.Action]
		if !ok {
			rate = 0.5
		}
		l.learned[d.Action] = rate*(1-learningRate) + outcome*learningRate
	}

	switch {
	case rep.Succeeded > 0:
		l.consecutive = 0
	case rep.Failed > 0:
		l.consecutive++
	}
	if cfg.BreakerThreshold > 0 && l.consecutive >= cfg.BreakerThreshold && !now.Before(l.breakerUntil) {
		l.breakerUntil = now.Add(cfg.BreakerCooldown)
		log.Warn().
			Int("consecutive_failures", l.consecutive).
			Time("until", l.breakerUntil).
			Msg("⚡ ReAct circuit breaker open")
		l.d.Bus.Publish(models.EventReactCycle, "react", models.PriorityHigh, map[string]interface{}{
			"breaker": "open", "consecutiveFailures": l.consecutive,
		})
	}

	l.counters.cycles++
	l.lastCycleAt = now
	l.lastReport = rep
}

type nopChains struct{}

func (nopChains) StartChain(string, string, map[string]interface{}) (string, error) {
	return "", nil
}

func (nopChains) AddAction(string, string, string, string, map[string]interface{}) (string, error) {
	return "", nil
}

func (nopChains) AddResult(string, string, models.ActionStatus, interface{}) bool { return false }

func (nopChains) EndChain(string, string) bool { return false }
