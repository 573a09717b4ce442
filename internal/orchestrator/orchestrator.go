// Package orchestrator runs the sub-agent pipeline
//
//	directive → CMO analysis → Creative generation(count) → COO review → approved | revise
//
// A rejected review re-runs Creative with the feedback appended, up to
// MaxRetries times; after that the best-scoring candidate is returned
// whether or not it was approved. Every stage is recorded as an action in
// one tracer chain per Orchestrate call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/guardrails"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownRole is returned by DirectCommand for names other than
// cmo, creative and coo.
var ErrUnknownRole = errors.New("unknown agent role")

// ValidationError marks a missing or malformed argument.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// ChainRecorder is the part of the tracer the orchestrator writes to.
type ChainRecorder interface {
	StartChain(trigger, agent string, data map[string]interface{}) (string, error)
	AddAction(chainID, name, agent, parentID string, data map[string]interface{}) (string, error)
	AddResult(chainID, eventID string, status models.ActionStatus, result interface{}) bool
	EndChain(chainID, summary string) bool
}

// StockSaver stores approved posts.
type StockSaver interface {
	Add(ctx context.Context, account, theme, text string, score float64) (*models.StockItem, error)
}

// Guard checks candidates.
type Guard interface {
	Check(text string, score float64) *guardrails.Evaluation
}

// Options tune one Orchestrate call. A nil MaxRetries takes the
// configured default; zero means a single pass.
type Options struct {
	MaxRetries *int `json:"maxRetries,omitempty"`
	AutoSave   bool `json:"autoSave,omitempty"`
}

// Orchestrator coordinates the three roles.
type Orchestrator struct {
	roles     map[string]contracts.Role
	chains    ChainRecorder
	stock     StockSaver
	guard     Guard
	knowledge *Knowledge
	bus       eventbus.Emitter
	cfg       config.OrchestratorConfig
}

// New creates an orchestrator. stock and guard may be nil.
func New(roles map[string]contracts.Role, chains ChainRecorder, stock StockSaver, guard Guard, knowledge *Knowledge, bus eventbus.Emitter, cfg config.OrchestratorConfig) *Orchestrator {
	if bus == nil {
		bus = eventbus.Discard
	}
	if knowledge == nil {
		knowledge = NewKnowledge("", cfg.MaxInsights)
	}
	return &Orchestrator{
		roles:     roles,
		chains:    chains,
		stock:     stock,
		guard:     guard,
		knowledge: knowledge,
		bus:       bus,
		cfg:       cfg,
	}
}

// Knowledge exposes the insight store.
func (o *Orchestrator) Knowledge() *Knowledge { return o.knowledge }

func (o *Orchestrator) role(name string) (contracts.Role, error) {
	r, ok := o.roles[strings.ToLower(name)]
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return r, nil
}

// run holds the state of one pipeline execution.
type run struct {
	o       *Orchestrator
	chainID string
	res     *models.OrchestrationResult
}

func (r *run) begin(name, agent, parent string) string {
	id, err := r.o.chains.AddAction(r.chainID, name, agent, parent, nil)
	if err != nil {
		log.Warn().Err(err).Str("chain", r.chainID).Str("action", name).Msg("Failed to record action")
	}
	return id
}

func (r *run) finish(eventID string, status models.ActionStatus, result interface{}) {
	if eventID != "" {
		r.o.chains.AddResult(r.chainID, eventID, status, result)
	}
}

func (r *run) fail(summary string, err error) (*models.OrchestrationResult, error) {
	r.o.chains.EndChain(r.chainID, "failed: "+summary)
	r.o.bus.Publish(models.EventOrchestrateDone, "orchestrator", models.PriorityHigh, map[string]interface{}{
		"chainId": r.chainID, "approved": false, "error": err.Error(),
	})
	return r.res, fmt.Errorf("%s: %w", summary, err)
}

// Orchestrate runs the pipeline once for directive.
func (o *Orchestrator) Orchestrate(ctx context.Context, d models.Directive, opts Options) (*models.OrchestrationResult, error) {
	if strings.TrimSpace(d.Instruction) == "" {
		return nil, &ValidationError{Msg: "directive instruction is required"}
	}
	maxRetries := o.cfg.MaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return nil, &ValidationError{Msg: "maxRetries must not be negative"}
		}
		maxRetries = *opts.MaxRetries
	}
	count := d.Count
	if count <= 0 {
		count = o.cfg.CandidateCount
	}
	if count <= 0 {
		count = 1
	}
	d.Count = count

	cmo, err := o.role(models.RoleCMO)
	if err != nil {
		return nil, err
	}
	creative, err := o.role(models.RoleCreative)
	if err != nil {
		return nil, err
	}
	coo, err := o.role(models.RoleCOO)
	if err != nil {
		return nil, err
	}

	chainID, err := o.chains.StartChain("orchestrate", "ceo", map[string]interface{}{
		"instruction": d.Instruction, "account": d.Account, "theme": d.Theme,
	})
	if err != nil {
		return nil, err
	}
	r := &run{o: o, chainID: chainID, res: &models.OrchestrationResult{ChainID: chainID, Directive: d}}
	knowledge := o.knowledge.Recent(20)

	// CMO
	cmoID := r.begin("cmo.analyze", models.RoleCMO, "")
	analysis, err := cmo.Invoke(ctx, contracts.RoleRequest{Directive: d, Knowledge: knowledge})
	if err != nil {
		r.finish(cmoID, models.ActionFailure, err.Error())
		return r.fail("cmo analysis", err)
	}
	r.finish(cmoID, models.ActionSuccess, truncate(analysis.Text, 200))
	r.res.Analysis = analysis.Text

	var (
		feedback string
		parent   = cmoID
	)
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		r.res.Attempts = attempt

		creativeID := r.begin("creative.generate", models.RoleCreative, parent)
		batch, err := o.generate(ctx, creative, d, analysis.Text, knowledge, feedback, count, attempt)
		if len(batch) == 0 {
			if err == nil {
				err = errors.New("no candidates produced")
			}
			r.finish(creativeID, models.ActionFailure, err.Error())
			return r.fail("creative generation", err)
		}
		r.finish(creativeID, models.ActionSuccess, map[string]interface{}{"candidates": len(batch)})
		parent = creativeID

		best := bestOf(batch)
		if !guardPassed(best) {
			r.res.Candidates = append(r.res.Candidates, batch...)
			feedback = best.Feedback
			continue
		}

		cooID := r.begin("coo.review", models.RoleCOO, creativeID)
		review, err := coo.Invoke(ctx, contracts.RoleRequest{
			Directive: d, Analysis: analysis.Text, Candidate: best.Text, Feedback: feedback,
		})
		if err != nil {
			r.finish(cooID, models.ActionFailure, err.Error())
			r.res.Candidates = append(r.res.Candidates, batch...)
			return r.fail("coo review", err)
		}
		for i := range batch {
			if batch[i].Text == best.Text {
				batch[i].Approved = review.Approved
				batch[i].Feedback = review.Feedback
				if review.Score > 0 {
					batch[i].Score = (batch[i].Score + review.Score) / 2
				}
			}
		}
		r.res.Candidates = append(r.res.Candidates, batch...)
		parent = cooID

		if review.Approved {
			r.finish(cooID, models.ActionSuccess, "approved")
			r.res.Approved = true
			break
		}
		r.finish(cooID, models.ActionFailure, review.Feedback)
		feedback = review.Feedback
		if feedback == "" {
			feedback = "The reviewer rejected the previous post without comment; try a different angle."
		}
	}

	chosen := bestOverall(r.res.Candidates)
	r.res.Best = chosen

	if opts.AutoSave && r.res.Approved && chosen != nil && d.Account != "" && o.stock != nil {
		saveID := r.begin("stock.save", "orchestrator", parent)
		item, err := o.stock.Add(ctx, d.Account, d.Theme, chosen.Text, chosen.Score)
		if err != nil {
			r.finish(saveID, models.ActionFailure, err.Error())
			log.Warn().Err(err).Str("account", d.Account).Msg("Autosave to stock failed")
		} else {
			r.finish(saveID, models.ActionSuccess, item.ID)
			r.res.SavedIDs = append(r.res.SavedIDs, item.ID)
		}
	}

	summary := fmt.Sprintf("approved after %d attempt(s)", r.res.Attempts)
	if !r.res.Approved {
		summary = fmt.Sprintf("not approved after %d attempt(s), returning best candidate", r.res.Attempts)
	}
	o.chains.EndChain(chainID, summary)

	priority := models.PriorityNormal
	if !r.res.Approved {
		priority = models.PriorityHigh
	}
	o.bus.Publish(models.EventOrchestrateDone, "orchestrator", priority, map[string]interface{}{
		"chainId": chainID, "approved": r.res.Approved, "attempts": r.res.Attempts, "saved": len(r.res.SavedIDs),
	})
	log.Info().
		Str("chain", chainID).
		Bool("approved", r.res.Approved).
		Int("attempts", r.res.Attempts).
		Int("candidates", len(r.res.Candidates)).
		Msg("🎬 Orchestration complete")
	return r.res, nil
}

// generate asks Creative for count candidates concurrently. Individual
// failures are tolerated as long as one candidate comes back.
func (o *Orchestrator) generate(ctx context.Context, creative contracts.Role, d models.Directive, analysis string, knowledge []string, feedback string, count, attempt int) ([]models.Candidate, error) {
	var (
		mu      sync.Mutex
		out     []models.Candidate
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(count)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			resp, err := creative.Invoke(gctx, contracts.RoleRequest{
				Directive: d, Analysis: analysis, Knowledge: knowledge, Feedback: feedback,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				log.Warn().Err(err).Int("attempt", attempt).Msg("Creative candidate failed")
				return nil
			}
			c := models.Candidate{Text: strings.TrimSpace(resp.Text), Score: resp.Score, Attempt: attempt}
			if o.guard != nil {
				if eval := o.guard.Check(c.Text, c.Score); !eval.Passed {
					c.Score = -1
					c.Feedback = "guardrails: " + strings.Join(eval.Reasons(), "; ")
				}
			}
			out = append(out, c)
			return nil
		})
	}
	_ = g.Wait()
	return out, lastErr
}

func guardPassed(c *models.Candidate) bool {
	return c != nil && c.Score >= 0
}

func bestOf(cs []models.Candidate) *models.Candidate {
	var best *models.Candidate
	for i := range cs {
		if best == nil || cs[i].Score > best.Score {
			best = &cs[i]
		}
	}
	return best
}

// bestOverall prefers approved candidates, then the highest score among
// those that passed guardrails.
func bestOverall(cs []models.Candidate) *models.Candidate {
	var best *models.Candidate
	for i := range cs {
		c := cs[i]
		if c.Score < 0 {
			continue
		}
		switch {
		case best == nil:
			best = &c
		case c.Approved && !best.Approved:
			best = &c
		case c.Approved == best.Approved && c.Score > best.Score:
			best = &c
		}
	}
	return best
}

// DirectCommand invokes exactly one role, bypassing the pipeline.
func (o *Orchestrator) DirectCommand(ctx context.Context, agent, command, extra string) (*contracts.RoleResponse, error) {
	r, err := o.role(agent)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(command) == "" {
		return nil, &ValidationError{Msg: "command is required"}
	}

	chainID, err := o.chains.StartChain("direct:"+r.Name(), "ceo", map[string]interface{}{"command": command})
	if err != nil {
		return nil, err
	}
	actionID, _ := o.chains.AddAction(chainID, r.Name()+".direct", r.Name(), "", nil)

	resp, err := r.Invoke(ctx, contracts.RoleRequest{
		Command:   command,
		Context:   extra,
		Knowledge: o.knowledge.Recent(20),
	})
	if err != nil {
		o.chains.AddResult(chainID, actionID, models.ActionFailure, err.Error())
		o.chains.EndChain(chainID, "failed: "+err.Error())
		return nil, err
	}
	o.chains.AddResult(chainID, actionID, models.ActionSuccess, truncate(resp.Text, 200))
	o.chains.EndChain(chainID, "direct command completed")
	return resp, nil
}

// LearnFromCEO stores an insight without running the pipeline.
func (o *Orchestrator) LearnFromCEO(insight string) (*models.Insight, error) {
	in, err := o.knowledge.Add(insight, "ceo")
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	o.bus.Publish(models.EventInsightLearned, "orchestrator", models.PriorityLow, map[string]interface{}{
		"id": in.ID,
	})
	log.Info().Str("id", in.ID).Msg("💡 Insight learned")
	return in, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
