// Package publisher runs one end-to-end publish: claim stock (or generate on
// demand), check the session, call the platform inside the retry wrapper and
// act on the verifier's verdict.
//
//	success   → stock consumed, chain ended
//	auth      → session invalidated, stock returned, chain ended as failed
//	transient → retries exhausted, operation queued for the sweeper
//	ambiguous → stock returned, publish action left ambiguous, chain open
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/guardrails"
	"github.com/agentoven/postpilot/internal/retry"
	"github.com/agentoven/postpilot/internal/telemetry"
	"github.com/agentoven/postpilot/internal/verifier"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ValidationError marks a missing or malformed argument.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// ── Collaborators ───────────────────────────────────────────

// Stock is the part of the stock manager the publisher uses.
type Stock interface {
	UseFromStock(ctx context.Context, account string) (*models.StockItem, error)
	ReturnToStock(ctx context.Context, id string) error
}

// Sessions is the part of the session manager the publisher uses.
type Sessions interface {
	Cookies(ctx context.Context, platform, accountID string) ([]byte, bool)
}

// Verifier judges publish attempts.
type Verifier interface {
	Verify(ctx context.Context, action verifier.Action, sig verifier.Signal) models.Verdict
}

// Queue records operations for deferred retry.
type Queue interface {
	Add(ctx context.Context, op models.FailedOperation) (*models.FailedOperation, bool, error)
}

// ChainRecorder is the part of the tracer the publisher writes to.
type ChainRecorder interface {
	StartChain(trigger, agent string, data map[string]interface{}) (string, error)
	AddAction(chainID, name, agent, parentID string, data map[string]interface{}) (string, error)
	AddResult(chainID, eventID string, status models.ActionStatus, result interface{}) bool
	EndChain(chainID, summary string) bool
}

// Guard checks generated fallback content.
type Guard interface {
	Check(text string, score float64) *guardrails.Evaluation
}

// Deps groups the publisher's collaborators. Generator and Guard are
// optional; without a generator an empty stock fails the publish.
type Deps struct {
	Stock     Stock
	Sessions  Sessions
	Platform  contracts.Publisher
	Verifier  Verifier
	Queue     Queue
	Chains    ChainRecorder
	Generator contracts.ContentGenerator
	Guard     Guard
	Bus       eventbus.Emitter
}

// Service publishes posts.
type Service struct {
	d        Deps
	accounts config.StockConfig
	retry    retry.Options
	now      func() time.Time

	published metric.Int64Counter
}

// New creates a publisher.
func New(d Deps, accounts config.StockConfig, opts retry.Options) *Service {
	if d.Bus == nil {
		d.Bus = eventbus.Discard
	}
	return &Service{
		d:         d,
		accounts:  accounts,
		retry:     opts,
		now:       time.Now,
		published: telemetry.Counter("publish_outcomes_total", "Publish attempts by final verdict"),
	}
}

// errAmbiguous stops the retry loop: repeating an ambiguous publish risks a
// duplicate post.
var errAmbiguous = errors.New("publish outcome ambiguous")

func (s *Service) platformFor(account, platform string) string {
	if platform != "" {
		return platform
	}
	if p := s.accounts.Account(account).Platform; p != "" {
		return p
	}
	return "x"
}

// flow carries the chain bookkeeping of one publish.
type flow struct {
	s       *Service
	chainID string
	out     *models.PublishOutcome
	start   time.Time
}

func (f *flow) begin(name, parent string, data map[string]interface{}) string {
	id, err := f.s.d.Chains.AddAction(f.chainID, name, "publisher", parent, data)
	if err != nil {
		log.Warn().Err(err).Str("chain", f.chainID).Str("action", name).Msg("Failed to record action")
	}
	return id
}

func (f *flow) result(eventID string, status models.ActionStatus, result interface{}) {
	if eventID != "" {
		f.s.d.Chains.AddResult(f.chainID, eventID, status, result)
	}
}

// done closes the chain (unless left open) and reports the outcome.
func (f *flow) done(ctx context.Context, summary string, keepOpen bool) *models.PublishOutcome {
	f.out.Duration = f.s.now().Sub(f.start)
	if !keepOpen {
		f.s.d.Chains.EndChain(f.chainID, summary)
	}

	eventType, priority := models.EventPostPublished, models.PriorityNormal
	if f.out.Verdict.Status != models.VerdictSuccess {
		eventType, priority = models.EventPostFailed, models.PriorityHigh
	}
	f.s.d.Bus.Publish(eventType, "publisher", priority, map[string]interface{}{
		"chainId":     f.out.ChainID,
		"account":     f.out.Account,
		"platform":    f.out.Platform,
		"stockItemId": f.out.StockItemID,
		"status":      string(f.out.Verdict.Status),
		"reason":      f.out.Verdict.Reason,
		"queued":      f.out.Queued,
	})
	f.s.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(f.out.Verdict.Status)),
		attribute.String("reason", f.out.Verdict.Reason),
	))

	ev := log.Info()
	if f.out.Verdict.Status != models.VerdictSuccess {
		ev = log.Warn()
	}
	ev.Str("chain", f.chainID).
		Str("account", f.out.Account).
		Str("platform", f.out.Platform).
		Str("status", string(f.out.Verdict.Status)).
		Str("reason", f.out.Verdict.Reason).
		Int("attempts", f.out.Attempts).
		Dur("duration", f.out.Duration).
		Msg("📮 Publish finished")
	return f.out
}

// Publish runs one publish for account. trigger names the originating
// cause (cron, react loop, http) and becomes the chain trigger.
func (s *Service) Publish(ctx context.Context, account, platform, trigger string) (*models.PublishOutcome, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, &ValidationError{Msg: "account is required"}
	}
	if trigger == "" {
		trigger = "manual"
	}
	platform = s.platformFor(account, platform)

	chainID, err := s.d.Chains.StartChain(trigger, "publisher", map[string]interface{}{
		"account": account, "platform": platform,
	})
	if err != nil {
		return nil, err
	}
	f := &flow{
		s:       s,
		chainID: chainID,
		start:   s.now(),
		out:     &models.PublishOutcome{ChainID: chainID, Account: account, Platform: platform},
	}

	// Claim
	claimID := f.begin("stock.claim", "", nil)
	item, err := s.d.Stock.UseFromStock(ctx, account)
	if err != nil {
		f.result(claimID, models.ActionFailure, err.Error())
		f.out.Verdict = models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonUnknown, Detail: err.Error()}
		f.out.Error = err.Error()
		return f.done(ctx, "failed: stock claim", false), nil
	}
	parent := claimID
	if item != nil {
		f.result(claimID, models.ActionSuccess, item.ID)
		f.out.StockItemID = item.ID
	} else {
		f.result(claimID, models.ActionFailure, "stock empty")
		genID := f.begin("content.generate", claimID, nil)
		text, genErr := s.generate(ctx, account)
		if genErr != nil {
			f.result(genID, models.ActionFailure, genErr.Error())
			f.out.Verdict = models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonUnknown, Detail: genErr.Error()}
			f.out.Error = genErr.Error()
			return f.done(ctx, "failed: stock empty and generation failed", false), nil
		}
		f.result(genID, models.ActionSuccess, truncate(text, 120))
		item = &models.StockItem{Account: account, Text: text}
		f.out.Generated = true
		parent = genID
	}

	// Session
	sessID := f.begin("session.check", parent, nil)
	cookies, ok := s.d.Sessions.Cookies(ctx, platform, account)
	if !ok {
		f.result(sessID, models.ActionFailure, "no valid session")
		s.returnStock(ctx, item)
		f.out.Verdict = models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonAuth, Detail: "no valid session"}
		f.out.Error = "no valid session"
		return f.done(ctx, "failed: no valid session", false), nil
	}
	f.result(sessID, models.ActionSuccess, nil)

	// Publish
	pubID := f.begin("platform.publish", sessID, map[string]interface{}{"stockItemId": item.ID})
	verdict, attempts, pubErr := s.attempt(ctx, platform, account, item.Text, cookies, s.retry)
	f.out.Verdict = verdict
	f.out.Attempts = attempts
	if pubErr != nil && !errors.Is(pubErr, errAmbiguous) {
		f.out.Error = pubErr.Error()
	}

	switch {
	case verdict.Status == models.VerdictSuccess:
		f.result(pubID, models.ActionSuccess, verdict.Detail)
		return f.done(ctx, fmt.Sprintf("published after %d attempt(s)", attempts), false), nil

	case verdict.Status == models.VerdictAmbiguous:
		f.result(pubID, models.ActionAmbiguous, verdict.Reason)
		s.returnStock(ctx, item)
		return f.done(ctx, "", true), nil

	case verdict.Reason == models.ReasonAuth:
		f.result(pubID, models.ActionFailure, verdict.Reason)
		s.returnStock(ctx, item)
		return f.done(ctx, "failed: authentication", false), nil

	case verifier.IsTransient(verdict):
		f.result(pubID, models.ActionFailure, verdict.Reason)
		queueID := f.begin("failed_queue.add", pubID, nil)
		qctx, cancel := compensating(ctx)
		_, queued, err := s.d.Queue.Add(qctx, models.FailedOperation{
			Account:     account,
			Platform:    platform,
			StockItemID: item.ID,
			Content:     item.Text,
			Error:       verdict.Reason + ": " + verdict.Detail,
		})
		cancel()
		if err != nil {
			f.result(queueID, models.ActionFailure, err.Error())
			s.returnStock(ctx, item)
			return f.done(ctx, "failed: could not queue for retry", false), nil
		}
		f.result(queueID, models.ActionSuccess, nil)
		f.out.Queued = queued
		return f.done(ctx, "failed: queued for retry", false), nil

	default:
		// Rejected content stays consumed so it is not picked again.
		f.result(pubID, models.ActionFailure, verdict.Reason)
		return f.done(ctx, "failed: "+verdict.Reason, false), nil
	}
}

// attempt calls the platform inside WithRetry and verifies every response.
// Only transient verdicts are retried.
func (s *Service) attempt(ctx context.Context, platform, account, text string, cookies []byte, opts retry.Options) (models.Verdict, int, error) {
	action := verifier.Action{Name: "publish", Platform: platform, Account: account}
	var last models.Verdict

	res := retry.WithRetry(ctx, opts, func(ctx context.Context) (*contracts.PublishResponse, error) {
		resp, err := s.d.Platform.Publish(ctx, contracts.PublishRequest{
			Platform: platform, Account: account, Text: text, Cookies: cookies,
		})
		sig := verifier.Signal{Response: resp, Err: err}
		if resp != nil {
			sig.Screenshot = resp.Screenshot
		}
		last = s.d.Verifier.Verify(ctx, action, sig)

		switch {
		case last.Status == models.VerdictSuccess:
			return resp, nil
		case last.Status == models.VerdictAmbiguous:
			return resp, backoff.Permanent(errAmbiguous)
		case verifier.IsTransient(last):
			return resp, retry.Transient(fmt.Errorf("%s: %s", last.Reason, last.Detail))
		default:
			return resp, backoff.Permanent(fmt.Errorf("%s: %s", last.Reason, last.Detail))
		}
	})
	if res.Success {
		return last, res.Attempts, nil
	}
	if last.Status == "" {
		last = models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonUnknown}
	}
	return last, res.Attempts, res.Err
}

func (s *Service) generate(ctx context.Context, account string) (string, error) {
	if s.d.Generator == nil {
		return "", errors.New("stock empty and no generator configured")
	}
	var theme string
	if themes := s.accounts.Account(account).Themes; len(themes) > 0 {
		theme = themes[s.now().Hour()%len(themes)]
	}
	out, err := s.d.Generator.Generate(ctx, contracts.GenerateRequest{Account: account, Theme: theme})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if s.d.Guard != nil {
		if eval := s.d.Guard.Check(out.Text, out.Score); !eval.Passed {
			return "", fmt.Errorf("guardrails: %s", strings.Join(eval.Reasons(), "; "))
		}
	}
	return out.Text, nil
}

// returnStock puts a claimed item back. Generated content has no stock row.
// compensatingTimeout bounds writes that undo or park a claimed item.
const compensatingTimeout = 10 * time.Second

// compensating derives a context for cleanup writes that must land even
// when ctx was cancelled mid-publish.
func compensating(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensatingTimeout)
}

func (s *Service) returnStock(ctx context.Context, item *models.StockItem) {
	if item == nil || item.ID == "" {
		return
	}
	ctx, cancel := compensating(ctx)
	defer cancel()
	if err := s.d.Stock.ReturnToStock(ctx, item.ID); err != nil {
		log.Warn().Err(err).Str("item", item.ID).Msg("Failed to return item to stock")
	}
}

// Retry re-attempts a failed-queue entry once. It satisfies retry.Retrier;
// the queue's own schedule provides the backoff.
func (s *Service) Retry(ctx context.Context, op models.FailedOperation) error {
	platform := s.platformFor(op.Account, op.Platform)
	chainID, err := s.d.Chains.StartChain("retry:failed-queue", "sweeper", map[string]interface{}{
		"account": op.Account, "platform": platform, "failedId": op.ID, "retryCount": op.RetryCount,
	})
	if err != nil {
		return err
	}
	f := &flow{
		s:       s,
		chainID: chainID,
		start:   s.now(),
		out: &models.PublishOutcome{
			ChainID: chainID, Account: op.Account, Platform: platform, StockItemID: op.StockItemID,
		},
	}

	sessID := f.begin("session.check", "", nil)
	cookies, ok := s.d.Sessions.Cookies(ctx, platform, op.Account)
	if !ok {
		f.result(sessID, models.ActionFailure, "no valid session")
		f.out.Verdict = models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonAuth, Detail: "no valid session"}
		f.done(ctx, "failed: no valid session", false)
		return errors.New("no valid session")
	}
	f.result(sessID, models.ActionSuccess, nil)

	pubID := f.begin("platform.publish", sessID, map[string]interface{}{"failedId": op.ID})
	once := s.retry
	once.MaxRetries = 0
	verdict, attempts, pubErr := s.attempt(ctx, platform, op.Account, op.Content, cookies, once)
	f.out.Verdict = verdict
	f.out.Attempts = attempts

	if verdict.Status == models.VerdictSuccess {
		f.result(pubID, models.ActionSuccess, verdict.Detail)
		f.done(ctx, "published from failed queue", false)
		return nil
	}
	status := models.ActionFailure
	if verdict.Status == models.VerdictAmbiguous {
		status = models.ActionAmbiguous
	}
	f.result(pubID, status, verdict.Reason)
	if pubErr == nil {
		pubErr = fmt.Errorf("%s: %s", verdict.Reason, verdict.Detail)
	}
	f.out.Error = pubErr.Error()
	f.done(ctx, "failed: "+verdict.Reason, verdict.Status == models.VerdictAmbiguous)
	return pubErr
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
