// Package models holds the data types shared by every postpilot component
// and by the HTTP/MCP surfaces.
package models

import (
	"strings"
	"time"
)

// ── Events ───────────────────────────────────────────────────

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities for threshold comparisons (low=0 … urgent=3).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Event is one immutable entry in the event bus log.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Priority  Priority               `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventFilter selects events by type and/or source. Empty fields match
// everything; a type ending in ".*" matches by prefix ("chain.*").
type EventFilter struct {
	Type   string `json:"type,omitempty"`
	Source string `json:"source,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e *Event) bool {
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if f.Type == "" || f.Type == "*" {
		return true
	}
	if strings.HasSuffix(f.Type, ".*") {
		return strings.HasPrefix(e.Type, strings.TrimSuffix(f.Type, "*"))
	}
	return f.Type == e.Type
}

// EventStats summarises the current event log.
type EventStats struct {
	Total       int              `json:"total"`
	Capacity    int              `json:"capacity"`
	ByType      map[string]int   `json:"byType"`
	BySource    map[string]int   `json:"bySource"`
	ByPriority  map[Priority]int `json:"byPriority"`
	Subscribers int              `json:"subscribers"`
	Dropped     int64            `json:"dropped"`
}

// Well-known event types emitted by the core.
const (
	EventChainStarted    = "chain.started"
	EventChainAction     = "chain.action"
	EventChainResult     = "chain.result"
	EventChainEnded      = "chain.ended"
	EventChainReaped     = "chain.reaped"
	EventStockRefilled   = "stock.refilled"
	EventStockClaimed    = "stock.claimed"
	EventStockLow        = "stock.low"
	EventStockReturned   = "stock.returned"
	EventSessionLogin    = "session.login"
	EventSessionInvalid  = "session.invalidated"
	EventVerdict         = "verifier.verdict"
	EventRetryExhausted  = "retry.exhausted"
	EventFailedQueued    = "failedqueue.added"
	EventFailedDropped   = "failedqueue.dropped"
	EventPostPublished   = "post.published"
	EventPostFailed      = "post.failed"
	EventReactCycle      = "react.cycle"
	EventReactStarted    = "react.started"
	EventReactStopped    = "react.stopped"
	EventOrchestrateDone = "orchestrator.completed"
	EventInsightLearned  = "orchestrator.insight"
)

// ── Trigger Tracer ───────────────────────────────────────────

type ChainStatus string

const (
	ChainActive ChainStatus = "active"
	ChainEnded  ChainStatus = "ended"
	ChainReaped ChainStatus = "reaped"
)

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSuccess   ActionStatus = "success"
	ActionFailure   ActionStatus = "failure"
	ActionAmbiguous ActionStatus = "ambiguous"
)

// Valid reports whether s may be recorded as an action result.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionSuccess, ActionFailure, ActionAmbiguous, ActionPending:
		return true
	}
	return false
}

// Action is one node in a chain. ParentID always names an earlier action
// in the same chain.
type Action struct {
	EventID     string                 `json:"eventId"`
	ChainID     string                 `json:"chainId"`
	ParentID    string                 `json:"parentId,omitempty"`
	Name        string                 `json:"name"`
	Agent       string                 `json:"agent"`
	Status      ActionStatus           `json:"status"`
	Result      interface{}            `json:"result,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// Chain groups every causally related action from one external trigger.
type Chain struct {
	ChainID   string                 `json:"chainId"`
	Trigger   string                 `json:"trigger"`
	RootAgent string                 `json:"rootAgent"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Events    []*Action              `json:"events"`
	Status    ChainStatus            `json:"status"`
	Summary   string                 `json:"summary,omitempty"`
	StartedAt time.Time              `json:"startedAt"`
	EndedAt   *time.Time             `json:"endedAt,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Action returns the action with the given id, or nil.
func (c *Chain) Action(eventID string) *Action {
	for _, a := range c.Events {
		if a.EventID == eventID {
			return a
		}
	}
	return nil
}

// ChainStats summarises the tracer state.
type ChainStats struct {
	Total              int                  `json:"total"`
	Active             int                  `json:"active"`
	Ended              int                  `json:"ended"`
	Reaped             int                  `json:"reaped"`
	TotalActions       int                  `json:"totalActions"`
	ActionsByStatus    map[ActionStatus]int `json:"actionsByStatus"`
	ByTrigger          map[string]int       `json:"byTrigger"`
	ByAgent            map[string]int       `json:"byAgent"`
	AvgActionsPerChain float64              `json:"avgActionsPerChain"`
}

// ── Sessions ─────────────────────────────────────────────────

// Session is the persisted login state for one (platform, account) pair.
// The cookie blob is never serialised to API consumers.
type Session struct {
	Platform            string    `json:"platform"`
	AccountID           string    `json:"accountId"`
	EncryptedCookieBlob []byte    `json:"-"`
	ExpiresAt           time.Time `json:"expiresAt"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ── Stock ────────────────────────────────────────────────────

// StockItem is one pre-generated, unpublished post.
type StockItem struct {
	ID        string     `json:"id"`
	Account   string     `json:"account"`
	Theme     string     `json:"theme,omitempty"`
	Text      string     `json:"text"`
	Score     float64    `json:"score"`
	CreatedAt time.Time  `json:"createdAt"`
	Used      bool       `json:"used"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
}

// StockThresholds are the per-account stock limits.
type StockThresholds struct {
	MinStockPerAccount int `json:"minStockPerAccount" yaml:"min_stock"`
	MaxStockPerAccount int `json:"maxStockPerAccount" yaml:"max_stock"`
	RefillThreshold    int `json:"refillThreshold" yaml:"refill_threshold"`
}

// StockStatus reports counts for one account.
type StockStatus struct {
	Account     string          `json:"account"`
	Available   int             `json:"available"`
	Used        int             `json:"used"`
	NeedsRefill bool            `json:"needsRefill"`
	Thresholds  StockThresholds `json:"thresholds"`
}

// RefillResult is the outcome of one refillStock call.
type RefillResult struct {
	Account   string   `json:"account"`
	Added     int      `json:"added"`
	Failed    int      `json:"failed"`
	Available int      `json:"available"`
	Errors    []string `json:"errors,omitempty"`
}

// ── Failed queue ─────────────────────────────────────────────

// MaxFailedRetries is the ceiling on recorded retries for a failed operation.
const MaxFailedRetries = 3

// FailedOperation is a publish attempt that exhausted its immediate retries.
type FailedOperation struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	Platform    string    `json:"platform"`
	StockItemID string    `json:"stockItemId,omitempty"`
	Content     string    `json:"content"`
	FailedAt    time.Time `json:"failedAt"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retryCount"`
	NextRetryAt time.Time `json:"nextRetryAt"`
}

// ── Verifier ─────────────────────────────────────────────────

type VerdictStatus string

const (
	VerdictSuccess   VerdictStatus = "success"
	VerdictFailure   VerdictStatus = "failure"
	VerdictAmbiguous VerdictStatus = "ambiguous"
)

// Verdict reasons.
const (
	ReasonOK         = "ok"
	ReasonAuth       = "auth"
	ReasonRateLimit  = "rate_limit"
	ReasonTimeout    = "timeout"
	ReasonTransient  = "transient"
	ReasonPayload    = "unexpected_payload"
	ReasonRejected   = "rejected"
	ReasonVision     = "vision"
	ReasonUnknown    = "unknown"
	ReasonNoEvidence = "no_evidence"
	ReasonQueued     = "queued"
)

// Verdict is the three-valued outcome of an attempted action.
type Verdict struct {
	Status VerdictStatus `json:"status"`
	Reason string        `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

// ActionStatus maps the verdict onto a tracer action status.
func (v Verdict) ActionStatus() ActionStatus {
	switch v.Status {
	case VerdictSuccess:
		return ActionSuccess
	case VerdictFailure:
		return ActionFailure
	default:
		return ActionAmbiguous
	}
}

// ── Orchestrator ─────────────────────────────────────────────

// Role names of the orchestrator pipeline.
const (
	RoleCMO      = "cmo"
	RoleCreative = "creative"
	RoleCOO      = "coo"
)

// Directive is the CEO-level instruction that starts one pipeline run.
type Directive struct {
	Instruction string `json:"instruction"`
	Account     string `json:"account,omitempty"`
	Theme       string `json:"theme,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// Candidate is one creative output considered during review.
type Candidate struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Attempt  int     `json:"attempt"`
	Approved bool    `json:"approved"`
	Feedback string  `json:"feedback,omitempty"`
}

// OrchestrationResult is returned by one orchestrate call.
type OrchestrationResult struct {
	ChainID    string      `json:"chainId"`
	Directive  Directive   `json:"directive"`
	Analysis   string      `json:"analysis"`
	Candidates []Candidate `json:"candidates"`
	Best       *Candidate  `json:"best,omitempty"`
	Approved   bool        `json:"approved"`
	Attempts   int         `json:"attempts"`
	SavedIDs   []string    `json:"savedIds,omitempty"`
}

// Insight is one CEO observation stored in orchestrator knowledge.
type Insight struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// ── Publishing ───────────────────────────────────────────────

// PublishOutcome is what one publish flow produced.
type PublishOutcome struct {
	ChainID     string        `json:"chainId"`
	Account     string        `json:"account"`
	Platform    string        `json:"platform"`
	StockItemID string        `json:"stockItemId,omitempty"`
	Generated   bool          `json:"generated"`
	Verdict     Verdict       `json:"verdict"`
	Attempts    int           `json:"attempts"`
	Queued      bool          `json:"queued"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"durationNs"`
}
