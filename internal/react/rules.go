package react

import (
	"fmt"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Action kinds the loop knows how to execute.
const (
	ActionRefill      = "refill"
	ActionPublish     = "publish"
	ActionSweep       = "sweep"
	ActionOrchestrate = "orchestrate"
)

// DefaultRules are used when the config carries none.
var DefaultRules = []config.ReactRule{
	{Name: "refill-low-stock", Expr: "len(low) > 0", Action: ActionRefill, Confidence: 0.9},
	{Name: "sweep-due-failures", Expr: "due > 0", Action: ActionSweep, Confidence: 0.8},
	{Name: "publish-toward-goal", Expr: "goal.remaining > 0 && stock_total > 0", Action: ActionPublish, Confidence: 0.7},
	{Name: "orchestrate-when-empty", Expr: "goal.remaining > 0 && stock_total == 0", Action: ActionOrchestrate, Confidence: 0.5},
}

// Env is what rule expressions see.
type Env struct {
	Stock        map[string]int `expr:"stock"`
	Low          []string       `expr:"low"`
	StockTotal   int            `expr:"stock_total"`
	Failures     int            `expr:"failures"`
	Due          int            `expr:"due"`
	RecentErrors int            `expr:"recent_errors"`
	Goal         GoalEnv        `expr:"goal"`
	Hour         int            `expr:"hour"`
}

// GoalEnv is the aggregated daily-goal progress.
type GoalEnv struct {
	Target    int `expr:"target"`
	Done      int `expr:"done"`
	Remaining int `expr:"remaining"`
}

type compiledRule struct {
	config.ReactRule
	program *vm.Program
}

// compileRules type-checks every rule against Env.
func compileRules(rules []config.ReactRule) ([]compiledRule, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		switch r.Action {
		case ActionRefill, ActionPublish, ActionSweep, ActionOrchestrate:
		default:
			return nil, fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("rule %q: confidence %v outside [0,1]", r.Name, r.Confidence)
		}
		program, err := expr.Compile(r.Expr, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		out = append(out, compiledRule{ReactRule: r, program: program})
	}
	return out, nil
}

func (r compiledRule) matches(env Env) (bool, error) {
	v, err := expr.Run(r.program, env)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}
