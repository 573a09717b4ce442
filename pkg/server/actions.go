package server

import (
	"context"
	"fmt"

	"github.com/agentoven/postpilot/internal/orchestrator"
	"github.com/agentoven/postpilot/internal/react"
	"github.com/agentoven/postpilot/pkg/models"
)

// reactActions binds the loop's action kinds to the components that carry
// them out. Target is an account, or "" for the queue sweep.
func (s *Server) reactActions() map[string]react.ActionFunc {
	return map[string]react.ActionFunc{
		react.ActionRefill:      s.refillAction,
		react.ActionPublish:     s.publishAction,
		react.ActionSweep:       s.sweepAction,
		react.ActionOrchestrate: s.orchestrateAction,
	}
}

func (s *Server) refillAction(ctx context.Context, account string) (models.Verdict, error) {
	res, err := s.Stock.RefillStock(ctx, account)
	if err != nil {
		return models.Verdict{}, err
	}
	if res.Added == 0 && res.Failed > 0 {
		return models.Verdict{
			Status: models.VerdictFailure,
			Reason: models.ReasonRejected,
			Detail: fmt.Sprintf("%d generations failed", res.Failed),
		}, nil
	}
	return models.Verdict{Status: models.VerdictSuccess, Reason: models.ReasonOK,
		Detail: fmt.Sprintf("added %d", res.Added)}, nil
}

func (s *Server) publishAction(ctx context.Context, account string) (models.Verdict, error) {
	out, err := s.Publisher.Publish(ctx, account, "", "react:auto-post")
	if err != nil {
		return models.Verdict{}, err
	}
	if out.Queued {
		// The failed queue owns the retry; a loop retry would claim another item.
		return models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonQueued,
			Detail: out.Verdict.Reason}, nil
	}
	return out.Verdict, nil
}

func (s *Server) sweepAction(ctx context.Context, _ string) (models.Verdict, error) {
	res, err := s.Sweeper.RunOnce(ctx)
	if err != nil {
		return models.Verdict{}, err
	}
	if res.Due > 0 && res.Succeeded == 0 {
		return models.Verdict{
			Status: models.VerdictFailure,
			Reason: models.ReasonRejected,
			Detail: fmt.Sprintf("%d due, none succeeded", res.Due),
		}, nil
	}
	return models.Verdict{Status: models.VerdictSuccess, Reason: models.ReasonOK}, nil
}

func (s *Server) orchestrateAction(ctx context.Context, account string) (models.Verdict, error) {
	res, err := s.Orchestrator.Orchestrate(ctx, models.Directive{
		Instruction: "Write a fresh post for " + account + " in its usual voice.",
		Account:     account,
	}, orchestrator.Options{AutoSave: true})
	if err != nil {
		return models.Verdict{}, err
	}
	if !res.Approved {
		return models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonRejected,
			Detail: "no candidate approved"}, nil
	}
	return models.Verdict{Status: models.VerdictSuccess, Reason: models.ReasonOK}, nil
}
