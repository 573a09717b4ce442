package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentoven/postpilot/internal/orchestrator"
	"github.com/agentoven/postpilot/pkg/models"
)

type orchestrateRequest struct {
	// Directive is either a directive object or a bare instruction string.
	Directive  json.RawMessage `json:"directive"`
	Account    string          `json:"account"`
	Theme      string          `json:"theme"`
	Count      int             `json:"count"`
	MaxRetries *int            `json:"maxRetries"`
	AutoSave   bool            `json:"autoSave"`
	Insight    string          `json:"insight"`
	Agent      string          `json:"agent"`
	Command    string          `json:"command"`
	Context    string          `json:"context"`
}

func (req orchestrateRequest) directive() (models.Directive, error) {
	var d models.Directive
	if len(req.Directive) > 0 {
		var text string
		if err := json.Unmarshal(req.Directive, &text); err == nil {
			d.Instruction = text
		} else if err := json.Unmarshal(req.Directive, &d); err != nil {
			return d, err
		}
	}
	if d.Account == "" {
		d.Account = req.Account
	}
	if d.Theme == "" {
		d.Theme = req.Theme
	}
	if d.Count == 0 {
		d.Count = req.Count
	}
	return d, nil
}

// GetOrchestrate lists the learned insights.
func (h *Handlers) GetOrchestrate(w http.ResponseWriter, r *http.Request) {
	insights := h.Orchestrator.Knowledge().List()
	if insights == nil {
		insights = []models.Insight{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"roles":    []string{models.RoleCMO, models.RoleCreative, models.RoleCOO},
		"insights": insights,
	})
}

// PostOrchestrate dispatches execute|learn|direct|cmo|creative|coo.
func (h *Handlers) PostOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	action, err := readAction(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch action {
	case "execute":
		d, err := req.directive()
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid directive")
			return
		}
		res, err := h.Orchestrator.Orchestrate(r.Context(), d, orchestrator.Options{
			MaxRetries: req.MaxRetries,
			AutoSave:   req.AutoSave,
		})
		if err != nil {
			if res == nil || isValidation(err) {
				respondErr(w, r, err)
				return
			}
			respondJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":  err.Error(),
				"result": res,
			})
			return
		}
		respondJSON(w, http.StatusOK, res)

	case "learn":
		in, err := h.Orchestrator.LearnFromCEO(req.Insight)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, in)

	case "direct", models.RoleCMO, models.RoleCreative, models.RoleCOO:
		agent := req.Agent
		if action != "direct" {
			agent = action
		}
		if agent == "" {
			respondError(w, http.StatusBadRequest, "agent is required")
			return
		}
		resp, err := h.Orchestrator.DirectCommand(r.Context(), agent, req.Command, req.Context)
		if err != nil {
			if isValidation(err) || errors.Is(err, orchestrator.ErrUnknownRole) {
				respondErr(w, r, err)
				return
			}
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"agent":    agent,
			"response": resp,
		})

	default:
		respondUnknownAction(w, action)
	}
}
