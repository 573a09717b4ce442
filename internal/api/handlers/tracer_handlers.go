package handlers

import (
	"net/http"

	"github.com/agentoven/postpilot/internal/tracer"
	"github.com/agentoven/postpilot/pkg/models"
)

type tracerRequest struct {
	ChainID  string                 `json:"chainId"`
	EventID  string                 `json:"eventId"`
	ParentID string                 `json:"parentId"`
	Trigger  string                 `json:"trigger"`
	Agent    string                 `json:"agent"`
	Name     string                 `json:"name"`
	Status   models.ActionStatus    `json:"status"`
	Result   interface{}            `json:"result"`
	Summary  string                 `json:"summary"`
	Data     map[string]interface{} `json:"data"`
}

// GetTracer serves ?type=chain|active|stats|chains.
func (h *Handlers) GetTracer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch view := q.Get("type"); view {
	case "chain":
		id := q.Get("chainId")
		if id == "" {
			respondError(w, http.StatusBadRequest, "chainId is required")
			return
		}
		c, ok := h.Tracer.GetChain(id)
		if !ok {
			respondError(w, http.StatusNotFound, "chain not found")
			return
		}
		respondJSON(w, http.StatusOK, c)

	case "active":
		respondJSON(w, http.StatusOK, h.Tracer.GetActiveChains())

	case "", "stats":
		respondJSON(w, http.StatusOK, h.Tracer.GetStats())

	case "chains":
		respondJSON(w, http.StatusOK, h.Tracer.GetAllChains(queryInt(r, "limit", 50)))

	default:
		respondError(w, http.StatusBadRequest, "unknown type: "+view)
	}
}

// PostTracer dispatches start|action|result|end|clear.
func (h *Handlers) PostTracer(w http.ResponseWriter, r *http.Request) {
	var req tracerRequest
	action, err := readAction(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch action {
	case "start":
		id, err := h.Tracer.StartChain(req.Trigger, req.Agent, req.Data)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, map[string]string{"chainId": id})

	case "action":
		id, err := h.Tracer.AddAction(req.ChainID, req.Name, req.Agent, req.ParentID, req.Data)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, map[string]string{"chainId": req.ChainID, "eventId": id})

	case "result":
		if !req.Status.Valid() {
			respondError(w, http.StatusBadRequest, "status must be pending, success, failure or ambiguous")
			return
		}
		if !h.Tracer.AddResult(req.ChainID, req.EventID, req.Status, req.Result) {
			respondError(w, http.StatusNotFound, "chain or action not found")
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"recorded": true})

	case "end":
		if !h.Tracer.EndChain(req.ChainID, req.Summary) {
			if _, ok := h.Tracer.GetChain(req.ChainID); ok {
				respondErr(w, r, tracer.ErrChainEnded)
				return
			}
			respondError(w, http.StatusNotFound, "chain not found")
			return
		}
		c, _ := h.Tracer.GetChain(req.ChainID)
		respondJSON(w, http.StatusOK, c)

	case "clear":
		respondJSON(w, http.StatusOK, map[string]int{"cleared": h.Tracer.Clear()})

	default:
		respondUnknownAction(w, action)
	}
}
