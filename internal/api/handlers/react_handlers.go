package handlers

import (
	"errors"
	"net/http"

	"github.com/agentoven/postpilot/internal/react"
)

type reactRequest struct {
	Config *react.Settings `json:"config"`
}

// GetReactLoop returns the loop status.
func (h *Handlers) GetReactLoop(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.React.GetStatus())
}

// PostReactLoop dispatches start|stop|reset|status|tick.
func (h *Handlers) PostReactLoop(w http.ResponseWriter, r *http.Request) {
	var req reactRequest
	action, err := readAction(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch action {
	case "start":
		if err := h.React.Start(req.Config); err != nil {
			if errors.Is(err, react.ErrAlreadyRunning) {
				respondErr(w, r, err)
				return
			}
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, h.React.GetStatus())

	case "stop":
		stopped := h.React.Stop()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"stopped": stopped,
			"status":  h.React.GetStatus(),
		})

	case "reset":
		h.React.Reset()
		respondJSON(w, http.StatusOK, h.React.GetStatus())

	case "status":
		respondJSON(w, http.StatusOK, h.React.GetStatus())

	case "tick":
		rep, err := h.React.RunOnce(r.Context())
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, rep)

	default:
		respondUnknownAction(w, action)
	}
}
