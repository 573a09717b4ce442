package handlers

import (
	"net/http"

	"github.com/agentoven/postpilot/pkg/models"
)

type failedQueueRequest struct {
	ID string `json:"id"`
}

// GetFailedQueue lists queued operations; ?due=true limits to those due now.
func (h *Handlers) GetFailedQueue(w http.ResponseWriter, r *http.Request) {
	var (
		ops []models.FailedOperation
		err error
	)
	if r.URL.Query().Get("due") == "true" {
		ops, err = h.Queue.GetRetryablePosts(r.Context())
	} else {
		ops, err = h.Queue.List(r.Context())
	}
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if ops == nil {
		ops = []models.FailedOperation{}
	}
	respondJSON(w, http.StatusOK, ops)
}

// PostFailedQueue dispatches sweep|remove.
func (h *Handlers) PostFailedQueue(w http.ResponseWriter, r *http.Request) {
	var req failedQueueRequest
	action, err := readAction(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch action {
	case "sweep":
		res, err := h.Sweeper.RunOnce(r.Context())
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, res)

	case "remove":
		if req.ID == "" {
			respondError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := h.Queue.Remove(r.Context(), req.ID); err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"removed": true})

	default:
		respondUnknownAction(w, action)
	}
}
