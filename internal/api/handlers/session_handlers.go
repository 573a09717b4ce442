package handlers

import (
	"net/http"

	"github.com/agentoven/postpilot/pkg/models"
)

type sessionRequest struct {
	Platform    string            `json:"platform"`
	AccountID   string            `json:"accountId"`
	Credentials map[string]string `json:"credentials"`
}

// GetSessions lists stored sessions. Cookie blobs are never returned.
func (h *Handlers) GetSessions(w http.ResponseWriter, r *http.Request) {
	h.listSessions(w, r)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Sessions.ListSessions(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	respondJSON(w, http.StatusOK, list)
}

// PostSession dispatches list|check|invalidate|cleanup|login.
func (h *Handlers) PostSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	action, err := readAction(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch action {
	case "list":
		h.listSessions(w, r)

	case "check":
		if req.Platform == "" || req.AccountID == "" {
			respondError(w, http.StatusBadRequest, "platform and accountId are required")
			return
		}
		respondJSON(w, http.StatusOK, h.Sessions.CheckSession(r.Context(), req.Platform, req.AccountID))

	case "invalidate":
		if req.Platform == "" || req.AccountID == "" {
			respondError(w, http.StatusBadRequest, "platform and accountId are required")
			return
		}
		removed := h.Sessions.InvalidateSession(r.Context(), req.Platform, req.AccountID)
		respondJSON(w, http.StatusOK, map[string]bool{"invalidated": removed})

	case "cleanup":
		n, err := h.Sessions.Cleanup(r.Context())
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]int{"removed": n})

	case "login":
		ok, err := h.Sessions.Login(r.Context(), req.Platform, req.AccountID, req.Credentials)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusUnauthorized
		}
		respondJSON(w, status, map[string]interface{}{
			"success": ok,
			"session": h.Sessions.CheckSession(r.Context(), req.Platform, req.AccountID),
		})

	default:
		respondUnknownAction(w, action)
	}
}
