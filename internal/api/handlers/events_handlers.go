package handlers

import (
	"net/http"

	"github.com/agentoven/postpilot/pkg/models"
)

type eventsRequest struct {
	Type     string                 `json:"type"`
	Source   string                 `json:"source"`
	Priority models.Priority        `json:"priority"`
	Data     map[string]interface{} `json:"data"`
	Count    int                    `json:"count"`
	Filter   models.EventFilter     `json:"filter"`
}

// GetEvents returns recent events, newest first.
// Query: count (default 50, 0 = all), type, source.
func (h *Handlers) GetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EventFilter{Type: q.Get("type"), Source: q.Get("source")}
	events := h.Bus.GetRecentEvents(queryInt(r, "count", 50), filter)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// PostEvents dispatches emit|recent|stats|clear.
func (h *Handlers) PostEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	action, err := readAction(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch action {
	case "emit":
		if req.Priority != "" && !req.Priority.Valid() {
			respondError(w, http.StatusBadRequest, "priority must be low, normal, high or urgent")
			return
		}
		e, err := h.Bus.Emit(models.Event{
			Type:     req.Type,
			Source:   req.Source,
			Priority: req.Priority,
			Data:     req.Data,
		})
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, e)

	case "recent":
		count := req.Count
		if count == 0 {
			count = 50
		}
		events := h.Bus.GetRecentEvents(count, req.Filter)
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"events": events,
			"count":  len(events),
		})

	case "stats":
		respondJSON(w, http.StatusOK, h.Bus.GetStats())

	case "clear":
		respondJSON(w, http.StatusOK, map[string]int{"cleared": h.Bus.ClearLog()})

	default:
		respondUnknownAction(w, action)
	}
}
