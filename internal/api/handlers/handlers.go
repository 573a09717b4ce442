// Package handlers implements the HTTP handlers for the postpilot control
// plane. Every endpoint takes a JSON body with an "action" discriminator
// on POST and a read-only view on GET.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/orchestrator"
	"github.com/agentoven/postpilot/internal/publisher"
	"github.com/agentoven/postpilot/internal/react"
	"github.com/agentoven/postpilot/internal/retry"
	"github.com/agentoven/postpilot/internal/sessions"
	"github.com/agentoven/postpilot/internal/stock"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/internal/tracer"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Bus          *eventbus.Bus
	Tracer       *tracer.Tracer
	Sessions     *sessions.Manager
	Stock        *stock.Manager
	Queue        *retry.FailedQueue
	Sweeper      *retry.Sweeper
	Publisher    *publisher.Service
	Orchestrator *orchestrator.Orchestrator
	React        *react.Loop
}

// actionRequest is the common envelope of POST bodies.
type actionRequest struct {
	Action string `json:"action"`
}

// readAction decodes the body twice: once for the action, once into v.
func readAction(r *http.Request, v interface{}) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", nil
	}
	var env actionRequest
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			return "", err
		}
	}
	return env.Action, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondUnknownAction(w http.ResponseWriter, action string) {
	if action == "" {
		respondError(w, http.StatusBadRequest, "action is required")
		return
	}
	respondError(w, http.StatusBadRequest, "unknown action: "+action)
}

// respondErr maps component errors onto status codes. Anything unexpected
// is logged in full and reported generically.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isValidation(err),
		errors.Is(err, tracer.ErrUnknownParent),
		errors.Is(err, orchestrator.ErrUnknownRole),
		errors.Is(err, eventbus.ErrInvalidEvent):
		respondError(w, http.StatusBadRequest, err.Error())
	case store.IsNotFound(err), errors.Is(err, tracer.ErrChainNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracer.ErrChainEnded),
		errors.Is(err, stock.ErrStockFull),
		errors.Is(err, react.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func isValidation(err error) bool {
	var (
		te *tracer.ValidationError
		se *sessions.ValidationError
		ke *stock.ValidationError
		oe *orchestrator.ValidationError
		pe *publisher.ValidationError
	)
	return errors.As(err, &te) || errors.As(err, &se) || errors.As(err, &ke) ||
		errors.As(err, &oe) || errors.As(err, &pe)
}
