package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentoven/postpilot/internal/api/handlers"
	"github.com/agentoven/postpilot/internal/api/middleware"
	"github.com/agentoven/postpilot/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"
)

// Per-request wall-clock limits.
var (
	defaultTimeout = 30 * time.Second
	longTimeout    = 5 * time.Minute
)

// NewRouter creates the HTTP router with all API routes. mcpSrv may be nil.
func NewRouter(cfg *config.Config, h *handlers.Handlers, mcpSrv *server.MCPServer) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "Mcp-Session-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-Trace-Id", "Mcp-Session-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewCronAuth(cfg.Auth.CronSecret).Middleware)

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(defaultTimeout))

			r.Get("/events", h.GetEvents)
			r.Post("/events", h.PostEvents)

			r.Get("/react-loop", h.GetReactLoop)

			r.Get("/tracer", h.GetTracer)
			r.Post("/tracer", h.PostTracer)

			r.Get("/session", h.GetSessions)
			r.Post("/session", h.PostSession)

			r.Get("/dm-hunter/stock", h.GetStock)
			r.Get("/agent/orchestrate", h.GetOrchestrate)
			r.Get("/failed-queue", h.GetFailedQueue)
		})

		// Generation, publishing, sweeps and ReAct ticks call external collaborators.
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(longTimeout))

			r.Post("/react-loop", h.PostReactLoop)
			r.Post("/dm-hunter/stock", h.PostStock)
			r.Post("/agent/orchestrate", h.PostOrchestrate)
			r.Post("/failed-queue", h.PostFailedQueue)
		})
	})

	if mcpSrv != nil {
		r.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
	}

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		store := "ok"
		if err := h.Store.Ping(ctx); err != nil {
			status, code, store = "degraded", http.StatusServiceUnavailable, err.Error()
		}
		respondJSON(w, code, map[string]interface{}{
			"status":  status,
			"service": "postpilot",
			"store":   store,
			"react":   h.React.GetStatus().State,
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"version": cfg.Version,
			"service": "postpilot",
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
