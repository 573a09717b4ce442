package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// CronAuth guards scheduler-triggered endpoints with a shared secret.
//
// When a secret is configured (CRON_SECRET), every request outside the
// public paths must carry:
//   - Authorization: Bearer <secret>
//
// The following paths are always public:
//   - /health
//   - /version
//
// With no secret configured the check is skipped entirely (development mode).
type CronAuth struct {
	secret []byte
}

// NewCronAuth creates the middleware. An empty secret disables it.
func NewCronAuth(secret string) *CronAuth {
	return &CronAuth{secret: []byte(strings.TrimSpace(secret))}
}

// Enabled returns whether cron auth is active.
func (a *CronAuth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware returns an http.Handler middleware that enforces the secret.
func (a *CronAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearer(r)
		if token == "" {
			respondUnauthorized(w, "Authorization: Bearer <CRON_SECRET> required.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), a.secret) != 1 {
			respondUnauthorized(w, "Invalid cron secret.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="postpilot"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
