// Package api provides HTTP handlers for the sqlsight API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sqlsight/internal/chart"
	"github.com/ashureev/sqlsight/internal/identity"
	"github.com/ashureev/sqlsight/internal/session"
	"github.com/ashureev/sqlsight/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// Pinger is a dependency whose reachability is reported by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler serves the JSON API.
type Handler struct {
	repo     store.Repository
	sessions *session.Manager
	checks   map[string]Pinger
	agents   []string
}

// NewHandler creates a Handler. checks name the dependencies probed by
// /api/health; agents lists the agent names reported by /api/config.
func NewHandler(repo store.Repository, sessions *session.Manager, checks map[string]Pinger, agents []string) *Handler {
	return &Handler{repo: repo, sessions: sessions, checks: checks, agents: agents}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}/messages", h.ListMessages)
	})
}

// Health reports the status of the API and every registered dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{
		"status":          status,
		"checks":          checks,
		"active_sessions": h.sessions.Count(),
	})
}

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	username := user.Username
	if username == "" {
		username = identity.UsernameFromContext(r.Context())
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         user.UserID,
		"username":        username,
		"session_id":      identity.SessionIDFromContext(r.Context()),
		"active_sessions": h.sessions.CountUser(userID),
	})
}

// GetConfig returns what the frontend needs to know about the server.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	kinds := chart.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k.Kind)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"ws_path":     "/ws",
		"agents":      h.agents,
		"chart_kinds": names,
	})
}

// ListConversations returns the caller's stored conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list conversations", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	out := make([]map[string]interface{}, 0, len(convs))
	for _, c := range convs {
		out = append(out, map[string]interface{}{
			"id":         c.ID,
			"created_at": c.CreatedAt.UTC(),
			"updated_at": c.UpdatedAt.UTC(),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": out})
}

// ListMessages returns the transcript of one of the caller's conversations.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "id")

	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list conversations", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	owned := false
	for _, c := range convs {
		if c.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), id)
	if err != nil {
		slog.Error("Failed to list messages", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	out := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Message)
	}
	JSON(w, http.StatusOK, map[string]interface{}{"id": id, "messages": out})
}

// ChartsHandler serves rendered PNG charts from dir under /charts/.
// Directory listings and non-PNG files are not served.
func ChartsHandler(dir string) http.Handler {
	fileServer := http.StripPrefix("/charts/", http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/charts/")
		if name == "" || strings.Contains(name, "/") || !strings.EqualFold(filepath.Ext(name), ".png") {
			http.NotFound(w, r)
			return
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		fileServer.ServeHTTP(w, r)
	})
}
