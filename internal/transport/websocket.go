// Package transport serves chat sessions over WebSocket.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/sqlsight/internal/identity"
	"github.com/ashureev/sqlsight/internal/observability"
	"github.com/ashureev/sqlsight/internal/session"
)

// RateLimitMessage is sent when a user exceeds the message rate limit.
const RateLimitMessage = "Rate limit exceeded. Please wait a moment before sending another message."

// LastSeenUpdater records user activity.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Config configures a WebSocketHandler.
type Config struct {
	AllowedOrigin string
	IsDev         bool
	Limiter       *RateLimiter
	Users         LastSeenUpdater
	Store         session.Persister
	Log           session.ConversationLogger
	Metrics       *observability.Metrics
}

// WebSocketHandler runs one chat session per connection.
type WebSocketHandler struct {
	coord session.Runner
	sm    *session.Manager
	cfg   Config
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(coord session.Runner, sm *session.Manager, cfg Config) *WebSocketHandler {
	return &WebSocketHandler{coord: coord, sm: sm, cfg: cfg}
}

// inboundMessage is the JSON form of a client frame. Plain text frames are
// treated as message content.
type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		userID = "ip:" + identity.IPFromRequest(r)
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	sessionID := uuid.NewString()
	slog.Info("WebSocket connected",
		"user_id", userID,
		"username", identity.UsernameFromContext(r.Context()),
		"session_id", sessionID,
		"tab_id", identity.SessionIDFromContext(r.Context()),
		"ip", identity.IPFromRequest(r))

	writer := NewWriter(ws)
	s := session.New(sessionID, h.coord, writer, session.Options{
		UserID:  userID,
		Store:   h.cfg.Store,
		Log:     h.cfg.Log,
		Metrics: h.cfg.Metrics,
	})
	h.sm.Register(s)
	defer h.sm.Unregister(s)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbox := make(chan string)
	served := make(chan struct{})
	go func() {
		defer close(served)
		s.Serve(ctx, inbox)
	}()

	h.readLoop(ctx, ws, writer, s, inbox, served, userID, sessionID)
	cancel()
	<-served
	slog.Info("WebSocket session ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

// readLoop feeds client messages to the session until the client goes away
// or the session stops serving.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, writer *Writer, s *session.Session, inbox chan<- string, served <-chan struct{}, userID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed", "user_id", userID, "session_id", sessionID)
			} else {
				slog.Debug("WebSocket read error", "error", err, "user_id", userID, "session_id", sessionID)
			}
			return
		}

		kind, text := parseInbound(data)
		switch kind {
		case "ping":
			if err := writer.WriteJSON(ctx, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
			continue
		case "message":
		default:
			slog.Debug("Ignoring unknown frame", "session_id", sessionID, "type", kind)
			continue
		}
		if text == "" {
			continue
		}

		// A reply to a pending handoff is part of the running turn and is
		// never throttled.
		if h.cfg.Limiter != nil && !s.AwaitingReply() && !h.cfg.Limiter.Allow(userID) {
			h.cfg.Metrics.MessageRateLimited()
			slog.Info("Message rate limited", "user_id", userID, "session_id", sessionID)
			if err := s.Reject(ctx, RateLimitMessage); err != nil {
				return
			}
			continue
		}

		select {
		case inbox <- text:
		case <-served:
			return
		case <-ctx.Done():
			return
		}
		h.touch(userID)
	}
}

func (h *WebSocketHandler) touch(userID string) {
	if h.cfg.Users == nil {
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.cfg.Users.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()
}

// parseInbound classifies a client frame. Anything that is not a JSON object
// with a type is raw user text.
func parseInbound(data []byte) (kind, text string) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var msg inboundMessage
		if err := json.Unmarshal(trimmed, &msg); err == nil && msg.Type != "" {
			return msg.Type, strings.TrimSpace(msg.Content)
		}
	}
	return "message", string(trimmed)
}
