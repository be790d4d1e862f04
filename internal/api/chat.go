package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/avolkov/converse/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// ChatHandler streams answers over SSE and WebSocket.
type ChatHandler struct {
	*Handler
	allowedOrigin string
	isDev         bool
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler, allowedOrigin string, isDev bool) *ChatHandler {
	return &ChatHandler{Handler: base, allowedOrigin: allowedOrigin, isDev: isDev}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/ask", h.Ask)
}

// Ask streams one answer as server-sent events: a sources event first,
// then completion deltas, then a final event with the stored answer id.
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	question := strings.TrimSpace(r.URL.Query().Get("question"))
	if sessionID == "" || question == "" {
		Error(w, http.StatusBadRequest, "session_id and question are required")
		return
	}

	owned, err := h.dir.IsOwned(r.Context(), sessionID, userID)
	if err != nil {
		slog.Error("Ownership check failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "ownership check failed")
		return
	}
	if !owned {
		Error(w, http.StatusForbidden, "session does not belong to caller")
		return
	}

	execCtx := h.reg.Get(sessionID)
	if execCtx == nil {
		Error(w, http.StatusNotFound, "no open session with that id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk, err := range execCtx.Ask(r.Context(), question) {
		if err != nil {
			slog.Error("Chat stream failed", "session_id", sessionID, "error", err)
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", "answer generation failed")
			flusher.Flush()
			return
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			slog.Error("Failed to encode chunk", "session_id", sessionID, "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

type wsQuestion struct {
	Question string `json:"question"`
}

// ServeWS answers questions over a WebSocket connection. Each inbound
// text message is a question; chunks stream back as JSON messages.
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	slog.Info("Chat WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	owned, err := h.dir.IsOwned(r.Context(), sessionID, userID)
	if err != nil || !owned {
		http.Error(w, "session does not belong to caller", http.StatusForbidden)
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.isDev {
		opts.InsecureSkipVerify = true
	} else if h.allowedOrigin != "" {
		opts.OriginPatterns = []string{h.allowedOrigin}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("Chat WebSocket closed", "session_id", sessionID, "error", err)
			return
		}

		var q wsQuestion
		if err := json.Unmarshal(data, &q); err != nil || strings.TrimSpace(q.Question) == "" {
			if writeErr := writeWS(ctx, conn, map[string]string{"error": "invalid question"}); writeErr != nil {
				return
			}
			continue
		}

		execCtx := h.reg.Get(sessionID)
		if execCtx == nil {
			if writeErr := writeWS(ctx, conn, map[string]string{"error": "no open session with that id"}); writeErr != nil {
				return
			}
			continue
		}

		for chunk, err := range execCtx.Ask(ctx, q.Question) {
			if err != nil {
				slog.Error("Chat stream failed", "session_id", sessionID, "error", err)
				if writeErr := writeWS(ctx, conn, map[string]string{"error": "answer generation failed"}); writeErr != nil {
					return
				}
				break
			}
			if writeErr := writeWS(ctx, conn, chunk); writeErr != nil {
				slog.Debug("Chat WebSocket write failed", "session_id", sessionID, "error", writeErr)
				return
			}
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode websocket message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
