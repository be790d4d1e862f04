package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/avolkov/converse/internal/directory"
	"github.com/avolkov/converse/internal/identity"
	"github.com/avolkov/converse/internal/registry"
	"github.com/go-chi/chi/v5"
)

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Put("/{sessionID}/create", h.Create)
		r.Put("/{sessionID}/open", h.Open)
		r.Post("/{sessionID}/rename", h.Rename)
		r.Post("/{sessionID}/invalidate", h.Invalidate)
		r.Get("/{sessionID}/history", h.History)
		r.Delete("/{sessionID}/remove", h.Remove)
	})
}

type createRequest struct {
	SessionName string `json:"session_name"`
}

type renameRequest struct {
	NewSessionName string `json:"new_session_name"`
}

// requireOwnership resolves the caller and rejects the request unless
// the session belongs to them. Every history- or chat-affecting endpoint
// runs through here before touching state.
func (h *SessionHandler) requireOwnership(w http.ResponseWriter, r *http.Request, sessionID string) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	owned, err := h.dir.IsOwned(r.Context(), sessionID, userID)
	if err != nil {
		slog.Error("Ownership check failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "ownership check failed")
		return "", false
	}
	if !owned {
		Error(w, http.StatusForbidden, "session does not belong to caller")
		return "", false
	}
	return userID, true
}

// List returns the caller's sessions, most recently active first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.dir.ListByUser(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, sessions)
}

// Create inserts a new session and opens its execution context.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.SessionName = strings.TrimSpace(req.SessionName)
	if req.SessionName == "" {
		Error(w, http.StatusBadRequest, "session_name is required")
		return
	}

	created, err := h.dir.Create(r.Context(), userID, sessionID, req.SessionName)
	if err != nil {
		slog.Error("Failed to create session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	if !created {
		Error(w, http.StatusBadRequest, "session already exists")
		return
	}

	if _, err := h.reg.Open(r.Context(), userID, sessionID); err != nil {
		slog.Warn("Failed to open session after create", "session_id", sessionID, "error", err)
	}
	Message(w, http.StatusCreated, "session created")
}

// Open materializes the execution context for an existing session.
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID, ok := h.requireOwnership(w, r, sessionID)
	if !ok {
		return
	}

	result, err := h.reg.Open(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to open session", "session_id", sessionID, "error", err)
		Error(w, http.StatusBadGateway, "failed to open session")
		return
	}

	switch result {
	case registry.CreatedNew:
		Message(w, http.StatusCreated, "session opened")
	case registry.AlreadyOpen:
		Message(w, http.StatusOK, "session already open")
	default:
		Error(w, http.StatusNotFound, "session does not exist")
	}
}

// Rename changes a session's display name.
func (h *SessionHandler) Rename(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := h.requireOwnership(w, r, sessionID); !ok {
		return
	}

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.NewSessionName = strings.TrimSpace(req.NewSessionName)
	if req.NewSessionName == "" {
		Error(w, http.StatusBadRequest, "new_session_name is required")
		return
	}

	result, err := h.dir.Rename(r.Context(), sessionID, req.NewSessionName)
	if err != nil {
		slog.Error("Failed to rename session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to rename session")
		return
	}

	switch result {
	case directory.Renamed:
		Message(w, http.StatusOK, "session renamed")
	case directory.NotFound:
		Error(w, http.StatusNotFound, "session does not exist")
	default:
		Error(w, http.StatusBadRequest, "session already has that name")
	}
}

// Invalidate releases a session's execution context, keeping the record.
func (h *SessionHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := h.requireOwnership(w, r, sessionID); !ok {
		return
	}

	if h.reg.Invalidate(sessionID) {
		Message(w, http.StatusOK, "session invalidated")
		return
	}
	Error(w, http.StatusNotFound, "session is not open")
}

// History returns the paired question/answer view of a session.
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := h.requireOwnership(w, r, sessionID); !ok {
		return
	}

	hist, err := h.hist.History(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load history", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, hist)
}

// Remove tears down a session's context and deletes its record and history.
func (h *SessionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID, ok := h.requireOwnership(w, r, sessionID)
	if !ok {
		return
	}

	result, err := h.reg.Remove(r.Context(), sessionID, userID)
	if err != nil {
		if errors.Is(err, registry.ErrConsistency) {
			slog.Error("Session removal left diverged state", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "session removal incomplete")
			return
		}
		slog.Error("Failed to remove session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to remove session")
		return
	}

	if result == registry.Removed {
		Message(w, http.StatusOK, "session removed")
		return
	}
	Error(w, http.StatusNotFound, "session does not exist")
}
