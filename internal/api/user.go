package api

import (
	"log/slog"
	"net/http"

	"github.com/avolkov/converse/internal/identity"
	"github.com/go-chi/chi/v5"
)

// UserHandler exposes login, logout and the initial data load.
type UserHandler struct {
	*Handler
}

// NewUserHandler creates a user handler.
func NewUserHandler(base *Handler) *UserHandler {
	return &UserHandler{Handler: base}
}

// RegisterRoutes registers user routes.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/load", h.Load)
	r.Post("/api/login", h.Login)
	r.Post("/api/logout", h.Logout)
}

// Load logs the user in and returns their sessions with histories. A
// second load while logged in returns 200 with no body payload, which
// the client treats as "already loaded".
func (h *UserHandler) Load(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	resp, err := h.users.Load(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load user data", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user data")
		return
	}
	if resp == nil {
		Message(w, http.StatusOK, "already logged in")
		return
	}

	JSON(w, http.StatusOK, resp)
}

// Login marks the user as logged in without loading data.
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	if !h.users.Login(userID) {
		Message(w, http.StatusOK, "already logged in")
		return
	}
	Message(w, http.StatusCreated, "logged in")
}

// Logout closes every open session for the user and clears the login.
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	if !h.users.Logout(userID) {
		Error(w, http.StatusNotFound, "not logged in")
		return
	}
	Message(w, http.StatusOK, "logged out")
}
