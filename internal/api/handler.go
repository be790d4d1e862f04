// Package api provides HTTP handlers for the Converse API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/avolkov/converse/internal/directory"
	"github.com/avolkov/converse/internal/history"
	"github.com/avolkov/converse/internal/job"
	"github.com/avolkov/converse/internal/registry"
	"github.com/avolkov/converse/internal/store"
	"github.com/avolkov/converse/internal/user"
)

// Handler provides common handler utilities and shared dependencies.
type Handler struct {
	repo  store.Repository
	dir   *directory.Directory
	hist  *history.Store
	reg   *registry.Registry
	users *user.Service
	jobs  *job.Scheduler
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, dir *directory.Directory, hist *history.Store, reg *registry.Registry, users *user.Service, jobs *job.Scheduler) *Handler {
	return &Handler{
		repo:  repo,
		dir:   dir,
		hist:  hist,
		reg:   reg,
		users: users,
		jobs:  jobs,
	}
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

// Message writes a JSON message response.
func Message(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"message": message})
}
