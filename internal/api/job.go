package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/avolkov/converse/internal/domain"
	"github.com/go-chi/chi/v5"
)

// JobHandler exposes scheduled job management.
type JobHandler struct {
	*Handler
}

// NewJobHandler creates a job handler.
func NewJobHandler(base *Handler) *JobHandler {
	return &JobHandler{Handler: base}
}

// RegisterRoutes registers job routes.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", h.List)
		r.Put("/", h.Schedule)
		r.Delete("/{jobID}", h.Cancel)
	})
}

// List returns all stored jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context())
	if err != nil {
		slog.Error("Failed to list jobs", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*domain.ScheduledJob{}
	}
	JSON(w, http.StatusOK, jobs)
}

type scheduleJobRequest struct {
	Name        string           `json:"name"`
	Type        domain.JobType   `json:"job_type"`
	NextRunTime time.Time        `json:"next_run_time"`
	Config      domain.JobConfig `json:"config"`
}

// Schedule stores a new one-shot job. The job type must have a handler
// registered at startup.
func (h *JobHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Type == "" {
		Error(w, http.StatusBadRequest, "name and job_type are required")
		return
	}
	if req.NextRunTime.IsZero() {
		Error(w, http.StatusBadRequest, "next_run_time is required")
		return
	}

	jobID, err := h.jobs.Schedule(r.Context(), req.Name, req.Type, req.NextRunTime, req.Config)
	if err != nil {
		slog.Warn("Job rejected", "name", req.Name, "job_type", req.Type, "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	JSON(w, http.StatusCreated, map[string]string{"id": jobID})
}

// Cancel removes a job that has not started running.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}

	Message(w, http.StatusOK, "job cancelled")
}
