package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/identity"
	"github.com/go-chi/chi/v5"
)

// FeedbackHandler records user feedback on answers.
type FeedbackHandler struct {
	*Handler
}

// NewFeedbackHandler creates a feedback handler.
func NewFeedbackHandler(base *Handler) *FeedbackHandler {
	return &FeedbackHandler{Handler: base}
}

// RegisterRoutes registers feedback routes.
func (h *FeedbackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/feedback", h.Submit)
}

type feedbackRequest struct {
	SessionID string           `json:"session_id"`
	AnswerID  int64            `json:"answer_id"`
	Feedback  *domain.Feedback `json:"feedback"`
}

// Submit attaches feedback to an answer. Feedback applies to AI
// messages only; targeting a human message is rejected.
func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.AnswerID == 0 {
		Error(w, http.StatusBadRequest, "session_id and answer_id are required")
		return
	}
	if req.Feedback != nil && *req.Feedback != domain.FeedbackPositive && *req.Feedback != domain.FeedbackNegative {
		Error(w, http.StatusBadRequest, "feedback must be positive, negative or null")
		return
	}

	owned, err := h.dir.IsOwned(r.Context(), req.SessionID, userID)
	if err != nil {
		slog.Error("Ownership check failed", "session_id", req.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "ownership check failed")
		return
	}
	if !owned {
		Error(w, http.StatusForbidden, "session does not belong to caller")
		return
	}

	ok, err := h.hist.SetFeedback(r.Context(), req.AnswerID, req.SessionID, req.Feedback)
	if err != nil {
		slog.Error("Failed to store feedback", "answer_id", req.AnswerID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store feedback")
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "no answer with that id")
		return
	}

	Message(w, http.StatusOK, "feedback recorded")
}
