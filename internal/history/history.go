// Package history owns the append-only message log per session and its
// derived views: the raw ordered message list used to seed conversational
// memory and the paired question/answer view served to clients.
package history

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"

	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/scoring"
	"github.com/avolkov/converse/internal/store"
)

// Store provides message persistence and feedback handling for sessions.
type Store struct {
	repo   store.Repository
	scores scoring.Reporter
}

// New creates a history store. A nil reporter disables score fan-out.
func New(repo store.Repository, scores scoring.Reporter) *Store {
	if scores == nil {
		scores = scoring.Nop{}
	}
	return &Store{repo: repo, scores: scores}
}

// Append adds a message to a session's history and returns its id.
func (s *Store) Append(ctx context.Context, sessionID string, actor domain.Actor, content string) (int64, error) {
	id, err := s.repo.AppendMessage(ctx, sessionID, actor, content)
	if err != nil {
		return 0, fmt.Errorf("append %s message to %s: %w", actor, sessionID, err)
	}
	return id, nil
}

// AttachSources overwrites the source attribution of an AI message.
func (s *Store) AttachSources(ctx context.Context, messageID int64, sessionID string, sources []string) error {
	if err := s.repo.UpdateMessageSources(ctx, messageID, sessionID, sources); err != nil {
		return fmt.Errorf("attach sources to message %d: %w", messageID, err)
	}
	return nil
}

// SetFeedback sets or clears feedback on an AI message. Feedback is
// answer-only: a missing message or a human one reports false. On
// success the numeric score is handed to the scoring collaborator
// without waiting for delivery.
func (s *Store) SetFeedback(ctx context.Context, messageID int64, sessionID string, feedback *domain.Feedback) (bool, error) {
	updated, err := s.repo.UpdateMessageFeedback(ctx, messageID, sessionID, feedback)
	if err != nil {
		return false, fmt.Errorf("update feedback on message %d: %w", messageID, err)
	}
	if !updated {
		slog.Warn("Feedback not applicable", "message_id", messageID, "session_id", sessionID)
		return false, nil
	}

	s.scores.Report(strconv.FormatInt(messageID, 10), feedback.Score())
	slog.Info("Feedback recorded", "message_id", messageID, "session_id", sessionID)
	return true, nil
}

// Messages retrieves a session's messages ascending by id.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	return s.repo.ListMessages(ctx, sessionID)
}

// Paired returns a lazy, restartable sequence of question/answer pairs,
// grouping messages two at a time in id order. A trailing unpaired
// message is dropped. The query runs once per iteration so the sequence
// can be ranged over repeatedly.
func (s *Store) Paired(ctx context.Context, sessionID string) iter.Seq2[domain.QA, error] {
	return func(yield func(domain.QA, error) bool) {
		messages, err := s.repo.ListMessages(ctx, sessionID)
		if err != nil {
			yield(domain.QA{}, fmt.Errorf("list messages for %s: %w", sessionID, err))
			return
		}
		for i := 0; i+1 < len(messages); i += 2 {
			question, answer := messages[i], messages[i+1]
			qa := domain.QA{
				Question: domain.Question{Content: question.Content},
				Answer: domain.Answer{
					ID:       answer.ID,
					Content:  answer.Content,
					Feedback: answer.Feedback,
					Sources:  answer.Sources,
				},
			}
			if qa.Answer.Sources == nil {
				qa.Answer.Sources = []string{}
			}
			if !yield(qa, nil) {
				return
			}
		}
	}
}

// History collects the paired view into the response shape.
func (s *Store) History(ctx context.Context, sessionID string) (*domain.History, error) {
	history := &domain.History{Messages: []domain.QA{}}
	for qa, err := range s.Paired(ctx, sessionID) {
		if err != nil {
			return nil, err
		}
		history.Messages = append(history.Messages, qa)
	}
	return history, nil
}

// Clear deletes all messages for a session, including their sources and
// feedback. Used by session removal.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	removed, err := s.repo.ClearMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("clear history for %s: %w", sessionID, err)
	}
	slog.Info("History cleared", "session_id", sessionID, "messages_removed", removed)
	return nil
}
