package history

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/store"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports map[string]int
}

func (r *recordingReporter) Report(subjectID string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = make(map[string]int)
	}
	r.reports[subjectID] = score
}

func (r *recordingReporter) scoreFor(subjectID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	score, ok := r.reports[subjectID]
	return score, ok
}

func newTestHistory(t *testing.T) (*Store, *recordingReporter) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	scores := &recordingReporter{}
	return New(repo, scores), scores
}

func appendExchange(t *testing.T, hist *Store, sessionID, question, answer string) int64 {
	t.Helper()
	ctx := context.Background()
	if _, err := hist.Append(ctx, sessionID, domain.ActorHuman, question); err != nil {
		t.Fatalf("Append human failed: %v", err)
	}
	answerID, err := hist.Append(ctx, sessionID, domain.ActorAI, answer)
	if err != nil {
		t.Fatalf("Append AI failed: %v", err)
	}
	return answerID
}

func TestStore_Paired_DropsTrailingUnpaired(t *testing.T) {
	hist, _ := newTestHistory(t)
	ctx := context.Background()

	appendExchange(t, hist, "s1", "q1", "a1")
	appendExchange(t, hist, "s1", "q2", "a2")
	if _, err := hist.Append(ctx, "s1", domain.ActorHuman, "q3 pending"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	result, err := hist.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("Expected 2 pairs, got %d", len(result.Messages))
	}
	if result.Messages[0].Question.Content != "q1" || result.Messages[0].Answer.Content != "a1" {
		t.Errorf("Expected first pair q1/a1, got %+v", result.Messages[0])
	}
	if result.Messages[1].Question.Content != "q2" || result.Messages[1].Answer.Content != "a2" {
		t.Errorf("Expected second pair q2/a2, got %+v", result.Messages[1])
	}
}

func TestStore_Paired_EmptySession(t *testing.T) {
	hist, _ := newTestHistory(t)

	result, err := hist.History(context.Background(), "empty")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if result.Messages == nil {
		t.Fatal("Expected empty slice, not nil")
	}
	if len(result.Messages) != 0 {
		t.Errorf("Expected no pairs, got %d", len(result.Messages))
	}
}

func TestStore_Paired_Restartable(t *testing.T) {
	hist, _ := newTestHistory(t)
	ctx := context.Background()

	appendExchange(t, hist, "s1", "q1", "a1")

	seq := hist.Paired(ctx, "s1")
	for i := 0; i < 2; i++ {
		count := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("Paired yielded error: %v", err)
			}
			count++
		}
		if count != 1 {
			t.Errorf("Expected 1 pair per iteration, got %d", count)
		}
	}
}

func TestStore_Paired_AnswerCarriesSourcesAndFeedback(t *testing.T) {
	hist, _ := newTestHistory(t)
	ctx := context.Background()

	answerID := appendExchange(t, hist, "s1", "q1", "a1")
	if err := hist.AttachSources(ctx, answerID, "s1", []string{"doc-a"}); err != nil {
		t.Fatalf("AttachSources failed: %v", err)
	}
	fb := domain.FeedbackPositive
	if _, err := hist.SetFeedback(ctx, answerID, "s1", &fb); err != nil {
		t.Fatalf("SetFeedback failed: %v", err)
	}

	result, err := hist.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	answer := result.Messages[0].Answer
	if answer.ID != answerID {
		t.Errorf("Expected answer id %d, got %d", answerID, answer.ID)
	}
	if len(answer.Sources) != 1 || answer.Sources[0] != "doc-a" {
		t.Errorf("Expected sources [doc-a], got %v", answer.Sources)
	}
	if answer.Feedback == nil || *answer.Feedback != domain.FeedbackPositive {
		t.Errorf("Expected positive feedback, got %v", answer.Feedback)
	}
}

func TestStore_SetFeedback_ReportsScore(t *testing.T) {
	hist, scores := newTestHistory(t)
	ctx := context.Background()

	answerID := appendExchange(t, hist, "s1", "q", "a")

	fb := domain.FeedbackNegative
	ok, err := hist.SetFeedback(ctx, answerID, "s1", &fb)
	if err != nil {
		t.Fatalf("SetFeedback failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected feedback to apply")
	}

	score, reported := scores.scoreFor(strconv.FormatInt(answerID, 10))
	if !reported {
		t.Fatal("Expected a score report")
	}
	if score != -1 {
		t.Errorf("Expected score -1, got %d", score)
	}

	// Clearing feedback reports zero.
	if _, err := hist.SetFeedback(ctx, answerID, "s1", nil); err != nil {
		t.Fatalf("Clear feedback failed: %v", err)
	}
	score, _ = scores.scoreFor(strconv.FormatInt(answerID, 10))
	if score != 0 {
		t.Errorf("Expected score 0 after clear, got %d", score)
	}
}

func TestStore_SetFeedback_HumanMessageRejected(t *testing.T) {
	hist, scores := newTestHistory(t)
	ctx := context.Background()

	humanID, err := hist.Append(ctx, "s1", domain.ActorHuman, "q")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	fb := domain.FeedbackPositive
	ok, err := hist.SetFeedback(ctx, humanID, "s1", &fb)
	if err != nil {
		t.Fatalf("SetFeedback errored: %v", err)
	}
	if ok {
		t.Error("Expected feedback on human message to report false")
	}
	if _, reported := scores.scoreFor(strconv.FormatInt(humanID, 10)); reported {
		t.Error("Expected no score report for rejected feedback")
	}
}

func TestStore_Clear(t *testing.T) {
	hist, _ := newTestHistory(t)
	ctx := context.Background()

	appendExchange(t, hist, "s1", "q", "a")
	if err := hist.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	messages, err := hist.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected no messages after clear, got %d", len(messages))
	}
}
