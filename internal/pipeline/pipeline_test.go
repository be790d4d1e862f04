package pipeline

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"strings"
	"testing"

	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/history"
	"github.com/avolkov/converse/internal/store"
)

// scriptedModel yields fixed deltas and records what it was asked.
type scriptedModel struct {
	deltas   []string
	err      error
	lastSeen []ChatMessage
}

func (m *scriptedModel) Stream(_ context.Context, messages []ChatMessage) iter.Seq2[string, error] {
	m.lastSeen = messages
	return func(yield func(string, error) bool) {
		for _, delta := range m.deltas {
			if !yield(delta, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

type permStub struct{ spaces []string }

func (p permStub) ListSpaceIDs(context.Context, string) ([]string, error) {
	return p.spaces, nil
}

func newTestHistory(t *testing.T) *history.Store {
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
	return history.New(repo, nil)
}

func openTestContext(t *testing.T, model Model, retriever Retriever, hist *history.Store) *Context {
	t.Helper()
	factory := NewFactory(model, func([]string) Retriever { return retriever }, hist, permStub{})
	execCtx, err := factory.Open(context.Background(), "alice", "s1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return execCtx
}

func TestContext_Ask_StreamShape(t *testing.T) {
	hist := newTestHistory(t)
	model := &scriptedModel{deltas: []string{"Hel", "lo"}}
	retriever := NewStaticRetriever([]Document{
		{Content: "greetings are polite", Source: "etiquette.md"},
	})
	execCtx := openTestContext(t, model, retriever, hist)

	var chunks []Chunk
	for chunk, err := range execCtx.Ask(context.Background(), "say greetings") {
		if err != nil {
			t.Fatalf("Ask yielded error: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	// Sources first, then deltas, then the final id chunk.
	if len(chunks) != 4 {
		t.Fatalf("Expected 4 chunks, got %d: %+v", len(chunks), chunks)
	}
	if len(chunks[0].Sources) != 1 || chunks[0].Sources[0] != "etiquette.md" {
		t.Errorf("Expected sources chunk first, got %+v", chunks[0])
	}
	if chunks[1].Delta != "Hel" || chunks[2].Delta != "lo" {
		t.Errorf("Expected deltas Hel, lo, got %+v", chunks[1:3])
	}
	final := chunks[3]
	if !final.Final || final.AnswerID == 0 {
		t.Errorf("Expected final chunk with answer id, got %+v", final)
	}

	// The exchange was persisted with sources on the answer.
	messages, err := hist.Messages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected persisted pair, got %d messages", len(messages))
	}
	if messages[0].Actor != domain.ActorHuman || messages[1].Actor != domain.ActorAI {
		t.Errorf("Expected HUMAN then AI, got %s then %s", messages[0].Actor, messages[1].Actor)
	}
	if messages[1].Content != "Hello" {
		t.Errorf("Expected accumulated answer Hello, got %q", messages[1].Content)
	}
	if len(messages[1].Sources) != 1 {
		t.Errorf("Expected sources attached to answer, got %v", messages[1].Sources)
	}
}

func TestContext_Ask_MemoryAccumulates(t *testing.T) {
	hist := newTestHistory(t)
	model := &scriptedModel{deltas: []string{"first answer"}}
	execCtx := openTestContext(t, model, NoRetriever{}, hist)
	ctx := context.Background()

	for _, err := range execCtx.Ask(ctx, "first question") {
		if err != nil {
			t.Fatalf("Ask failed: %v", err)
		}
	}

	model.deltas = []string{"second answer"}
	for _, err := range execCtx.Ask(ctx, "second question") {
		if err != nil {
			t.Fatalf("Ask failed: %v", err)
		}
	}

	// The second call sees system + first exchange + new question.
	if len(model.lastSeen) != 4 {
		t.Fatalf("Expected 4 messages sent to model, got %d", len(model.lastSeen))
	}
	if model.lastSeen[0].Role != "system" {
		t.Errorf("Expected system message first, got %s", model.lastSeen[0].Role)
	}
	if model.lastSeen[1].Content != "first question" || model.lastSeen[2].Content != "first answer" {
		t.Errorf("Expected first exchange in memory, got %+v", model.lastSeen[1:3])
	}
	if model.lastSeen[3].Content != "second question" {
		t.Errorf("Expected new question last, got %+v", model.lastSeen[3])
	}
}

func TestContext_Ask_ModelError(t *testing.T) {
	hist := newTestHistory(t)
	model := &scriptedModel{err: errors.New("rate limited")}
	execCtx := openTestContext(t, model, NoRetriever{}, hist)

	var streamErr error
	for _, err := range execCtx.Ask(context.Background(), "q") {
		if err != nil {
			streamErr = err
		}
	}
	if streamErr == nil {
		t.Fatal("Expected stream error from failing model")
	}
	if !strings.Contains(streamErr.Error(), "rate limited") {
		t.Errorf("Expected wrapped model error, got %v", streamErr)
	}
}

func TestContext_Ask_AfterClose(t *testing.T) {
	hist := newTestHistory(t)
	execCtx := openTestContext(t, &scriptedModel{}, NoRetriever{}, hist)

	execCtx.Close()
	execCtx.Close() // idempotent

	var streamErr error
	for _, err := range execCtx.Ask(context.Background(), "q") {
		streamErr = err
	}
	if !errors.Is(streamErr, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", streamErr)
	}
}

func TestFactory_Open_SeedsMemoryFromHistory(t *testing.T) {
	hist := newTestHistory(t)
	ctx := context.Background()

	if _, err := hist.Append(ctx, "s1", domain.ActorHuman, "old question"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := hist.Append(ctx, "s1", domain.ActorAI, "old answer"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	model := &scriptedModel{deltas: []string{"new answer"}}
	execCtx := openTestContext(t, model, NoRetriever{}, hist)

	for _, err := range execCtx.Ask(ctx, "new question") {
		if err != nil {
			t.Fatalf("Ask failed: %v", err)
		}
	}

	if len(model.lastSeen) != 4 {
		t.Fatalf("Expected seeded memory in model call, got %d messages", len(model.lastSeen))
	}
	if model.lastSeen[1].Role != "user" || model.lastSeen[1].Content != "old question" {
		t.Errorf("Expected seeded question, got %+v", model.lastSeen[1])
	}
	if model.lastSeen[2].Role != "assistant" || model.lastSeen[2].Content != "old answer" {
		t.Errorf("Expected seeded answer, got %+v", model.lastSeen[2])
	}
}

func TestCollectSources_DedupesAndSorts(t *testing.T) {
	docs := []Document{
		{Content: "c", Source: "zeta.md"},
		{Content: "a", Source: "alpha.md"},
		{Content: "b", Source: "zeta.md"},
		{Content: "d", Source: ""},
	}

	sources := collectSources(docs)
	if len(sources) != 2 {
		t.Fatalf("Expected 2 sources, got %v", sources)
	}
	if sources[0] != "alpha.md" || sources[1] != "zeta.md" {
		t.Errorf("Expected sorted [alpha.md zeta.md], got %v", sources)
	}
}
