package registry

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/avolkov/converse/internal/clock"
	"github.com/avolkov/converse/internal/directory"
	"github.com/avolkov/converse/internal/history"
	"github.com/avolkov/converse/internal/pipeline"
	"github.com/avolkov/converse/internal/store"
)

type stubModel struct{}

func (stubModel) Stream(context.Context, []pipeline.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("stub answer", nil)
	}
}

type failingFactory struct{}

func (failingFactory) Open(context.Context, string, string) (*pipeline.Context, error) {
	return nil, errors.New("model unavailable")
}

type testEnv struct {
	repo store.Repository
	dir  *directory.Directory
	hist *history.Store
	reg  *Registry
}

func newTestEnv(t *testing.T) *testEnv {
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

	dir := directory.New(repo, clock.NewFake(time.Unix(1700000000, 0)))
	hist := history.New(repo, nil)
	retrievers := func([]string) pipeline.Retriever { return pipeline.NoRetriever{} }
	factory := pipeline.NewFactory(stubModel{}, retrievers, hist, repo)

	return &testEnv{repo: repo, dir: dir, hist: hist, reg: New(dir, hist, factory)}
}

func (e *testEnv) mustCreate(t *testing.T, userID, sessionID string) {
	t.Helper()
	created, err := e.dir.Create(context.Background(), userID, sessionID, "Chat")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Fatalf("Expected session %s created", sessionID)
	}
}

func TestRegistry_Open_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.reg.Open(context.Background(), "alice", "ghost")
	if err != nil {
		t.Fatalf("Open errored: %v", err)
	}
	if result != NotFound {
		t.Errorf("Expected NotFound, got %v", result)
	}
	if env.reg.Len() != 0 {
		t.Errorf("Expected no open sessions, got %d", env.reg.Len())
	}
}

func TestRegistry_Open_ForeignSession(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "s1")

	result, err := env.reg.Open(context.Background(), "bob", "s1")
	if err != nil {
		t.Fatalf("Open errored: %v", err)
	}
	if result != NotFound {
		t.Errorf("Expected NotFound for foreign session, got %v", result)
	}
	if env.reg.Get("s1") != nil {
		t.Error("Expected no context registered for foreign open")
	}
}

func TestRegistry_Open_ThenAlreadyOpen(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "s1")
	ctx := context.Background()

	result, err := env.reg.Open(ctx, "alice", "s1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if result != CreatedNew {
		t.Fatalf("Expected CreatedNew, got %v", result)
	}

	first := env.reg.Get("s1")
	if first == nil {
		t.Fatal("Expected live context after open")
	}

	result, err = env.reg.Open(ctx, "alice", "s1")
	if err != nil {
		t.Fatalf("Second open failed: %v", err)
	}
	if result != AlreadyOpen {
		t.Errorf("Expected AlreadyOpen, got %v", result)
	}
	if env.reg.Get("s1") != first {
		t.Error("Expected original context preserved across reopen")
	}
}

func TestRegistry_Open_ConstructionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "s1")
	env.reg = New(env.dir, env.hist, failingFactory{})

	_, err := env.reg.Open(context.Background(), "alice", "s1")
	if err == nil {
		t.Fatal("Expected error from failing factory")
	}
	if env.reg.Get("s1") != nil {
		t.Error("Expected no context registered after failed construction")
	}
}

func TestRegistry_Open_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "s1")
	ctx := context.Background()

	const goroutines = 16
	results := make([]OpenResult, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.reg.Open(ctx, "alice", "s1")
			if err != nil {
				t.Errorf("Open failed: %v", err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	createdNew := 0
	for _, result := range results {
		if result == CreatedNew {
			createdNew++
		}
	}
	if createdNew != 1 {
		t.Errorf("Expected exactly 1 CreatedNew, got %d", createdNew)
	}
	if env.reg.Len() != 1 {
		t.Errorf("Expected 1 open session, got %d", env.reg.Len())
	}
}

func TestRegistry_Invalidate(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "s1")
	ctx := context.Background()

	if _, err := env.reg.Open(ctx, "alice", "s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if !env.reg.Invalidate("s1") {
		t.Error("Expected invalidate of open session to report true")
	}
	if env.reg.Get("s1") != nil {
		t.Error("Expected context gone after invalidate")
	}
	if env.reg.Invalidate("s1") {
		t.Error("Expected second invalidate to report false")
	}

	// The durable record survives and the session can reopen.
	result, err := env.reg.Open(ctx, "alice", "s1")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if result != CreatedNew {
		t.Errorf("Expected CreatedNew on reopen, got %v", result)
	}
}

func TestRegistry_InvalidateUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreate(t, "alice", "a1")
	env.mustCreate(t, "alice", "a2")
	env.mustCreate(t, "bob", "b1")

	for _, open := range []struct{ user, session string }{
		{"alice", "a1"}, {"alice", "a2"}, {"bob", "b1"},
	} {
		if _, err := env.reg.Open(ctx, open.user, open.session); err != nil {
			t.Fatalf("Open %s failed: %v", open.session, err)
		}
	}

	closed := env.reg.InvalidateUser("alice")
	if closed != 2 {
		t.Errorf("Expected 2 sessions closed, got %d", closed)
	}
	if env.reg.Get("a1") != nil || env.reg.Get("a2") != nil {
		t.Error("Expected alice's contexts gone")
	}
	if env.reg.Get("b1") == nil {
		t.Error("Expected bob's context untouched")
	}

	if env.reg.InvalidateUser("alice") != 0 {
		t.Error("Expected nothing left to invalidate for alice")
	}
}

func TestRegistry_Remove_FullTeardown(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "s1")
	ctx := context.Background()

	if _, err := env.reg.Open(ctx, "alice", "s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := env.hist.Append(ctx, "s1", "HUMAN", "hello"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	result, err := env.reg.Remove(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if result != Removed {
		t.Fatalf("Expected Removed, got %v", result)
	}

	if env.reg.Get("s1") != nil {
		t.Error("Expected live context gone")
	}
	session, err := env.dir.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if session != nil {
		t.Error("Expected durable record gone")
	}
	messages, err := env.hist.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected history cleared, got %d messages", len(messages))
	}
}

func TestRegistry_Remove_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "s1")
	ctx := context.Background()

	result, err := env.reg.Remove(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if result != Removed {
		t.Fatalf("Expected Removed, got %v", result)
	}

	result, err = env.reg.Remove(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("Second remove errored: %v", err)
	}
	if result != NotOwnedOrMissing {
		t.Errorf("Expected NotOwnedOrMissing on second remove, got %v", result)
	}
}

func TestRegistry_Remove_ForeignSession(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "s1")
	ctx := context.Background()

	result, err := env.reg.Remove(ctx, "s1", "bob")
	if err != nil {
		t.Fatalf("Remove errored: %v", err)
	}
	if result != NotOwnedOrMissing {
		t.Errorf("Expected NotOwnedOrMissing for foreign remove, got %v", result)
	}

	session, err := env.dir.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if session == nil {
		t.Error("Expected record untouched by foreign remove")
	}
}
