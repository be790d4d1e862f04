// Package pipeline builds and runs the per-session execution context:
// the model client, the permission-scoped retriever and the conversational
// memory seeded from a session's history. Contexts are expensive; the
// registry guarantees at most one exists per session.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/history"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer using the provided context when it is relevant."

// Chunk is one event in a streamed answer. Sources arrive first, then
// text deltas, then a final chunk carrying the stored answer id.
type Chunk struct {
	Sources  []string `json:"docs,omitempty"`
	Delta    string   `json:"response,omitempty"`
	AnswerID int64    `json:"id,omitempty"`
	Final    bool     `json:"final,omitempty"`
}

// Context is the live execution context for one open session. It is
// owned exclusively by the registry entry for its session id.
type Context struct {
	userID    string
	sessionID string
	model     Model
	retriever Retriever
	hist      *history.Store
	prompt    string

	mu     sync.Mutex
	memory []ChatMessage
	closed bool
}

// SessionID returns the session this context is bound to.
func (c *Context) SessionID() string { return c.sessionID }

// UserID returns the owning user.
func (c *Context) UserID() string { return c.userID }

// Close releases the context. Safe to call more than once.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.memory = nil
	slog.Info("Execution context closed", "session_id", c.sessionID)
}

// ErrClosed is returned when asking a context that was already released.
var ErrClosed = fmt.Errorf("execution context closed")

// Ask runs one question through the retrieval and completion pipeline,
// persisting the human/AI message pair as a side effect. The returned
// sequence is single-use.
func (c *Context) Ask(ctx context.Context, question string) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			yield(Chunk{}, ErrClosed)
			return
		}
		seeded := make([]ChatMessage, len(c.memory))
		copy(seeded, c.memory)
		c.mu.Unlock()

		docs, err := c.retriever.Search(ctx, question)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("retrieve context for %s: %w", c.sessionID, err))
			return
		}
		sources := collectSources(docs)
		if !yield(Chunk{Sources: sources}, nil) {
			return
		}

		if _, err := c.hist.Append(ctx, c.sessionID, domain.ActorHuman, question); err != nil {
			yield(Chunk{}, err)
			return
		}

		messages := c.buildMessages(seeded, docs, question)
		var answer strings.Builder
		for delta, err := range c.model.Stream(ctx, messages) {
			if err != nil {
				yield(Chunk{}, fmt.Errorf("complete answer for %s: %w", c.sessionID, err))
				return
			}
			answer.WriteString(delta)
			if !yield(Chunk{Delta: delta}, nil) {
				return
			}
		}

		answerID, err := c.hist.Append(ctx, c.sessionID, domain.ActorAI, answer.String())
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		if err := c.hist.AttachSources(ctx, answerID, c.sessionID, sources); err != nil {
			slog.Warn("Failed to attach sources", "session_id", c.sessionID, "message_id", answerID, "error", err)
		}

		c.mu.Lock()
		if !c.closed {
			c.memory = append(c.memory,
				ChatMessage{Role: "user", Content: question},
				ChatMessage{Role: "assistant", Content: answer.String()},
			)
		}
		c.mu.Unlock()

		yield(Chunk{AnswerID: answerID, Final: true}, nil)
	}
}

func (c *Context) buildMessages(seeded []ChatMessage, docs []Document, question string) []ChatMessage {
	system := c.prompt
	if len(docs) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nContext:\n")
		for _, doc := range docs {
			b.WriteString("- ")
			b.WriteString(doc.Content)
			b.WriteString("\n")
		}
		system = b.String()
	}

	messages := make([]ChatMessage, 0, len(seeded)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: system})
	messages = append(messages, seeded...)
	messages = append(messages, ChatMessage{Role: "user", Content: question})
	return messages
}

func collectSources(docs []Document) []string {
	seen := make(map[string]struct{}, len(docs))
	var sources []string
	for _, doc := range docs {
		if doc.Source == "" {
			continue
		}
		if _, ok := seen[doc.Source]; ok {
			continue
		}
		seen[doc.Source] = struct{}{}
		sources = append(sources, doc.Source)
	}
	sort.Strings(sources)
	if sources == nil {
		sources = []string{}
	}
	return sources
}

// PermissionSource lists the content spaces a user may read from.
type PermissionSource interface {
	ListSpaceIDs(ctx context.Context, userID string) ([]string, error)
}

// Factory constructs execution contexts. Construction performs I/O
// (permission lookup, history seeding) and may fail; a failed open must
// never yield a half-built context.
type Factory interface {
	Open(ctx context.Context, userID, sessionID string) (*Context, error)
}

// StdFactory builds contexts from a shared model client, a per-user
// retriever and the history store.
type StdFactory struct {
	model      Model
	retrievers RetrieverFactory
	hist       *history.Store
	perms      PermissionSource
	prompt     string
}

// FactoryOption adjusts factory construction.
type FactoryOption func(*StdFactory)

// WithSystemPrompt overrides the default system prompt.
func WithSystemPrompt(prompt string) FactoryOption {
	return func(f *StdFactory) { f.prompt = prompt }
}

// NewFactory creates the standard execution-context factory.
func NewFactory(model Model, retrievers RetrieverFactory, hist *history.Store, perms PermissionSource, optFns ...FactoryOption) *StdFactory {
	f := &StdFactory{
		model:      model,
		retrievers: retrievers,
		hist:       hist,
		perms:      perms,
		prompt:     defaultSystemPrompt,
	}
	for _, fn := range optFns {
		fn(f)
	}
	return f
}

// Open builds a context for the session, seeding memory from history.
func (f *StdFactory) Open(ctx context.Context, userID, sessionID string) (*Context, error) {
	spaces, err := f.perms.ListSpaceIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load permission filter for %s: %w", userID, err)
	}

	messages, err := f.hist.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("seed memory for %s: %w", sessionID, err)
	}

	memory := make([]ChatMessage, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Actor == domain.ActorAI {
			role = "assistant"
		}
		memory = append(memory, ChatMessage{Role: role, Content: msg.Content})
	}

	slog.Info("Execution context opened",
		"session_id", sessionID,
		"user_id", userID,
		"seeded_messages", len(memory),
		"spaces", len(spaces))

	return &Context{
		userID:    userID,
		sessionID: sessionID,
		model:     f.model,
		retriever: f.retrievers(spaces),
		hist:      f.hist,
		prompt:    f.prompt,
		memory:    memory,
	}, nil
}
