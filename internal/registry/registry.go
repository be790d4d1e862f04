// Package registry maintains the process-wide map of live execution
// contexts, one per open session. It owns the open/invalidate/remove
// lifecycle and guarantees at most one context exists per session id at
// any instant, regardless of how requests and background jobs interleave.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/converse/internal/directory"
	"github.com/avolkov/converse/internal/history"
	"github.com/avolkov/converse/internal/pipeline"
	"github.com/avolkov/converse/internal/shared"
)

// OpenResult is the outcome of an open request.
type OpenResult int

const (
	// CreatedNew means a fresh execution context was constructed.
	CreatedNew OpenResult = iota
	// AlreadyOpen means a context already existed; nothing changed.
	AlreadyOpen
	// NotFound means no session record exists for that id and user.
	NotFound
)

// RemoveResult is the outcome of a remove request.
type RemoveResult int

const (
	// Removed means the durable record and history are gone and any
	// live context was released.
	Removed RemoveResult = iota
	// NotOwnedOrMissing means the session does not exist or belongs to
	// someone else.
	NotOwnedOrMissing
)

// ErrConsistency reports that in-memory and durable state diverged: the
// live context was torn down but the durable removal failed. Callers see
// the error rather than a silent success.
var ErrConsistency = errors.New("registry and durable state diverged")

// Registry maps session ids to live execution contexts.
type Registry struct {
	dir     *directory.Directory
	hist    *history.Store
	factory pipeline.Factory

	mu     sync.RWMutex
	open   map[string]*pipeline.Context
	byUser map[string]map[string]struct{}
}

// New creates an empty registry.
func New(dir *directory.Directory, hist *history.Store, factory pipeline.Factory) *Registry {
	return &Registry{
		dir:     dir,
		hist:    hist,
		factory: factory,
		open:    make(map[string]*pipeline.Context),
		byUser:  make(map[string]map[string]struct{}),
	}
}

// Open materializes the execution context for a session, or reports that
// one already exists. The session must exist and belong to the user.
//
// Context construction performs network I/O, so it happens outside the
// registry lock; when two opens race, the loser's freshly built context
// is closed and discarded, never inserted.
func (r *Registry) Open(ctx context.Context, userID, sessionID string) (OpenResult, error) {
	session, err := r.dir.Get(ctx, sessionID)
	if err != nil {
		return NotFound, fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if session == nil || session.UserID != userID {
		slog.Warn("Open of unknown or foreign session", "session_id", sessionID, "user_id", userID)
		return NotFound, nil
	}

	r.mu.RLock()
	_, exists := r.open[sessionID]
	r.mu.RUnlock()
	if exists {
		slog.Info("Session already open", "session_id", sessionID)
		return AlreadyOpen, nil
	}

	execCtx, err := r.factory.Open(ctx, userID, sessionID)
	if err != nil {
		return NotFound, fmt.Errorf("construct execution context for %s: %w", sessionID, err)
	}

	r.mu.Lock()
	if _, exists := r.open[sessionID]; exists {
		r.mu.Unlock()
		// Lost the race; discard the wasted construction.
		execCtx.Close()
		slog.Info("Session already open", "session_id", sessionID)
		return AlreadyOpen, nil
	}
	r.open[sessionID] = execCtx
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][sessionID] = struct{}{}
	r.mu.Unlock()

	slog.Info("Session opened", "session_id", sessionID, "user_id", userID)
	return CreatedNew, nil
}

// Get returns the live execution context for a session, nil if none.
func (r *Registry) Get(sessionID string) *pipeline.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.open[sessionID]
}

// Invalidate releases a session's execution context if present. The
// durable record is untouched. Returns false when nothing was open.
func (r *Registry) Invalidate(sessionID string) bool {
	r.mu.Lock()
	execCtx, exists := r.open[sessionID]
	if exists {
		delete(r.open, sessionID)
		r.dropUserIndex(execCtx.UserID(), sessionID)
	}
	r.mu.Unlock()

	if !exists {
		slog.Warn("Invalidate of session that is not open", "session_id", sessionID)
		return false
	}

	execCtx.Close()
	slog.Info("Session invalidated", "session_id", sessionID)
	return true
}

// InvalidateUser releases every open context belonging to a user and
// returns how many were closed. Used on logout.
func (r *Registry) InvalidateUser(userID string) int {
	r.mu.Lock()
	var victims []*pipeline.Context
	for sessionID := range r.byUser[userID] {
		if execCtx, ok := r.open[sessionID]; ok {
			victims = append(victims, execCtx)
			delete(r.open, sessionID)
		}
	}
	delete(r.byUser, userID)
	r.mu.Unlock()

	for _, execCtx := range victims {
		execCtx.Close()
	}
	if len(victims) > 0 {
		slog.Info("User sessions invalidated", "user_id", userID, "count", len(victims))
	}
	return len(victims)
}

// Remove invalidates a session and deletes its durable record and
// history. Removal is idempotent from the caller's view: a second call
// reports NotOwnedOrMissing. A durable failure after the context was
// already torn down surfaces as ErrConsistency, never as success.
func (r *Registry) Remove(ctx context.Context, sessionID, userID string) (RemoveResult, error) {
	session, err := r.dir.Get(ctx, sessionID)
	if err != nil {
		return NotOwnedOrMissing, fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if session == nil || session.UserID != userID {
		slog.Warn("Remove of unknown or foreign session", "session_id", sessionID, "user_id", userID)
		return NotOwnedOrMissing, nil
	}

	// Phase one: release live resources. Already-invalidated is fine.
	r.Invalidate(sessionID)

	// Phase two: durable teardown. Failures here leave the record
	// behind with no live context, which is recoverable by retrying.
	if err := withBusyRetry(ctx, func() error {
		return r.hist.Clear(ctx, sessionID)
	}); err != nil {
		slog.Error("Session history removal failed after invalidation",
			"session_id", sessionID, "error", err)
		return NotOwnedOrMissing, fmt.Errorf("%w: clear history for %s: %v", ErrConsistency, sessionID, err)
	}
	var deleted bool
	err = withBusyRetry(ctx, func() error {
		var deleteErr error
		deleted, deleteErr = r.dir.Delete(ctx, sessionID)
		return deleteErr
	})
	if err != nil {
		slog.Error("Session record removal failed after invalidation",
			"session_id", sessionID, "error", err)
		return NotOwnedOrMissing, fmt.Errorf("%w: delete record for %s: %v", ErrConsistency, sessionID, err)
	}
	if !deleted {
		// Another remover got there first between our check and delete.
		return NotOwnedOrMissing, nil
	}

	slog.Info("Session removed", "session_id", sessionID, "user_id", userID)
	return Removed, nil
}

// Len reports how many sessions are currently open.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.open)
}

// withBusyRetry runs fn, retrying with exponential backoff when SQLite
// reports write contention. Other errors return immediately.
func withBusyRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Database locked during teardown, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// dropUserIndex must be called with the write lock held.
func (r *Registry) dropUserIndex(userID, sessionID string) {
	if sessions, ok := r.byUser[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byUser, userID)
		}
	}
}
