// Package directory maintains durable session metadata, independent of
// whether a session currently has live resources.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avolkov/converse/internal/clock"
	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/store"
)

// RenameResult is the outcome of a rename request.
type RenameResult int

const (
	// Renamed means the name changed and the timestamp was bumped.
	Renamed RenameResult = iota
	// NotFound means no session exists with that id.
	NotFound
	// Unchanged means the new name equals the current one; nothing was
	// written and last_modified_at did not move.
	Unchanged
)

// Directory provides CRUD over session records.
type Directory struct {
	repo  store.Repository
	clock clock.Clock
}

// New creates a session directory over the given repository.
func New(repo store.Repository, clk clock.Clock) *Directory {
	return &Directory{repo: repo, clock: clk}
}

// Create inserts a new session record. Returns false when the id is
// already taken; duplicate creation is a no-op, not an error.
func (d *Directory) Create(ctx context.Context, userID, sessionID, name string) (bool, error) {
	now := d.clock.Now()
	created, err := d.repo.CreateSession(ctx, &domain.Session{
		SessionID:      sessionID,
		UserID:         userID,
		Name:           name,
		CreatedAt:      now,
		LastModifiedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	if !created {
		slog.Info("Session already exists", "session_id", sessionID)
		return false, nil
	}
	slog.Info("Session created", "session_id", sessionID, "user_id", userID)
	return true, nil
}

// Get retrieves a session record, nil if absent.
func (d *Directory) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return d.repo.GetSession(ctx, sessionID)
}

// Rename updates a session's display name. Renaming to the current name
// is reported as Unchanged and never bumps last_modified_at.
func (d *Directory) Rename(ctx context.Context, sessionID, newName string) (RenameResult, error) {
	session, err := d.repo.GetSession(ctx, sessionID)
	if err != nil {
		return NotFound, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session == nil {
		slog.Warn("Rename of unknown session", "session_id", sessionID)
		return NotFound, nil
	}
	if session.Name == newName {
		return Unchanged, nil
	}

	rows, err := d.repo.RenameSession(ctx, sessionID, newName, d.clock.Now())
	if err != nil {
		return NotFound, fmt.Errorf("rename session %s: %w", sessionID, err)
	}
	if rows == 0 {
		// Lost a race with an identical rename; nothing changed.
		return Unchanged, nil
	}
	slog.Info("Session renamed", "session_id", sessionID)
	return Renamed, nil
}

// ListByUser retrieves a user's sessions, most recently active first.
func (d *Directory) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	return d.repo.ListSessionsByUser(ctx, userID)
}

// IsOwned reports whether the session exists and belongs to the user.
// Every history- or chat-affecting operation checks this first. The
// membership scan is linear over one user's sessions, which stays cheap
// at typical per-user session counts.
func (d *Directory) IsOwned(ctx context.Context, sessionID, userID string) (bool, error) {
	sessions, err := d.repo.ListSessionsByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list sessions for user %s: %w", userID, err)
	}
	for _, session := range sessions {
		if session.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

// ListOlderThan returns ids of sessions created before the threshold.
// Used exclusively by the purge job.
func (d *Directory) ListOlderThan(ctx context.Context, threshold time.Time) ([]string, error) {
	return d.repo.ListSessionsOlderThan(ctx, threshold)
}

// Delete removes a session record. Returns false when no record existed.
func (d *Directory) Delete(ctx context.Context, sessionID string) (bool, error) {
	deleted, err := d.repo.DeleteSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return deleted, nil
}
