// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/avolkov/converse/internal/domain"
)

// Repository defines the interface for persisting sessions, messages,
// jobs and permissions. It is the durable source of truth; all in-memory
// state is rebuilt from it.
type Repository interface {
	// CreateSession inserts a session record if none exists for its id.
	// Returns false when the id is already taken (no-op, not an error).
	CreateSession(ctx context.Context, session *domain.Session) (bool, error)

	// GetSession retrieves a session by id, nil if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessionsByUser retrieves all sessions owned by a user, most
	// recently modified first.
	ListSessionsByUser(ctx context.Context, userID string) ([]*domain.Session, error)

	// RenameSession updates the display name and last-modified timestamp.
	// The update is guarded so a rename to the current name changes
	// nothing. Returns the number of rows changed.
	RenameSession(ctx context.Context, sessionID, newName string, modifiedAt time.Time) (int64, error)

	// DeleteSession removes a session record. Returns false if no row
	// existed.
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// ListSessionsOlderThan returns ids of sessions created before the
	// threshold, for the purge job.
	ListSessionsOlderThan(ctx context.Context, threshold time.Time) ([]string, error)

	// AppendMessage appends a message to a session's history and returns
	// the store-assigned id, monotonically increasing per session.
	AppendMessage(ctx context.Context, sessionID string, actor domain.Actor, content string) (int64, error)

	// UpdateMessageSources overwrites the source attribution of an AI
	// message. Human rows are never touched.
	UpdateMessageSources(ctx context.Context, messageID int64, sessionID string, sources []string) error

	// UpdateMessageFeedback sets or clears feedback on an AI message.
	// Returns false when no matching AI message exists.
	UpdateMessageFeedback(ctx context.Context, messageID int64, sessionID string, feedback *domain.Feedback) (bool, error)

	// ListMessages retrieves a session's messages ascending by id.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// ClearMessages deletes all messages for a session and returns how
	// many rows were removed.
	ClearMessages(ctx context.Context, sessionID string) (int64, error)

	// InsertJob stores a scheduled job.
	InsertJob(ctx context.Context, job *domain.ScheduledJob) error

	// DeleteScheduledJob removes a job that has not been claimed yet.
	// Returns false if the job is unknown or already executing.
	DeleteScheduledJob(ctx context.Context, jobID string) (bool, error)

	// ListJobs retrieves all stored jobs.
	ListJobs(ctx context.Context) ([]*domain.ScheduledJob, error)

	// ClaimDueJobs atomically moves jobs due at or before now from
	// scheduled to pending and returns the claimed set.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledJob, error)

	// CompleteJob removes a finished one-shot job.
	CompleteJob(ctx context.Context, jobID string) error

	// RescheduleJob pushes a claimed job back to scheduled at a new run
	// time, e.g. when its definition is at its concurrency cap.
	RescheduleJob(ctx context.Context, jobID string, nextRun time.Time) error

	// ReclaimPendingJobs moves every pending job back to scheduled and
	// returns how many rows changed. Run at executor startup so jobs
	// claimed by a crashed process become due again.
	ReclaimPendingJobs(ctx context.Context) (int64, error)

	// GrantSpace records a user's access to a content space. Duplicate
	// grants are a no-op.
	GrantSpace(ctx context.Context, perm domain.SpacePermission) error

	// ListSpaceIDs retrieves the space ids a user may read from.
	ListSpaceIDs(ctx context.Context, userID string) ([]string, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
