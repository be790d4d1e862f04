package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avolkov/converse/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_modified_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, last_modified_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		content TEXT NOT NULL,
		sources_json TEXT,
		feedback TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		job_type TEXT NOT NULL,
		next_run_time INTEGER NOT NULL,
		status TEXT NOT NULL,
		config_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, next_run_time);

	CREATE TABLE IF NOT EXISTS space_permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		space_id TEXT NOT NULL,
		UNIQUE(user_id, space_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a session record if the id is free.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) (bool, error) {
	query := `
	INSERT INTO sessions (session_id, user_id, session_name, created_at, last_modified_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.UserID, session.Name,
		session.CreatedAt.Unix(), session.LastModifiedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, session_name, created_at, last_modified_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessionsByUser retrieves a user's sessions, most recently modified first.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `
		SELECT session_id, user_id, session_name, created_at, last_modified_at
		FROM sessions WHERE user_id = ?
		ORDER BY last_modified_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user sessions: %w", err)
	}
	defer closeRows(rows, "user sessions")

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan user session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user sessions: %w", err)
	}
	return sessions, nil
}

// RenameSession updates the display name when it actually changes.
func (s *SQLiteStore) RenameSession(ctx context.Context, sessionID, newName string, modifiedAt time.Time) (int64, error) {
	query := `
		UPDATE sessions SET session_name = ?, last_modified_at = ?
		WHERE session_id = ? AND session_name != ?`

	result, err := s.db.ExecContext(ctx, query, newName, modifiedAt.Unix(), sessionID, newName)
	if err != nil {
		return 0, fmt.Errorf("rename session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return rows, nil
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListSessionsOlderThan returns ids of sessions created before the threshold.
func (s *SQLiteStore) ListSessionsOlderThan(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE created_at < ?`, threshold.Unix())
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer closeRows(rows, "stale sessions")

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sessions: %w", err)
	}
	return ids, nil
}

// AppendMessage appends a message and returns the assigned id.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, actor domain.Actor, content string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, actor, content) VALUES (?, ?, ?)`,
		sessionID, string(actor), content)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get message id: %w", err)
	}
	return id, nil
}

// UpdateMessageSources overwrites source attribution on an AI message.
func (s *SQLiteStore) UpdateMessageSources(ctx context.Context, messageID int64, sessionID string, sources []string) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	query := `UPDATE messages SET sources_json = ? WHERE id = ? AND session_id = ? AND actor = ?`
	result, err := s.db.ExecContext(ctx, query, string(data), messageID, sessionID, string(domain.ActorAI))
	if err != nil {
		return fmt.Errorf("update sources: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateMessageSources affected 0 rows", "message_id", messageID, "session_id", sessionID)
	}
	return nil
}

// UpdateMessageFeedback sets or clears feedback on an AI message. The
// actor guard makes feedback-on-HUMAN a no-op reported as false.
func (s *SQLiteStore) UpdateMessageFeedback(ctx context.Context, messageID int64, sessionID string, feedback *domain.Feedback) (bool, error) {
	var value interface{}
	if feedback != nil {
		value = string(*feedback)
	}

	query := `UPDATE messages SET feedback = ? WHERE id = ? AND session_id = ? AND actor = ?`
	result, err := s.db.ExecContext(ctx, query, value, messageID, sessionID, string(domain.ActorAI))
	if err != nil {
		return false, fmt.Errorf("update feedback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListMessages retrieves a session's messages ascending by id.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	query := `
		SELECT id, session_id, actor, content, sources_json, feedback
		FROM messages WHERE session_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var actor string
		var sourcesJSON, feedback sql.NullString

		if err := rows.Scan(&msg.ID, &msg.SessionID, &actor, &msg.Content, &sourcesJSON, &feedback); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Actor = domain.Actor(actor)
		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &msg.Sources); err != nil {
				return nil, fmt.Errorf("unmarshal sources for message %d: %w", msg.ID, err)
			}
		}
		if feedback.Valid {
			fb := domain.Feedback(feedback.String)
			msg.Feedback = &fb
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// ClearMessages deletes all messages for a session.
func (s *SQLiteStore) ClearMessages(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	return result.RowsAffected()
}

// InsertJob stores a scheduled job.
func (s *SQLiteStore) InsertJob(ctx context.Context, job *domain.ScheduledJob) error {
	var configJSON interface{}
	if len(job.Config) > 0 {
		data, err := json.Marshal(job.Config)
		if err != nil {
			return fmt.Errorf("marshal job config: %w", err)
		}
		configJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, name, job_type, next_run_time, status, config_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Name, string(job.Type), job.NextRunTime.Unix(), string(job.Status), configJSON)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// DeleteScheduledJob removes a job that is still waiting to run.
func (s *SQLiteStore) DeleteScheduledJob(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE job_id = ? AND status = ?`, jobID, string(domain.JobStatusScheduled))
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListJobs retrieves all stored jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, name, job_type, next_run_time, status, config_json
		FROM jobs ORDER BY next_run_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer closeRows(rows, "jobs")

	var jobs []*domain.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ClaimDueJobs moves due jobs from scheduled to pending, one compare-and-
// update per job so two pollers cannot claim the same row.
func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, name, job_type, next_run_time, status, config_json
		FROM jobs WHERE status = ? AND next_run_time <= ?
		ORDER BY next_run_time ASC LIMIT ?`,
		string(domain.JobStatusScheduled), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}

	var due []*domain.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			closeRows(rows, "due jobs")
			return nil, fmt.Errorf("scan due job row: %w", err)
		}
		due = append(due, job)
	}
	iterErr := rows.Err()
	closeRows(rows, "due jobs")
	if iterErr != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", iterErr)
	}

	var claimed []*domain.ScheduledJob
	for _, job := range due {
		result, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE job_id = ? AND status = ?`,
			string(domain.JobStatusPending), job.JobID, string(domain.JobStatusScheduled))
		if err != nil {
			return claimed, fmt.Errorf("claim job %s: %w", job.JobID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("get rows affected: %w", err)
		}
		if n > 0 {
			job.Status = domain.JobStatusPending
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// CompleteJob removes a finished one-shot job.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RescheduleJob pushes a claimed job back to scheduled at a new run time.
func (s *SQLiteStore) RescheduleJob(ctx context.Context, jobID string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, next_run_time = ? WHERE job_id = ?`,
		string(domain.JobStatusScheduled), nextRun.Unix(), jobID)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// ReclaimPendingJobs moves every pending job back to scheduled.
func (s *SQLiteStore) ReclaimPendingJobs(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE status = ?`,
		string(domain.JobStatusScheduled), string(domain.JobStatusPending))
	if err != nil {
		return 0, fmt.Errorf("reclaim pending jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// GrantSpace records a user's access to a content space.
func (s *SQLiteStore) GrantSpace(ctx context.Context, perm domain.SpacePermission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_permissions (user_id, space_id) VALUES (?, ?)
		ON CONFLICT(user_id, space_id) DO NOTHING`, perm.UserID, perm.SpaceID)
	if err != nil {
		return fmt.Errorf("grant space: %w", err)
	}
	return nil
}

// ListSpaceIDs retrieves the space ids a user may read from.
func (s *SQLiteStore) ListSpaceIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT space_id FROM space_permissions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query space permissions: %w", err)
	}
	defer closeRows(rows, "space permissions")

	var spaces []string
	for rows.Next() {
		var space string
		if err := rows.Scan(&space); err != nil {
			return nil, fmt.Errorf("scan space permission row: %w", err)
		}
		spaces = append(spaces, space)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate space permissions: %w", err)
	}
	return spaces, nil
}

func scanSession(scan func(dest ...any) error) (*domain.Session, error) {
	var session domain.Session
	var createdAt, modifiedAt int64
	if err := scan(&session.SessionID, &session.UserID, &session.Name, &createdAt, &modifiedAt); err != nil {
		return nil, err
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastModifiedAt = time.Unix(modifiedAt, 0)
	return &session, nil
}

func scanJob(scan func(dest ...any) error) (*domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	var jobType, status string
	var nextRun int64
	var configJSON sql.NullString

	if err := scan(&job.JobID, &job.Name, &jobType, &nextRun, &status, &configJSON); err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.NextRunTime = time.Unix(nextRun, 0)
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &job.Config); err != nil {
			return nil, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	return &job, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
