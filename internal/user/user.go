// Package user orchestrates login, logout and the initial data load:
// building the permission filter, bootstrapping a first session for new
// users and tearing down every open session on logout.
package user

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avolkov/converse/internal/directory"
	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/history"
	"github.com/avolkov/converse/internal/registry"
	"github.com/avolkov/converse/internal/store"
	"github.com/google/uuid"
)

const defaultSessionName = "Default Chat"

// LoadResponse carries everything the client needs after login: the
// user's sessions, most recently active first, and each session's
// history in the same order.
type LoadResponse struct {
	Sessions  []*domain.Session `json:"sessions"`
	Histories []*domain.History `json:"histories"`
}

// Service manages logged-in users.
type Service struct {
	repo store.Repository
	dir  *directory.Directory
	hist *history.Store
	reg  *registry.Registry

	mu       sync.Mutex
	loggedIn map[string]struct{}
}

// New creates a user service.
func New(repo store.Repository, dir *directory.Directory, hist *history.Store, reg *registry.Registry) *Service {
	return &Service{
		repo:     repo,
		dir:      dir,
		hist:     hist,
		reg:      reg,
		loggedIn: make(map[string]struct{}),
	}
}

// Login marks the user as logged in. Returns false when already logged in.
func (s *Service) Login(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loggedIn[userID]; ok {
		slog.Info("User already logged in", "user_id", userID)
		return false
	}
	s.loggedIn[userID] = struct{}{}
	slog.Info("User logged in", "user_id", userID)
	return true
}

// IsLoggedIn reports whether the user has an active login.
func (s *Service) IsLoggedIn(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loggedIn[userID]
	return ok
}

// Load logs the user in and returns their sessions and histories,
// opening every session's execution context. A brand-new user gets a
// default session so the client always has somewhere to type. Returns
// nil when the user is already logged in.
func (s *Service) Load(ctx context.Context, userID string) (resp *LoadResponse, err error) {
	if !s.Login(userID) {
		return nil, nil
	}
	// A failed load must not leave the user stuck logged in with no
	// data, so clear the flag and let the client retry.
	defer func() {
		if err != nil {
			s.mu.Lock()
			delete(s.loggedIn, userID)
			s.mu.Unlock()
		}
	}()

	sessions, err := s.dir.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load sessions for %s: %w", userID, err)
	}

	if len(sessions) == 0 {
		sessionID := uuid.NewString()
		created, err := s.dir.Create(ctx, userID, sessionID, defaultSessionName)
		if err != nil {
			return nil, fmt.Errorf("bootstrap session for %s: %w", userID, err)
		}
		if created {
			if _, err := s.reg.Open(ctx, userID, sessionID); err != nil {
				slog.Warn("Failed to open bootstrap session", "session_id", sessionID, "error", err)
			}
		}
		sessions, err = s.dir.ListByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("reload sessions for %s: %w", userID, err)
		}
	}

	resp = &LoadResponse{Sessions: sessions, Histories: make([]*domain.History, 0, len(sessions))}
	for _, session := range sessions {
		hist, err := s.hist.History(ctx, session.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load history for %s: %w", session.SessionID, err)
		}
		resp.Histories = append(resp.Histories, hist)

		if _, err := s.reg.Open(ctx, userID, session.SessionID); err != nil {
			slog.Warn("Failed to open session during load", "session_id", session.SessionID, "error", err)
		}
	}

	slog.Info("User data loaded", "user_id", userID, "sessions", len(sessions))
	return resp, nil
}

// Logout invalidates every open session for the user and clears the
// login. Returns false when the user was not logged in.
func (s *Service) Logout(userID string) bool {
	s.mu.Lock()
	_, ok := s.loggedIn[userID]
	if ok {
		delete(s.loggedIn, userID)
	}
	s.mu.Unlock()

	if !ok {
		slog.Info("Logout of user that is not logged in", "user_id", userID)
		return false
	}

	closed := s.reg.InvalidateUser(userID)
	slog.Info("User logged out", "user_id", userID, "sessions_closed", closed)
	return true
}

// SpaceFilter returns the content spaces the user may read from.
func (s *Service) SpaceFilter(ctx context.Context, userID string) ([]string, error) {
	return s.repo.ListSpaceIDs(ctx, userID)
}
