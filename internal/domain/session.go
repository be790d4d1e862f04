// Package domain contains core domain types for the Converse backend.
package domain

import (
	"time"
)

// Session represents a named, user-owned conversation thread.
// SessionID is opaque and immutable once created; only the name and the
// last-modified timestamp change over a session's lifetime.
type Session struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"session_name"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}
