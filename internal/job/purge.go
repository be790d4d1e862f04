package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/avolkov/converse/internal/clock"
	"github.com/avolkov/converse/internal/directory"
	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/registry"
)

// DefaultPurgeDays is the session age threshold when a purge job carries
// no explicit "days" config.
const DefaultPurgeDays = 30

// NewPurgeHandler returns the built-in handler that removes sessions
// older than the configured number of days. The sweep is best effort:
// one failed removal is logged and skipped, never aborting the batch.
func NewPurgeHandler(dir *directory.Directory, reg *registry.Registry, clk clock.Clock) Handler {
	return func(ctx context.Context, cfg domain.JobConfig) error {
		days := cfg.Float("days", DefaultPurgeDays)
		threshold := clk.Now().Add(-time.Duration(days * 24 * float64(time.Hour)))
		slog.Info("Purging sessions", "days", days, "threshold", threshold)

		sessionIDs, err := dir.ListOlderThan(ctx, threshold)
		if err != nil {
			return err
		}

		removed := 0
		for _, sessionID := range sessionIDs {
			session, err := dir.Get(ctx, sessionID)
			if err != nil {
				slog.Error("Purge failed to load session", "session_id", sessionID, "error", err)
				continue
			}
			if session == nil {
				continue
			}

			result, err := reg.Remove(ctx, sessionID, session.UserID)
			if err != nil {
				slog.Error("Purge failed to remove session", "session_id", sessionID, "error", err)
				continue
			}
			if result == registry.Removed {
				removed++
			}
		}

		slog.Info("Purge complete", "candidates", len(sessionIDs), "removed", removed)
		return nil
	}
}
