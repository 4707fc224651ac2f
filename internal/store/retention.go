package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper deletes stale conversations.
type Sweeper interface {
	CleanupConversations(ctx context.Context, ttl time.Duration) (int64, error)
}

// StartRetentionWorker runs a background goroutine that periodically removes
// conversations not updated within ttl. A non-positive ttl disables it.
func StartRetentionWorker(ctx context.Context, repo Sweeper, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		slog.Info("Retention worker disabled", "ttl", ttl, "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepConversations(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepConversations(ctx context.Context, repo Sweeper, ttl time.Duration) {
	deleted, err := repo.CleanupConversations(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention sweep interrupted", "error", err)
			return
		}
		slog.Error("Retention worker failed to clean up conversations", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker removed stale conversations", "count", deleted)
	}
}
