package chat

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore prunes persisted funnel data.
type RetentionStore interface {
	CleanupFunnelSessions(ctx context.Context, ttl time.Duration) (int64, error)
	CleanupEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// ReaperConfig controls the idle-session reaper.
type ReaperConfig struct {
	Interval       time.Duration
	IdleTTL        time.Duration
	EventRetention time.Duration
}

// StartReaper runs a background goroutine that periodically closes idle
// detached sessions and prunes old persisted rows. It stops when ctx is done;
// the returned channel is closed once it has exited.
func StartReaper(ctx context.Context, sm *SessionManager, repo RetentionStore, cfg ReaperConfig) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", cfg.Interval, "idle_ttl", cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				reap(ctx, sm, repo, cfg)
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func reap(ctx context.Context, sm *SessionManager, repo RetentionStore, cfg ReaperConfig) {
	if n := sm.Reap(cfg.IdleTTL); n > 0 {
		slog.Info("Reaper closed idle sessions", "count", n, "remaining", sm.Len())
	}
	if repo == nil {
		return
	}

	// Progress rows outlive the in-memory session for a day so reports can see them.
	if deleted, err := repo.CleanupFunnelSessions(ctx, cfg.IdleTTL+24*time.Hour); err != nil {
		slog.Error("Reaper failed to cleanup funnel sessions", "error", err)
	} else if deleted > 0 {
		slog.Info("Reaper cleaned up funnel sessions", "count", deleted)
	}

	if cfg.EventRetention <= 0 {
		return
	}
	if deleted, err := repo.CleanupEvents(ctx, cfg.EventRetention); err != nil {
		slog.Error("Reaper failed to cleanup events", "error", err)
	} else if deleted > 0 {
		slog.Info("Reaper cleaned up events", "count", deleted)
	}
}
