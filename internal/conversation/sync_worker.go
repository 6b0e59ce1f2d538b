package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
)

const defaultSyncInterval = 30 * time.Second

// SyncWorkerConfig tunes RunSyncWorker.
type SyncWorkerConfig struct {
	// Interval between marker polls that catch dropped notifications.
	Interval time.Duration
	// Limit is the reconcile window.
	Limit int
}

// RunSyncWorker folds cross-process writes into the engine until ctx is done.
// Each notification triggers ReconcileExternal; each tick peeks the source
// and reconciles a pending update the notification path missed.
func RunSyncWorker(ctx context.Context, e *Engine, src UpdateSource, cfg SyncWorkerConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Sync worker started", "interval", interval, "limit", cfg.Limit)

	updates := src.Updates()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				slog.Info("Sync worker shutting down", "reason", "update channel closed")
				return
			}
			syncOnce(ctx, e, src, cfg.Limit, u)
		case <-ticker.C:
			u, pending, err := src.Peek()
			if err != nil {
				slog.Warn("Sync worker failed to peek marker", "error", err)
				continue
			}
			if pending {
				slog.Debug("Sync worker found missed update", "turn_id", u.TurnID)
				syncOnce(ctx, e, src, cfg.Limit, u)
			}
		case <-ctx.Done():
			slog.Info("Sync worker shutting down", "reason", ctx.Err())
			return
		}
	}
}

// syncOnce acknowledges the update only when a pass actually ran, so a
// coalesced trigger is retried by the next tick.
func syncOnce(ctx context.Context, e *Engine, src UpdateSource, limit int, u domain.ExternalUpdate) {
	ran, err := e.ReconcileExternal(ctx, limit, u)
	if err != nil {
		slog.Error("Sync worker reconcile failed", "turn_id", u.TurnID, "error", err)
		return
	}
	if ran {
		src.Ack(u)
	}
}
