package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/quantchat/internal/observability"
	"github.com/ashureev/quantchat/internal/shared"
	"github.com/ashureev/quantchat/internal/store"
)

// DefaultReapInterval is how often the reaper sweeps the registry.
const DefaultReapInterval = 5 * time.Minute

// Killer destroys a sandbox by id.
type Killer interface {
	KillSandbox(ctx context.Context, sandboxID string) error
}

// deleteSandboxWithRetry removes a registry row, backing off on SQLITE_BUSY.
func deleteSandboxWithRetry(ctx context.Context, repo store.Repository, sandboxID string) error {
	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func() error {
		return repo.DeleteSandbox(ctx, sandboxID)
	}, func(attempt int, delay time.Duration) {
		slog.Debug("Sandbox delete hit a locked database, retrying",
			"sandbox_id", sandboxID,
			"attempt", attempt,
			"delay", delay)
	})
	if err != nil {
		return fmt.Errorf("delete sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// StartReaper runs a background goroutine that periodically kills sandboxes
// that idled out or stayed paused past pausedRetention.
func StartReaper(ctx context.Context, repo store.Repository, k Killer, interval, pausedRetention time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox reaper started", "interval", interval, "paused_retention", pausedRetention)

		for {
			select {
			case <-ticker.C:
				if _, err := Reap(ctx, repo, k, time.Now(), pausedRetention); err != nil {
					slog.Error("Sandbox reaper sweep failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Reap performs one sweep and returns the number of sandboxes killed.
func Reap(ctx context.Context, repo store.Repository, k Killer, now time.Time, pausedRetention time.Duration) (int, error) {
	expired, err := repo.GetExpiredSandboxes(ctx, now, pausedRetention)
	if err != nil {
		return 0, fmt.Errorf("get expired sandboxes: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	slog.Info("Sandbox reaper found expired sandboxes", "count", len(expired))

	killed := 0
	for _, sb := range expired {
		if err := k.KillSandbox(ctx, sb.SandboxID); err != nil {
			slog.Error("Sandbox reaper failed to kill sandbox",
				"error", err,
				"sandbox_id", sb.SandboxID,
				"state", sb.State)
			continue
		}
		killed++
		observability.SandboxesReapedTotal.Inc()
	}

	slog.Info("Sandbox reaper sweep completed", "killed", killed)
	return killed, nil
}
