package deliberation

import (
	"context"
	"log/slog"
	"time"
)

// StartOrphanSweeper runs a background goroutine that periodically marks
// orphaned user messages until ctx ends.
func StartOrphanSweeper(ctx context.Context, registry *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Orphan sweeper started", "interval", interval, "threshold", registry.opts.OrphanThreshold)

		for {
			select {
			case <-ticker.C:
				SweepOrphans(ctx, registry)
			case <-ctx.Done():
				slog.Info("Orphan sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepOrphans runs one detection pass and returns the number of new markers.
func SweepOrphans(ctx context.Context, registry *Registry) int {
	markers, err := registry.DetectOrphans(ctx)
	if err != nil {
		slog.Error("Orphan sweep failed", "error", err, "marked", len(markers))
		return len(markers)
	}
	if len(markers) == 0 {
		return 0
	}

	for _, m := range markers {
		slog.Info("Orphan sweeper marked message",
			"user_message_id", m.UserMessageID,
			"conversation_id", m.ConversationID)
	}
	slog.Info("Orphan sweep completed", "marked", len(markers))
	return len(markers)
}
