package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// RunOrphanRecovery periodically requeues tasks stuck in processing longer
// than threshold, covering workers that died between claim and ack.
func RunOrphanRecovery(ctx context.Context, queue domain.TaskQueue, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.RecoverOrphans(ctx, time.Now().UTC(), threshold)
			if err != nil {
				slog.Error("orphan recovery failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Warn("requeued orphaned tasks", slog.Int64("count", n))
			}
		}
	}
}
