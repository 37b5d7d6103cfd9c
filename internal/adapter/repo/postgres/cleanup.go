package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// Purger owns the periodic removal of expired idempotency rows and cache
// snapshots.
type Purger struct {
	Name     string
	Interval time.Duration
	Purge    func(ctx domain.Context) (int64, error)
}

// RunPeriodic purges immediately and then on every tick until ctx is
// cancelled.
func (p Purger) RunPeriodic(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("purger stopping", slog.String("purger", p.Name))
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p Purger) runOnce(ctx context.Context) {
	deleted, err := p.Purge(ctx)
	if err != nil {
		slog.Error("purge failed", slog.String("purger", p.Name), slog.Any("error", err))
		return
	}
	if deleted > 0 {
		slog.Info("removed expired rows", slog.String("purger", p.Name), slog.Int64("count", deleted))
	}
}
