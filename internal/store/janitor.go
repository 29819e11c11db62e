package store

import (
	"context"
	"log/slog"
	"time"
)

// Purger is implemented by stores that can drop claims older than a cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunJanitor purges claims that arrived more than retention ago, every interval,
// until ctx is cancelled. Retention must cover the largest window in use; the
// gate ignores stale claims anyway, so purging only bounds storage.
func RunJanitor(ctx context.Context, p Purger, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 || interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.PurgeBefore(ctx, now.Add(-retention))
			if err != nil {
				logger.WarnContext(ctx, "dedup purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.DebugContext(ctx, "dedup purge", "removed", n)
			}
		}
	}
}
