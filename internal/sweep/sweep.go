// Package sweep periodically purges expired tombstones from the catalog.
package sweep

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Purger drops tombstones older than its configured retention.
type Purger interface {
	PurgeTombstones(ctx context.Context) (int64, error)
}

// Run purges once per interval until ctx is cancelled. A non-positive
// interval disables the sweep.
func Run(ctx context.Context, logger *log.Logger, interval time.Duration, p Purger) {
	if interval <= 0 {
		logger.Debug("tombstone sweep disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Once(ctx, logger, p)
		}
	}
}

// Once runs a single purge and logs the outcome.
func Once(ctx context.Context, logger *log.Logger, p Purger) int64 {
	n, err := p.PurgeTombstones(ctx)
	if err != nil {
		logger.Warn("tombstone sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("tombstone sweep purged records", "count", n)
	}
	return n
}
