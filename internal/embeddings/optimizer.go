package embeddings

import (
	"context"
	"time"

	"github.com/manualrag/cli/internal/logger"
)

// RunOptimizer calls Optimize every interval until ctx is done.
func (c *Cache) RunOptimizer(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Debug("cache optimizer running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("cache optimizer stopped")
			return nil
		case <-ticker.C:
			c.Optimize()
		}
	}
}
