package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/storage"
)

// Pruner drops expired entries from an in-memory cache. *hub.CachedCatalog implements it.
type Pruner interface {
	Prune() int
}

// PruneHistory deletes finished tasks that completed more than keep ago.
// Downloaded files are left on disk; only the task records go.
func PruneHistory(ctx context.Context, store storage.HistoryStore, keep time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	ids, err := store.FinishedBefore(ctx, now.Add(-keep))
	if err != nil {
		return 0, fmt.Errorf("failed to list finished tasks: %w", err)
	}

	var (
		result  *multierror.Error
		deleted int
	)

	for _, id := range ids {
		if err := store.Delete(ctx, id); err != nil {
			logger.ErrorContext(ctx, "failed to delete task history", "task_id", id, "err", err)
			result = multierror.Append(result, fmt.Errorf("task %d: %w", id, err))

			continue
		}

		deleted++
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "pruned task history", "deleted", deleted, "retention", keep.String())
	}

	return deleted, result.ErrorOrNil()
}

// Cleaner periodically prunes task history and expired catalog listings.
type Cleaner struct {
	store    storage.HistoryStore
	caches   []Pruner
	keep     time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewCleaner creates a cleaner. A zero keep disables history pruning.
func NewCleaner(store storage.HistoryStore, keep, interval time.Duration, caches ...Pruner) *Cleaner {
	return &Cleaner{
		store:    store,
		caches:   caches,
		keep:     keep,
		interval: interval,
		now:      time.Now,
	}
}

// Run cleans once immediately and then on every tick until ctx ends.
func (c *Cleaner) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Clean(ctx)

		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "cleanup goroutine shutting down")

			return nil
		case <-ticker.C:
		}
	}
}

// Clean runs one pass. Failures are logged and retried on the next pass.
func (c *Cleaner) Clean(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if c.keep > 0 && c.store != nil {
		if _, err := PruneHistory(ctx, c.store, c.keep, c.now()); err != nil {
			logger.ErrorContext(ctx, "failed to prune task history", "err", err)
		}
	}

	for _, p := range c.caches {
		if n := p.Prune(); n > 0 {
			logger.DebugContext(ctx, "pruned catalog cache", "entries", n)
		}
	}
}
