package hub

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/hub_downloader/internal/transfer"
)

const DefaultCacheTTL = time.Hour

type cacheEntry struct {
	files   []transfer.RemoteFile
	expires time.Time
}

// CachedCatalog memoizes successful listings for a TTL. Failures are never cached.
type CachedCatalog struct {
	next transfer.RepositoryCatalog
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[transfer.Repository]cacheEntry
}

func NewCachedCatalog(next transfer.RepositoryCatalog, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &CachedCatalog{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[transfer.Repository]cacheEntry),
	}
}

func (c *CachedCatalog) ListFiles(ctx context.Context, repo transfer.Repository) ([]transfer.RemoteFile, error) {
	c.mu.Lock()
	e, ok := c.entries[repo]
	c.mu.Unlock()

	if ok && c.now().Before(e.expires) {
		return append([]transfer.RemoteFile(nil), e.files...), nil
	}

	files, err := c.next.ListFiles(ctx, repo)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[repo] = cacheEntry{files: append([]transfer.RemoteFile(nil), files...), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return files, nil
}

// Invalidate drops the cached listing of a repository.
func (c *CachedCatalog) Invalidate(repo transfer.Repository) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, repo)
}

// Prune removes expired entries and returns how many were dropped.
func (c *CachedCatalog) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0

	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}

	return n
}
