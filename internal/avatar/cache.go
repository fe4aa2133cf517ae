// Package avatar caches profile-picture lookups. Entries persist across
// restarts, expire after a TTL, and concurrent lookups for the same user
// collapse into one server request.
package avatar

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vterra/chirp/internal/store"
)

// Fetcher is the server lookup behind the cache. An empty URL with a nil
// error means the user has no avatar; that answer is cached too.
type Fetcher interface {
	AvatarURL(ctx context.Context, userID string) (string, error)
}

// Config tunes the cache. The zero value gets sane defaults.
type Config struct {
	TTL time.Duration
}

// Cache is the store-backed avatar cache. Expired entries are evicted
// lazily, on the lookup that finds them stale.
type Cache struct {
	db      *store.DB
	fetcher Fetcher
	logger  *zap.Logger
	cfg     Config
	group   singleflight.Group
}

func NewCache(cfg Config, db *store.DB, f Fetcher, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	return &Cache{db: db, fetcher: f, logger: logger.Named("avatar"), cfg: cfg}
}

// Get returns a user's avatar URL, fetching from the server only when the
// cached entry is missing or older than the TTL. An empty result means
// the user has no avatar.
func (c *Cache) Get(ctx context.Context, userID string) (string, error) {
	if url, ok := c.cached(userID); ok {
		return url, nil
	}

	// The flight is shared across coalesced callers, so it must not die
	// with whichever caller happened to start it.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(userID, func() (any, error) {
		// A concurrent flight may have refreshed the entry while this
		// call waited on the group.
		if url, ok := c.cached(userID); ok {
			return url, nil
		}
		url, err := c.fetcher.AvatarURL(fetchCtx, userID)
		if err != nil {
			return "", err
		}
		if err := c.db.PutAvatar(userID, url); err != nil {
			c.logger.Warn("caching avatar", zap.String("user", userID), zap.Error(err))
		}
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetMany resolves several users at once, a few fetches in flight at a
// time. A user whose lookup fails maps to "" rather than failing the
// batch.
func (c *Cache) GetMany(ctx context.Context, userIDs []string) map[string]string {
	out := make(map[string]string, len(userIDs))
	var mu stdsync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range userIDs {
		g.Go(func() error {
			url, err := c.Get(ctx, id)
			if err != nil {
				c.logger.Warn("avatar lookup failed", zap.String("user", id), zap.Error(err))
				url = ""
			}
			mu.Lock()
			out[id] = url
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Invalidate drops a user's cached entry so the next lookup refetches.
func (c *Cache) Invalidate(userID string) error {
	return c.db.DeleteAvatar(userID)
}

// cached returns the stored URL when the entry is still fresh.
func (c *Cache) cached(userID string) (string, bool) {
	entry, err := c.db.GetAvatar(userID)
	if err != nil {
		c.logger.Warn("reading avatar cache", zap.String("user", userID), zap.Error(err))
		return "", false
	}
	if entry == nil {
		return "", false
	}
	age := time.Now().UnixMilli() - entry.FetchedAt
	if age >= c.cfg.TTL.Milliseconds() {
		return "", false
	}
	return entry.URL, true
}
