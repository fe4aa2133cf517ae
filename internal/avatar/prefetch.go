package avatar

import (
	"context"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/bus"
)

// Prefetcher warms the cache for counterparts with recent activity, so a
// presentation layer asking for the avatar of an active conversation hits
// a fresh entry instead of paying for the fetch inline.
type Prefetcher struct {
	cache  *Cache
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPrefetcher(c *Cache, b *bus.Bus, logger *zap.Logger) *Prefetcher {
	return &Prefetcher{
		cache:  c,
		bus:    b,
		logger: logger.Named("avatar"),
		done:   make(chan struct{}),
	}
}

// Start watches conversation activity. Lookups go through the cache, so a
// burst of events for one counterpart costs at most one fetch per TTL.
func (p *Prefetcher) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	chats := p.bus.Subscribe("chat.", 64)

	go func() {
		defer close(p.done)
		defer chats.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-chats.C():
				counterpartID, ok := evt.Payload.(string)
				if !ok || counterpartID == "" {
					continue
				}
				if _, err := p.cache.Get(ctx, counterpartID); err != nil {
					p.logger.Debug("prefetch failed",
						zap.String("user", counterpartID), zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts the watcher and waits for it to finish.
func (p *Prefetcher) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}
