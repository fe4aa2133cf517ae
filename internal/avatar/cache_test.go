package avatar

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chirp.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeFetcher struct {
	mu      stdsync.Mutex
	fetches int
	urls    map[string]string
	errs    map[string]error
	block   chan struct{} // when set, AvatarURL waits on it
}

func (f *fakeFetcher) AvatarURL(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.fetches++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[userID]; ok {
		return "", err
	}
	return f.urls[userID], nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newCache(t *testing.T, ttl time.Duration, f *fakeFetcher) *Cache {
	t.Helper()
	return NewCache(Config{TTL: ttl}, testDB(t), f, zap.NewNop())
}

func TestGetCachesWithinTTL(t *testing.T) {
	f := &fakeFetcher{urls: map[string]string{"bob": "https://cdn/bob.png"}}
	c := newCache(t, time.Minute, f)

	ctx := context.Background()
	for range 3 {
		url, err := c.Get(ctx, "bob")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if url != "https://cdn/bob.png" {
			t.Fatalf("url = %q", url)
		}
	}
	if f.count() != 1 {
		t.Fatalf("fresh entry refetched: %d fetches", f.count())
	}
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	f := &fakeFetcher{urls: map[string]string{"bob": "https://cdn/bob.png"}}
	c := newCache(t, 30*time.Millisecond, f)

	ctx := context.Background()
	if _, err := c.Get(ctx, "bob"); err != nil {
		t.Fatalf("get: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := c.Get(ctx, "bob"); err != nil {
		t.Fatalf("get: %v", err)
	}

	if f.count() != 2 {
		t.Fatalf("expired entry not refetched: %d fetches", f.count())
	}
}

func TestNegativeResultCached(t *testing.T) {
	f := &fakeFetcher{} // no avatar for anyone
	c := newCache(t, time.Minute, f)

	ctx := context.Background()
	url, err := c.Get(ctx, "bob")
	if err != nil || url != "" {
		t.Fatalf("get = %q, %v", url, err)
	}
	if _, err := c.Get(ctx, "bob"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.count() != 1 {
		t.Fatalf("no-avatar answer not cached: %d fetches", f.count())
	}
}

func TestConcurrentLookupsCoalesce(t *testing.T) {
	f := &fakeFetcher{
		urls:  map[string]string{"bob": "https://cdn/bob.png"},
		block: make(chan struct{}),
	}
	c := newCache(t, time.Minute, f)

	var wg stdsync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "bob"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}

	// Let all five pile up on the in-flight fetch, then release it.
	time.Sleep(20 * time.Millisecond)
	close(f.block)
	wg.Wait()

	if f.count() != 1 {
		t.Fatalf("concurrent lookups issued %d fetches, want 1", f.count())
	}
}

func TestGetManyPartialFailure(t *testing.T) {
	f := &fakeFetcher{
		urls: map[string]string{"bob": "https://cdn/bob.png"},
		errs: map[string]error{"carol": errors.New("boom")},
	}
	c := newCache(t, time.Minute, f)

	got := c.GetMany(context.Background(), []string{"bob", "carol"})
	if got["bob"] != "https://cdn/bob.png" {
		t.Fatalf("bob = %q", got["bob"])
	}
	if url, ok := got["carol"]; !ok || url != "" {
		t.Fatalf("failed lookup should map to empty, got %q (present=%v)", url, ok)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := &fakeFetcher{urls: map[string]string{"bob": "https://cdn/bob.png"}}
	c := newCache(t, time.Minute, f)

	ctx := context.Background()
	if _, err := c.Get(ctx, "bob"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := c.Invalidate("bob"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := c.Get(ctx, "bob"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.count() != 2 {
		t.Fatalf("invalidate did not force a refetch: %d fetches", f.count())
	}
}

func TestFlightOutlivesStartingCaller(t *testing.T) {
	f := &fakeFetcher{urls: map[string]string{"alice": "https://cdn/a.png"}}
	c := newCache(t, time.Minute, f)

	// The caller that opens the flight may cancel while coalesced waiters
	// still depend on it; the fetch itself must not inherit that fate.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	url, err := c.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get with cancelled caller: %v", err)
	}
	if url != "https://cdn/a.png" {
		t.Fatalf("url = %q, want cached fetch result", url)
	}
}
