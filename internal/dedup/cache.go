package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/models"
)

// DefaultWindow bounds how often the same (pod, reason) pair may notify.
const DefaultWindow = 300 * time.Second

// Suppressor decides whether a failure candidate is a duplicate inside the
// suppression window. Implementations must admit at most one caller per key
// per window under concurrency.
type Suppressor interface {
	ShouldSuppress(ctx context.Context, key models.DedupKey) bool
}

// Cache is a time-windowed suppression set. The watcher owns the only
// instance; it is safe for concurrent use because watch processing fans out
// across workers.
type Cache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[models.DedupKey]time.Time
	now     func() time.Time
}

// Option customizes cache construction.
type Option func(*Cache)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache with the given suppression window.
// A non-positive window falls back to DefaultWindow.
func NewCache(window time.Duration, opts ...Option) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Cache{
		window:  window,
		entries: make(map[models.DedupKey]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldSuppress reports whether a live entry exists for key. If not, it
// atomically records the key at the current time and returns false. A live
// entry is never refreshed: the window is measured from first occurrence, so
// a flapping failure notifies at most once per window instead of resetting
// the clock on every flap.
func (c *Cache) ShouldSuppress(_ context.Context, key models.DedupKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seen, ok := c.entries[key]; ok {
		if now.Sub(seen) <= c.window {
			return true
		}
		// Expired entry: evict and treat as first occurrence.
		delete(c.entries, key)
	}
	c.entries[key] = now
	c.evictExpiredLocked(now)
	return false
}

// Len returns the number of live entries, evicting stale ones first.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked(c.now())
	return len(c.entries)
}

// evictExpiredLocked drops entries older than the window. Lazy eviction on
// lookup keeps memory bounded without a background sweep.
func (c *Cache) evictExpiredLocked(now time.Time) {
	for key, seen := range c.entries {
		if now.Sub(seen) > c.window {
			delete(c.entries, key)
		}
	}
}
