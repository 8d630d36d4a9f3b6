package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TTL is a concurrency-safe map whose entries expire unless refreshed.
type TTL[V any] struct {
	logger        *slog.Logger
	clock         clockwork.Clock
	entryTTL      time.Duration
	sweepInterval time.Duration
	mu            sync.RWMutex
	entries       map[string]*cacheEntry[V]
	startedOnce   sync.Once
}

type cacheEntry[V any] struct {
	value     V
	updatedAt time.Time
}

// NewTTL constructs a cache with entry TTL and sweep interval. A nil clock uses wall time.
func NewTTL[V any](logger *slog.Logger, clock clockwork.Clock, entryTTL, sweepInterval time.Duration) *TTL[V] {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	return &TTL[V]{
		logger:        logger.With("component", "cache"),
		clock:         clock,
		entryTTL:      entryTTL,
		sweepInterval: sweepInterval,
		entries:       make(map[string]*cacheEntry[V]),
	}
}

// Get returns the value if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.expired(entry, c.clock.Now()) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Put upserts the value and refreshes its TTL.
func (c *TTL[V]) Put(key string, v V) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.entries[key] = &cacheEntry[V]{value: v, updatedAt: c.clock.Now()}
	c.mu.Unlock()
}

func (c *TTL[V]) Remove(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// RemoveIf deletes every entry for which match returns true.
func (c *TTL[V]) RemoveIf(match func(key string, v V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if match(k, e.value) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Range calls fn for every live entry until fn returns false.
func (c *TTL[V]) Range(fn func(key string, v V) bool) {
	now := c.clock.Now()
	c.mu.RLock()
	live := make(map[string]V, len(c.entries))
	for k, e := range c.entries {
		if !c.expired(e, now) {
			live[k] = e.value
		}
	}
	c.mu.RUnlock()
	for k, v := range live {
		if !fn(k, v) {
			return
		}
	}
}

func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Start launches the eviction loop once.
func (c *TTL[V]) Start(ctx context.Context) {
	c.startedOnce.Do(func() {
		go c.evictLoop(ctx)
	})
}

func (c *TTL[V]) evictLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("cache eviction loop exiting", "reason", ctx.Err())
			return
		case <-ticker.Chan():
			c.EvictExpired()
		}
	}
}

// EvictExpired drops expired entries and returns how many were removed.
func (c *TTL[V]) EvictExpired() int {
	now := c.clock.Now()
	var removed int
	c.mu.Lock()
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Debug("evicted expired cache entries", "count", removed)
	}
	return removed
}

func (c *TTL[V]) expired(e *cacheEntry[V], now time.Time) bool {
	return c.entryTTL > 0 && now.Sub(e.updatedAt) > c.entryTTL
}
