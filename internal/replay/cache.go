// Package replay enforces freshness and single use of wallet-signed messages.
package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store is a set-if-absent key store with per-key expiry.
type Store interface {
	// SetNX inserts key unless a live entry exists. It reports whether the insert happened.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Has reports whether a live entry exists for key.
	Has(ctx context.Context, key string) (bool, error)
}

type entry struct {
	insertedAt time.Time
	ttl        time.Duration
}

// expired measures age from the original insertion. time.Now readings carry a
// monotonic component, so a wall-clock rollback yields a smaller age, never a
// revalidated entry.
func (e entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) >= e.ttl
}

// MemoryCache is a process-local Store with a background sweep.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]entry
	now      func() time.Time
	interval time.Duration
	logger   *slog.Logger

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(c *MemoryCache) {
		c.logger = logger
	}
}

// NewMemoryCache creates a cache whose sweeper runs every cleanupInterval once started.
func NewMemoryCache(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries:  make(map[string]entry),
		now:      time.Now,
		interval: cleanupInterval,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetNX implements Store. The check and insert happen under one lock.
func (c *MemoryCache) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	c.entries[key] = entry{insertedAt: now, ttl: ttl}
	return true, nil
}

// Has implements Store. An expired entry is evicted on read.
func (c *MemoryCache) Has(_ context.Context, key string) (bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if e.expired(now) {
		delete(c.entries, key)
		return false, nil
	}
	return true, nil
}

// Len returns the number of stored entries, live or not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Start launches the background sweeper. Calling Start more than once has no effect.
func (c *MemoryCache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.run()
}

func (c *MemoryCache) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("swept expired replay entries",
					slog.Int("removed", removed),
					slog.Int("remaining", c.Len()),
				)
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts the sweeper and waits for it to exit. It is safe to call without Start.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.doneCh
		}
	})
}

var _ Store = (*MemoryCache)(nil)
