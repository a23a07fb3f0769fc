// Package cache provides a generic, thread-safe TTL cache with built-in
// statistics. It fronts the idempotency ledger (cheap early duplicate reject)
// and the graph store's per-entity history reads.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidTTL is returned when a cache is constructed with a non-positive
// TTL or cleanup interval.
var ErrInvalidTTL = errors.New("cache: ttl and cleanup interval must be positive")

// EvictCallback is invoked after an entry is removed by expiry or Delete.
type EvictCallback[V any] func(key string, value V)

// Statistics tracks cache effectiveness. All counters are cumulative.
type Statistics struct {
	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
}

func (s *Statistics) hit()      { s.mu.Lock(); s.hits++; s.mu.Unlock() }
func (s *Statistics) miss()     { s.mu.Lock(); s.misses++; s.mu.Unlock() }
func (s *Statistics) eviction() { s.mu.Lock(); s.evictions++; s.mu.Unlock() }

// Hits returns the cumulative hit count.
func (s *Statistics) Hits() int64 { s.mu.Lock(); defer s.mu.Unlock(); return s.hits }

// Misses returns the cumulative miss count.
func (s *Statistics) Misses() int64 { s.mu.Lock(); defer s.mu.Unlock(); return s.misses }

// Evictions returns the cumulative eviction count.
func (s *Statistics) Evictions() int64 { s.mu.Lock(); defer s.mu.Unlock(); return s.evictions }

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a time-to-live cache. Entries expire ttl after they were last Set.
// A background goroutine sweeps expired entries every cleanup interval; the
// goroutine exits when ctx is cancelled or Close is called.
type TTL[V any] struct {
	mu       sync.RWMutex
	ttl      time.Duration
	items    map[string]entry[V]
	stats    *Statistics
	evictFn  EvictCallback[V]
	shutdown chan struct{}
	once     sync.Once
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithEvictionCallback registers fn to run after entries are evicted.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *TTL[V]) { c.evictFn = fn }
}

// NewTTL creates a TTL cache with a background sweeper.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 || cleanupInterval <= 0 {
		return nil, ErrInvalidTTL
	}

	c := &TTL[V]{
		ttl:      ttl,
		items:    make(map[string]entry[V]),
		stats:    &Statistics{},
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.sweep(ctx, cleanupInterval)
	return c, nil
}

// Get returns the value for key if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		c.stats.miss()
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.expire(key)
		var zero V
		c.stats.miss()
		return zero, false
	}

	c.stats.hit()
	return e.value, true
}

// Set stores value under key, resetting its TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes key. Returns true if it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	c.mu.Unlock()

	if ok && c.evictFn != nil {
		c.evictFn(key, e.value)
	}
	return ok
}

// Size returns the number of entries, including not-yet-swept expired ones.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns the cache statistics.
func (c *TTL[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background sweeper. Safe to call more than once.
func (c *TTL[V]) Close() error {
	c.once.Do(func() { close(c.shutdown) })
	return nil
}

func (c *TTL[V]) expire(key string) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && time.Now().After(e.expiresAt) {
		delete(c.items, key)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if ok {
		c.stats.eviction()
		if c.evictFn != nil {
			c.evictFn(key, e.value)
		}
	}
}

func (c *TTL[V]) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			now := time.Now()

			c.mu.Lock()
			var evicted []string
			var values []V
			for k, e := range c.items {
				if now.After(e.expiresAt) {
					evicted = append(evicted, k)
					values = append(values, e.value)
					delete(c.items, k)
				}
			}
			c.mu.Unlock()

			for i, k := range evicted {
				c.stats.eviction()
				if c.evictFn != nil {
					c.evictFn(k, values[i])
				}
			}
		}
	}
}
