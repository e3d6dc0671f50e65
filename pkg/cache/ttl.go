package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ttlCache evicts entries once their TTL elapses. Expired entries are
// dropped lazily on Get and swept periodically in the background.
type ttlCache[V any] struct {
	ttl           time.Duration
	sweepInterval time.Duration

	mu    sync.RWMutex
	items map[string]ttlEntry[V]

	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}

	metrics *cacheMetrics
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates a TTL cache and starts its background sweep. The sweep
// stops when ctx is cancelled or the cache is closed. A zero sweepInterval
// defaults to the TTL.
func NewTTL[V any](ctx context.Context, ttl, sweepInterval time.Duration, opts ...Option[V]) (Cache[V], error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %v", ttl)
	}
	if sweepInterval < 0 {
		return nil, fmt.Errorf("sweep interval must not be negative, got %v", sweepInterval)
	}
	if sweepInterval == 0 {
		sweepInterval = ttl
	}

	c := &ttlCache[V]{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		items:         make(map[string]ttlEntry[V]),
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	go c.sweep(ctx)
	return c, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			// Lazy eviction so an expired entry cannot be served
			// again before the next sweep.
			c.mu.Lock()
			if current, still := c.items[key]; still && time.Now().After(current.expiresAt) {
				delete(c.items, key)
				if c.metrics != nil {
					c.metrics.evictions.Inc()
					c.metrics.size.Set(float64(len(c.items)))
				}
			}
			c.mu.Unlock()
		}
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}

	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return entry.value, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	c.mu.Lock()
	_, existed := c.items[key]
	c.items[key] = ttlEntry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.sets.Inc()
		c.metrics.size.Set(float64(size))
	}
	return !existed, nil
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	c.mu.Lock()
	_, existed := c.items[key]
	delete(c.items, key)
	size := len(c.items)
	c.mu.Unlock()

	if existed && c.metrics != nil {
		c.metrics.size.Set(float64(size))
	}
	return existed, nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache sweep to stop")
	}
}

func (c *ttlCache[V]) sweep(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := time.Now()
	evicted := 0

	c.mu.Lock()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			delete(c.items, key)
			evicted++
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if evicted > 0 && c.metrics != nil {
		c.metrics.evictions.Add(float64(evicted))
		c.metrics.size.Set(float64(size))
	}
}
