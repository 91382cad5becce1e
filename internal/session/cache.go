// Package session caches authenticated provider sessions between uses.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"weightsync/internal/wsync"
)

// DefaultLifetime is how long an idle session stays usable.
const DefaultLifetime = 30 * time.Minute

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache maps keys to values that expire after a fixed lifetime. With
// freshen-on-get (the default) every hit extends the entry by another
// lifetime, so sessions in regular use never expire. Expired entries are
// removed lazily when accessed. Safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]entry[V]
	lifetime time.Duration
	freshen  bool
	clock    wsync.Clock
	group    singleflight.Group
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	freshen bool
}

// WithFreshenOnGet controls whether a hit resets the entry's expiry.
func WithFreshenOnGet(freshen bool) Option {
	return func(o *options) { o.freshen = freshen }
}

// New creates an empty cache.
func New[V any](lifetime time.Duration, clock wsync.Clock, opts ...Option) *Cache[V] {
	o := options{freshen: true}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		entries:  make(map[string]entry[V]),
		lifetime: lifetime,
		freshen:  o.freshen,
		clock:    clock,
	}
}

// Get returns the value for key. It misses when the key is absent or its
// entry has expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	now := c.clock.Now()
	if !now.Before(e.expires) {
		delete(c.entries, key)
		return zero, false
	}
	if c.freshen {
		e.expires = now.Add(c.lifetime)
		c.entries[key] = e
	}
	return e.value, true
}

// Set stores value under key with a full lifetime, replacing any existing entry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expires: c.clock.Now().Add(c.lifetime)}
}

// Delete drops key. Deleting an absent key is a no-op.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Concurrent misses for the same key share a single load call.
// Failed loads are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
