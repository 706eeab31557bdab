// Package cache is a small TTL cache handed to its consumers explicitly.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Cache[V any] struct {
	c *gocache.Cache
}

// New returns an empty cache. ttl <= 0 means entries never expire.
func New[V any](ttl, cleanup time.Duration) *Cache[V] {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Cache[V]{c: gocache.New(ttl, cleanup)}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := c.c.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores v with the default TTL.
func (c *Cache[V]) Set(key string, v V) {
	c.c.SetDefault(key, v)
}

func (c *Cache[V]) SetWithTTL(key string, v V, ttl time.Duration) {
	c.c.Set(key, v, ttl)
}

func (c *Cache[V]) Invalidate(key string) {
	c.c.Delete(key)
}

func (c *Cache[V]) Clear() {
	c.c.Flush()
}

// Len counts entries, including expired ones not yet cleaned up.
func (c *Cache[V]) Len() int {
	return c.c.ItemCount()
}
