// Copyright (C) 2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type TTLCacheItem[V any] struct {
	value     V
	timestamp time.Time
}

// Cache with per-key TTL tracking and single-flight fetch
type TTLCache[K comparable, V any] struct {
	data    map[K]TTLCacheItem[V]
	ttl     time.Duration
	now     func() time.Time
	lock    sync.RWMutex
	sfGroup singleflight.Group
}

func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		data: make(map[K]TTLCacheItem[V]),
		ttl:  ttl,
		now:  time.Now,
	}
}

// WithClock replaces the cache's time source.
func (c *TTLCache[K, V]) WithClock(now func() time.Time) *TTLCache[K, V] {
	c.now = now
	return c
}

// Get checks if the cached value is fresh for a given key, otherwise fetches
// the value using fetchFunc. Concurrent fetches for the same key are deduplicated.
// If [invalidate] is true, the value is dropped before fetching so that no
// caller can read the stale value while the fetch is in flight.
func (c *TTLCache[K, V]) Get(key K, fetchFunc func(K) (V, error), invalidate bool) (V, error) {
	if invalidate {
		c.Invalidate(key)
	} else if v, ok := c.fresh(key); ok {
		return v, nil
	}

	v, err, _ := c.sfGroup.Do(keyToString(key), c.fetch(key, fetchFunc))
	if err != nil {
		return *new(V), err
	}
	return v.(V), nil
}

// GetContext is Get for fetches bound to a context. The shared fetch runs
// under ctx without its cancellation, so a caller that gives up never fails
// the callers that joined its fetch. A caller whose ctx ends stops waiting
// and gets ctx.Err().
func (c *TTLCache[K, V]) GetContext(
	ctx context.Context,
	key K,
	fetchFunc func(context.Context, K) (V, error),
	invalidate bool,
) (V, error) {
	if invalidate {
		c.Invalidate(key)
	} else if v, ok := c.fresh(key); ok {
		return v, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	results := c.sfGroup.DoChan(keyToString(key), c.fetch(key, func(key K) (V, error) {
		return fetchFunc(fetchCtx, key)
	}))
	select {
	case res := <-results:
		if res.Err != nil {
			return *new(V), res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return *new(V), ctx.Err()
	}
}

func (c *TTLCache[K, V]) fetch(key K, fetchFunc func(K) (V, error)) func() (interface{}, error) {
	return func() (interface{}, error) {
		newValue, fetchErr := fetchFunc(key)
		if fetchErr != nil {
			return *new(V), fetchErr
		}

		c.lock.Lock()
		c.data[key] = TTLCacheItem[V]{
			value:     newValue,
			timestamp: c.now(),
		}
		c.lock.Unlock()

		return newValue, nil
	}
}

// Invalidate drops key from the cache.
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.lock.Lock()
	delete(c.data, key)
	c.lock.Unlock()
}

func (c *TTLCache[K, V]) fresh(key K) (V, bool) {
	c.lock.RLock()
	item, exists := c.data[key]
	c.lock.RUnlock()
	if exists && c.now().Sub(item.timestamp) < c.ttl {
		return item.value, true
	}
	return *new(V), false
}

// keyToString is defined to allow for both fmt.Stringer and primitive string types.
func keyToString[K comparable](key K) string {
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}
