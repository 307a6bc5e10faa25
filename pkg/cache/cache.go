// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pelican.
//
// go-pelican is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cache provides a read-mostly, copy-on-write cache with optional TTL.
//
// Readers never take a lock: the current map is published through an atomic
// pointer and is never modified after publication. Writers serialize on a
// mutex, copy the map, apply their change and publish the copy, so a reader
// holding the previous map keeps seeing consistent entries.
package cache

import (
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultListingTTL is the lifetime of cached object listings.
const DefaultListingTTL = 5 * time.Minute

// Entry is a cached value and the time it was stored.
type Entry[T any] struct {
	Value     T         `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Cache maps string keys to values. A zero TTL means entries never expire.
type Cache[T any] struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries atomic.Pointer[map[string]Entry[T]]
}

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithClock overrides time.Now, for tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) {
		c.now = now
	}
}

// New creates an empty cache.
func New[T any](ttl time.Duration, opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	empty := map[string]Entry[T]{}
	c.entries.Store(&empty)
	return c
}

// TTL returns the configured lifetime.
func (c *Cache[T]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key if present and not expired.
func (c *Cache[T]) Get(key string) (T, bool) {
	e, ok := (*c.entries.Load())[key]
	if !ok || c.expired(e) {
		var zero T
		return zero, false
	}
	return e.Value, true
}

// Set stores value under key with the current time.
func (c *Cache[T]) Set(key string, value T) {
	c.update(func(m map[string]Entry[T]) {
		m[key] = Entry[T]{Value: value, Timestamp: c.now()}
	})
}

// Update applies fn to the live value under key while holding the write
// lock, so no concurrent writer can interleave. ok reports whether a live
// value was present. When fn returns false the entry is left untouched.
// Update reports whether a value was stored.
func (c *Cache[T]) Update(key string, fn func(current T, ok bool) (T, bool)) bool {
	stored := false
	c.update(func(m map[string]Entry[T]) {
		var cur T
		e, ok := m[key]
		if ok && !c.expired(e) {
			cur = e.Value
		} else {
			ok = false
		}
		next, keep := fn(cur, ok)
		if !keep {
			return
		}
		m[key] = Entry[T]{Value: next, Timestamp: c.now()}
		stored = true
	})
	return stored
}

// UpdateEach applies fn to every live entry under a single write lock and
// returns how many entries fn chose to replace.
func (c *Cache[T]) UpdateEach(fn func(key string, current T) (T, bool)) int {
	n := 0
	c.update(func(m map[string]Entry[T]) {
		for k, e := range m {
			if c.expired(e) {
				continue
			}
			next, keep := fn(k, e.Value)
			if !keep {
				continue
			}
			m[k] = Entry[T]{Value: next, Timestamp: c.now()}
			n++
		}
	})
	return n
}

// Delete removes key.
func (c *Cache[T]) Delete(key string) {
	c.update(func(m map[string]Entry[T]) {
		delete(m, key)
	})
}

// DeletePrefix removes every key starting with prefix and returns how many were removed.
func (c *Cache[T]) DeletePrefix(prefix string) int {
	n := 0
	c.update(func(m map[string]Entry[T]) {
		for k := range m {
			if strings.HasPrefix(k, prefix) {
				delete(m, k)
				n++
			}
		}
	})
	return n
}

// Clear removes every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	empty := map[string]Entry[T]{}
	c.entries.Store(&empty)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[T]) Len() int {
	return len(*c.entries.Load())
}

// Snapshot returns a copy of the live entries, for persistence.
func (c *Cache[T]) Snapshot() map[string]Entry[T] {
	out := make(map[string]Entry[T])
	for k, e := range *c.entries.Load() {
		if !c.expired(e) {
			out[k] = e
		}
	}
	return out
}

// Restore merges previously snapshotted entries, keeping their timestamps.
func (c *Cache[T]) Restore(entries map[string]Entry[T]) {
	c.update(func(m map[string]Entry[T]) {
		maps.Copy(m, entries)
	})
}

func (c *Cache[T]) expired(e Entry[T]) bool {
	return c.ttl > 0 && c.now().Sub(e.Timestamp) > c.ttl
}

func (c *Cache[T]) update(fn func(map[string]Entry[T])) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := maps.Clone(*c.entries.Load())
	fn(next)
	c.entries.Store(&next)
}
