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

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func TestCacheTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New[string](DefaultListingTTL, WithClock[string](clock.Now))

	c.Set("a", "one")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	clock.Advance(DefaultListingTTL)
	_, ok = c.Get("a")
	assert.True(t, ok, "entry is live up to and including the TTL")

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Empty(t, c.Snapshot())
	assert.Equal(t, 1, c.Len())
}

func TestCacheNoTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New[int](0, WithClock[int](clock.Now))
	c.Set("k", 7)
	clock.Advance(24 * 365 * time.Hour)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestCacheDelete(t *testing.T) {
	c := New[int](0)
	c.Set("fed:/ns/a/", 1)
	c.Set("fed:/ns/a/b/", 2)
	c.Set("fed:/other/", 3)

	c.Delete("fed:/other/")
	_, ok := c.Get("fed:/other/")
	assert.False(t, ok)

	assert.Equal(t, 2, c.DeletePrefix("fed:/ns/"))
	assert.Equal(t, 0, c.Len())

	c.Set("x", 1)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCacheSnapshotRestore(t *testing.T) {
	src := New[string](time.Hour)
	src.Set("a", "1")
	src.Set("b", "2")

	snap := src.Snapshot()
	dst := New[string](time.Hour)
	dst.Restore(snap)

	assert.Equal(t, snap, dst.Snapshot())

	// Mutating the snapshot must not leak into either cache.
	snap["c"] = Entry[string]{Value: "3", Timestamp: time.Now()}
	_, ok := src.Get("c")
	assert.False(t, ok)
	_, ok = dst.Get("c")
	assert.False(t, ok)
}

func TestCacheConcurrentReadersDuringWrites(t *testing.T) {
	c := New[int](0)
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("stable-%d", i), i)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(fmt.Sprintf("w%d-%d", w, i), i)
			}
		}(w)
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				k := i % 100
				v, ok := c.Get(fmt.Sprintf("stable-%d", k))
				if !ok || v != k {
					t.Errorf("stable-%d = %d, %v", k, v, ok)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100+4*200, c.Len())
}

func TestCacheUpdate(t *testing.T) {
	c := New[int](0)

	stored := c.Update("missing", func(cur int, ok bool) (int, bool) {
		assert.False(t, ok)
		assert.Zero(t, cur)
		return 0, false
	})
	assert.False(t, stored)
	assert.Equal(t, 0, c.Len())

	c.Set("n", 1)
	stored = c.Update("n", func(cur int, ok bool) (int, bool) {
		require.True(t, ok)
		return cur + 1, true
	})
	assert.True(t, stored)
	v, _ := c.Get("n")
	assert.Equal(t, 2, v)
}

func TestCacheUpdateTreatsExpiredAsMissing(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New[int](time.Minute, WithClock[int](clock.Now))
	c.Set("k", 5)
	clock.Advance(2 * time.Minute)

	c.Update("k", func(cur int, ok bool) (int, bool) {
		assert.False(t, ok)
		assert.Zero(t, cur)
		return 9, true
	})
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 9, v)
}

func TestCacheUpdateConcurrentIncrements(t *testing.T) {
	c := New[int](0)
	c.Set("n", 0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Update("n", func(cur int, _ bool) (int, bool) {
					return cur + 1, true
				})
			}
		}()
	}
	wg.Wait()
	v, _ := c.Get("n")
	assert.Equal(t, 800, v)
}

func TestCacheUpdateEach(t *testing.T) {
	c := New[int](0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	n := c.UpdateEach(func(_ string, cur int) (int, bool) {
		if cur%2 == 0 {
			return 0, false
		}
		return cur * 10, true
	})
	assert.Equal(t, 2, n)

	a, _ := c.Get("a")
	b, _ := c.Get("b")
	cc, _ := c.Get("c")
	assert.Equal(t, 10, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 30, cc)
}
