// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package shadercache memoizes shader compilation by source text.
//
// Compiling WGSL to SPIR-V is far more expensive than creating the module
// object, and applications commonly create the same module on several
// devices or recreate it after a device loss. A Cache keeps the result of
// each compile, failures included, so a source string is compiled once.
//
//	c := shadercache.New(128)
//	words, err := c.Compile(wgsl, compileSPIRV)
//
// A Cache is safe for concurrent use and must not be copied.
package shadercache

import (
	"hash/fnv"
	"sync"
)

// DefaultCapacity is the soft limit used when New is given zero.
const DefaultCapacity = 128

// Compiler turns source text into SPIR-V words.
type Compiler func(source string) ([]uint32, error)

// Cache is a thread-safe LRU of compile results with a soft limit. When
// the cache grows past the limit the least recently used quarter of the
// entries is evicted.
type Cache struct {
	mu        sync.Mutex
	entries   map[uint64]*entry
	softLimit int
	tick      int64

	hits      uint64
	misses    uint64
	evictions uint64
}

type entry struct {
	source string
	words  []uint32
	err    error
	atime  int64
}

// Stats contains cache statistics.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// New creates a cache holding about softLimit results.
func New(softLimit int) *Cache {
	if softLimit <= 0 {
		softLimit = DefaultCapacity
	}
	return &Cache{
		entries:   make(map[uint64]*entry),
		softLimit: softLimit,
	}
}

func key(source string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source)) // fnv.Write never returns an error
	return h.Sum64()
}

// Compile returns the cached result for source, or runs compile and caches
// its result. compile runs under the cache lock, so concurrent callers with
// the same source compile it once. The returned words are shared and must
// not be modified.
func (c *Cache) Compile(source string, compile Compiler) ([]uint32, error) {
	k := key(source)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	// A hash collision with a different source is a miss that replaces
	// the older entry.
	if e, ok := c.entries[k]; ok && e.source == source {
		e.atime = c.tick
		c.hits++
		return e.words, e.err
	}
	c.misses++

	words, err := compile(source)
	c.entries[k] = &entry{source: source, words: words, err: err, atime: c.tick}
	if len(c.entries) > c.softLimit {
		c.evictOldest()
	}
	return words, err
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every cached result. Statistics are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*entry)
	c.tick = 0
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:       len(c.entries),
		Capacity:  c.softLimit,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// evictOldest removes entries until three quarters of the soft limit
// remain. Caller must hold c.mu.
func (c *Cache) evictOldest() {
	target := max(c.softLimit*3/4, 1)
	toEvict := len(c.entries) - target
	if toEvict <= 0 {
		return
	}

	type aged struct {
		key   uint64
		atime int64
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, atime: e.atime})
	}

	// Partial selection sort: only the oldest toEvict entries are ordered.
	for i := 0; i < toEvict; i++ {
		oldest := i
		for j := i + 1; j < len(all); j++ {
			if all[j].atime < all[oldest].atime {
				oldest = j
			}
		}
		all[i], all[oldest] = all[oldest], all[i]
		delete(c.entries, all[i].key)
		c.evictions++
	}
}
