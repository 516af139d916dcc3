// Package tlb implements the direct-mapped virtual-to-physical address
// translation cache of spec.md §4.A. It is deliberately the smallest
// component in the engine: a fixed-size array indexed by
// (virtual page number) mod size, guarded by a single mutex, with no
// dirty-state tracking — entries are pure lookups.
package tlb

import (
	"sync"
)

// PageWalkFunc resolves a virtual page number to a physical page number
// on a translation-cache miss. The default (see NewLinearWalk) is a fixed
// base-offset mapping, adequate for the mock backing store; a real
// implementation may substitute a page-table walk.
type PageWalkFunc func(virtualPage uint64) uint64

// entry is one direct-mapped slot.
type entry struct {
	virtualPage  uint64
	physicalPage uint64
	valid        bool
}

// Cache is the direct-mapped translation cache. Zero value is not
// usable; construct with New.
type Cache struct {
	mu sync.Mutex

	pageSize  uint64
	pageShift uint
	size      int
	entries   []entry
	walk      PageWalkFunc

	hits   uint64
	misses uint64
}

// New constructs a translation cache with the given number of slots and
// page size (must be a power of two). walk resolves misses; pass nil to
// use a linear identity-plus-offset mapping (see NewLinearWalk).
func New(size int, pageSize uint64, walk PageWalkFunc) *Cache {
	if size <= 0 {
		size = 1024
	}
	if walk == nil {
		walk = NewLinearWalk(0)
	}
	return &Cache{
		pageSize:  pageSize,
		pageShift: log2(pageSize),
		size:      size,
		entries:   make([]entry, size),
		walk:      walk,
	}
}

// NewLinearWalk returns a PageWalkFunc mapping virtual page N to
// physical page N plus a fixed base offset (in pages). This is the
// default, adequate for the mock transport; real backing stores may
// substitute a page-table walk.
func NewLinearWalk(baseOffsetPages uint64) PageWalkFunc {
	return func(virtualPage uint64) uint64 {
		return virtualPage + baseOffsetPages
	}
}

func log2(n uint64) uint {
	var shift uint
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}

// Translate resolves a virtual address to a physical address, servicing
// the request from the cache on a tag hit or via the page-walk function
// on a miss (installing the result, evicting any colliding entry).
func (c *Cache) Translate(va uint64) uint64 {
	page := va >> c.pageShift
	offset := va & (c.pageSize - 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := int(page % uint64(c.size))
	e := &c.entries[idx]
	if e.valid && e.virtualPage == page {
		c.hits++
		return (e.physicalPage << c.pageShift) | offset
	}

	c.misses++
	physicalPage := c.walk(page)
	*e = entry{virtualPage: page, physicalPage: physicalPage, valid: true}
	return (physicalPage << c.pageShift) | offset
}

// Invalidate removes the entry for va's page, if the slot currently
// holds it.
func (c *Cache) Invalidate(va uint64) {
	page := va >> c.pageShift

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := int(page % uint64(c.size))
	e := &c.entries[idx]
	if e.valid && e.virtualPage == page {
		e.valid = false
	}
}

// InvalidateAll clears every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		c.entries[i] = entry{}
	}
}

// Stats is a point-in-time snapshot for observability; no behavior
// depends on it.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns Hits / (Hits+Misses), or 0 when there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns a copy of the current hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{Hits: c.hits, Misses: c.misses}
}
