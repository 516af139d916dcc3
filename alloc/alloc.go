// Package alloc implements the tiered page allocator of spec.md §4.D:
// virtual-range allocation, per-page tier/recency/hotness bookkeeping,
// promotion/demotion between tiers, and strict-LRU eviction within L1.
//
// Per spec.md §9 ("Open questions"), the allocator keeps its own
// page-table coherence_state field independent of the coherence
// manager's directory — the two are reconciled only at the points the
// spec calls out explicitly (writeback-before-demote, tier mirroring on
// promote/demote), not on every local mark_modified/invalidate_page
// call. deallocate does not touch the coherence directory; stale
// entries remain and are overwritten on next access to the same line.
package alloc

import (
	"container/list"
	"context"
	"sync"

	"github.com/databloom/speckv/mesi"
	"github.com/databloom/speckv/speckverr"
	"github.com/databloom/speckv/tier"
)

// hotThresholdDefault mirrors spec.md §3's default.
const hotThresholdDefault = 10

// virtualRegionBits reserves the top bits of a virtual address to keep
// each tier's monotonic virtual cursor in its own non-overlapping
// region, so "per-tier monotonic cursors" (spec.md §4.D) can never
// collide across tiers while still resolving to "at most one page"
// globally (invariant 2).
const virtualRegionBits = 48

// Coherence is the narrow slice of coherence.Manager the allocator
// depends on: writeback-before-demote (invariant 5) and tier mirroring
// on promotion/demotion (invariant 4).
type Coherence interface {
	Writeback(ctx context.Context, addr uint64, data []byte) bool
	PromoteToL1(ctx context.Context, addr uint64) bool
	DemoteToL3(ctx context.Context, addr uint64, data []byte) bool
}

// Page is one allocation unit, per spec.md §3.
type Page struct {
	VirtualAddr    uint64
	PhysicalAddr   uint64
	Tier           tier.Tier
	CoherenceState mesi.State
	AccessCount    uint64
	LastAccessTime uint64
	IsHot          bool
	LayerID        int
}

// Allocation is a contiguous virtual range sharing a layer id.
type Allocation struct {
	Base     uint64
	LayerID  int
	NumPages int
}

// Migrations counts tier transitions driven by promote/demote.
type Migrations struct {
	L3ToL1 uint64
	L1ToL3 uint64
}

// Stats are the allocator's observability counters.
type Stats struct {
	L1Hits     uint64
	L1Misses   uint64
	L2Hits     uint64
	L3Accesses uint64
	Migrations Migrations
}

// Config configures tier capacities, page size, and hotness threshold.
type Config struct {
	PageSize     uint64
	L1Capacity   uint64 // bytes
	L2Capacity   uint64
	L3Capacity   uint64
	HotThreshold uint64
	Clock        func() uint64 // monotonic tick source; nil uses an internal counter
}

// Allocator is the tiered page allocator. Lock order: allocMu before
// pageTableMu, never the reverse, per spec.md §5.
type Allocator struct {
	pageSize     uint64
	hotThreshold uint64
	coh          Coherence
	clock        func() uint64

	allocMu       sync.Mutex
	virtualCursor map[tier.Tier]uint64
	physCursor    map[tier.Tier]uint64
	allocations   map[uint64]*Allocation

	pageTableMu sync.Mutex
	pageTable   map[uint64]*Page
	tierUsed    map[tier.Tier]uint64
	tierCap     map[tier.Tier]uint64
	lru         *list.List
	lruElem     map[uint64]*list.Element
	stats       Stats
}

// New constructs an allocator. coh may be nil: promote and demote then
// make no coherence calls, and demoting a Modified page marks it Shared
// without any writeback.
func New(cfg Config, coh Coherence) *Allocator {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	if cfg.HotThreshold == 0 {
		cfg.HotThreshold = hotThresholdDefault
	}
	clock := cfg.Clock
	if clock == nil {
		var counter uint64
		clock = func() uint64 {
			counter++
			return counter
		}
	}

	a := &Allocator{
		pageSize:     cfg.PageSize,
		hotThreshold: cfg.HotThreshold,
		coh:          coh,
		clock:        clock,
		virtualCursor: map[tier.Tier]uint64{
			tier.L1: uint64(tier.L1) << virtualRegionBits,
			tier.L2: uint64(tier.L2) << virtualRegionBits,
			tier.L3: uint64(tier.L3) << virtualRegionBits,
		},
		physCursor: map[tier.Tier]uint64{
			tier.L1: uint64(tier.L1) << virtualRegionBits,
			tier.L2: uint64(tier.L2) << virtualRegionBits,
			tier.L3: uint64(tier.L3) << virtualRegionBits,
		},
		allocations: make(map[uint64]*Allocation),
		pageTable:   make(map[uint64]*Page),
		tierUsed:    make(map[tier.Tier]uint64),
		tierCap: map[tier.Tier]uint64{
			tier.L1: cfg.L1Capacity,
			tier.L2: cfg.L2Capacity,
			tier.L3: cfg.L3Capacity,
		},
		lru:     list.New(),
		lruElem: make(map[uint64]*list.Element),
	}
	return a
}

func ceilDiv(n, d uint64) uint64 {
	return (n + d - 1) / d
}

func (a *Allocator) pageAlign(va uint64) uint64 {
	return va &^ (a.pageSize - 1)
}

// Allocate rounds bytes up to a whole number of pages and assigns
// contiguous virtual/physical ranges from preferred's per-tier cursors.
// If preferred is L1 and L1 cannot fit the allocation, it silently
// falls back to L3 (never L2, reserved for prefetch landings).
func (a *Allocator) Allocate(bytesLen uint64, layerID int, preferred tier.Tier) (uint64, error) {
	numPages := ceilDiv(bytesLen, a.pageSize)
	if numPages == 0 {
		numPages = 1
	}
	sizeBytes := numPages * a.pageSize

	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	a.pageTableMu.Lock()
	finalTier := preferred
	if preferred == tier.L1 && a.tierUsed[tier.L1]+sizeBytes > a.tierCap[tier.L1] {
		finalTier = tier.L3
	}
	if a.tierUsed[finalTier]+sizeBytes > a.tierCap[finalTier] {
		a.pageTableMu.Unlock()
		return 0, speckverr.New(speckverr.StatusResourceExhausted, "allocation does not fit in any tier")
	}
	a.tierUsed[finalTier] += sizeBytes
	a.pageTableMu.Unlock()

	vBase := a.virtualCursor[finalTier]
	a.virtualCursor[finalTier] += sizeBytes
	pBase := a.physCursor[finalTier]
	a.physCursor[finalTier] += sizeBytes

	a.pageTableMu.Lock()
	for i := uint64(0); i < numPages; i++ {
		va := vBase + i*a.pageSize
		a.pageTable[va] = &Page{
			VirtualAddr:    va,
			PhysicalAddr:   pBase + i*a.pageSize,
			Tier:           finalTier,
			CoherenceState: mesi.Exclusive,
			LayerID:        layerID,
		}
	}
	a.pageTableMu.Unlock()

	a.allocations[vBase] = &Allocation{Base: vBase, LayerID: layerID, NumPages: int(numPages)}
	return vBase, nil
}

// Deallocate removes every page of the allocation based at base from
// the page table, the tier-used accounting, and the L1 LRU list.
// No-op on an unknown base.
func (a *Allocator) Deallocate(base uint64) {
	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	allocation, ok := a.allocations[base]
	if !ok {
		return
	}
	delete(a.allocations, base)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()
	for i := 0; i < allocation.NumPages; i++ {
		va := base + uint64(i)*a.pageSize
		page, ok := a.pageTable[va]
		if !ok {
			continue
		}
		a.tierUsed[page.Tier] -= a.pageSize
		delete(a.pageTable, va)
		a.removeFromLRULocked(va)
	}
}

// TranslateVAToPA looks up the aligned page and returns base physical
// plus intra-page offset, or 0 if unknown.
func (a *Allocator) TranslateVAToPA(va uint64) uint64 {
	page, offset := a.pageAlign(va), va-a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	p, ok := a.pageTable[page]
	if !ok {
		return 0
	}
	return p.PhysicalAddr + offset
}

// IsInTier reports whether va's page currently resides in t.
func (a *Allocator) IsInTier(va uint64, t tier.Tier) bool {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	p, ok := a.pageTable[page]
	return ok && p.Tier == t
}

// GetPageState returns the page's locally-tracked coherence state.
func (a *Allocator) GetPageState(va uint64) (mesi.State, bool) {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	p, ok := a.pageTable[page]
	if !ok {
		return mesi.Invalid, false
	}
	return p.CoherenceState, true
}

// MarkModified sets va's page to state Modified.
func (a *Allocator) MarkModified(va uint64) {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	if p, ok := a.pageTable[page]; ok {
		p.CoherenceState = mesi.Modified
	}
}

// InvalidatePage sets va's page to state Invalid.
func (a *Allocator) InvalidatePage(va uint64) {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	if p, ok := a.pageTable[page]; ok {
		p.CoherenceState = mesi.Invalid
	}
}

// UpdateAccessTracking increments access_count, stamps last_access_time,
// classifies tier-specific hit/miss counters, and — when the page is in
// L1 — moves it to the MRU end of the LRU list.
func (a *Allocator) UpdateAccessTracking(va uint64) {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	p, ok := a.pageTable[page]
	if !ok {
		return
	}

	if p.AccessCount < ^uint64(0) {
		p.AccessCount++
	}
	p.LastAccessTime = a.clock()

	switch p.Tier {
	case tier.L1:
		a.stats.L1Hits++
		a.touchLRULocked(page)
	case tier.L2:
		a.stats.L1Misses++
		a.stats.L2Hits++
	case tier.L3:
		a.stats.L1Misses++
		a.stats.L3Accesses++
	}
}

// IsHotPage updates and returns the page's is_hot flag using the
// current threshold.
func (a *Allocator) IsHotPage(va uint64) bool {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	p, ok := a.pageTable[page]
	if !ok {
		return false
	}
	p.IsHot = p.AccessCount > a.hotThreshold
	return p.IsHot
}

// Snapshot returns a copy of va's page for inspection, or ok=false if
// unknown.
func (a *Allocator) Snapshot(va uint64) (Page, bool) {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	p, ok := a.pageTable[page]
	if !ok {
		return Page{}, false
	}
	return *p, true
}

// Statistics returns a copy of the allocator's counters.
func (a *Allocator) Statistics() Stats {
	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()
	return a.stats
}

// L1Set returns the virtual addresses currently resident in L1, in
// recency order (least recent first), for test assertions.
func (a *Allocator) L1Set() []uint64 {
	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	out := make([]uint64, 0, a.lru.Len())
	for e := a.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(uint64))
	}
	return out
}
