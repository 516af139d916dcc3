package alloc

import (
	"context"

	"github.com/databloom/speckv/mesi"
	"github.com/databloom/speckv/tier"
)

// touchLRULocked moves va to the MRU end, inserting it if absent.
// Caller holds pageTableMu.
func (a *Allocator) touchLRULocked(va uint64) {
	if e, ok := a.lruElem[va]; ok {
		a.lru.MoveToBack(e)
		return
	}
	a.lruElem[va] = a.lru.PushBack(va)
}

// removeFromLRULocked drops va from the LRU list if present. Caller
// holds pageTableMu.
func (a *Allocator) removeFromLRULocked(va uint64) {
	if e, ok := a.lruElem[va]; ok {
		a.lru.Remove(e)
		delete(a.lruElem, va)
	}
}

// lruFrontLocked returns the least-recently-used L1 address, if any.
// Caller holds pageTableMu.
func (a *Allocator) lruFrontLocked() (uint64, bool) {
	e := a.lru.Front()
	if e == nil {
		return 0, false
	}
	return e.Value.(uint64), true
}

// PromoteToL1 moves va's page into L1, evicting strict-LRU victims
// until it fits. Evicted victims land in L3, writing back first if
// Modified (invariant 5). Returns false if va is unknown or eviction
// cannot free enough room.
func (a *Allocator) PromoteToL1(ctx context.Context, va uint64) bool {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	return a.promoteToL1Locked(ctx, page)
}

func (a *Allocator) promoteToL1Locked(ctx context.Context, page uint64) bool {
	p, ok := a.pageTable[page]
	if !ok {
		return false
	}
	if p.Tier == tier.L1 {
		return true
	}

	for a.tierUsed[tier.L1]+a.pageSize > a.tierCap[tier.L1] {
		victim, ok := a.lruFrontLocked()
		if !ok {
			break
		}
		if !a.demoteToL3Locked(ctx, victim) {
			return false
		}
	}
	if a.tierUsed[tier.L1]+a.pageSize > a.tierCap[tier.L1] {
		return false
	}

	oldTier := p.Tier
	a.tierUsed[oldTier] -= a.pageSize
	p.Tier = tier.L1
	a.tierUsed[tier.L1] += a.pageSize
	a.touchLRULocked(page)
	a.stats.Migrations.L3ToL1++

	if a.coh != nil && !a.coh.PromoteToL1(ctx, page) {
		return false
	}
	return true
}

// DemoteToL3 moves va's page to L3, writing back first if Modified.
// No-op (returns true) if va is unknown or already in L3.
func (a *Allocator) DemoteToL3(ctx context.Context, va uint64) bool {
	page := a.pageAlign(va)

	a.pageTableMu.Lock()
	defer a.pageTableMu.Unlock()

	return a.demoteToL3Locked(ctx, page)
}

func (a *Allocator) demoteToL3Locked(ctx context.Context, page uint64) bool {
	p, ok := a.pageTable[page]
	if !ok {
		return true
	}
	if p.Tier == tier.L3 {
		return true
	}

	if p.CoherenceState == mesi.Modified {
		if a.coh != nil && !a.coh.Writeback(ctx, page, nil) {
			return false
		}
		p.CoherenceState = mesi.Shared
	}

	a.tierUsed[p.Tier] -= a.pageSize
	a.removeFromLRULocked(page)
	if p.Tier == tier.L1 {
		a.stats.Migrations.L1ToL3++
	}
	p.Tier = tier.L3
	a.tierUsed[tier.L3] += a.pageSize

	if a.coh != nil && !a.coh.DemoteToL3(ctx, page, nil) {
		return false
	}
	return true
}
