package alloc

import (
	"context"
	"testing"

	"github.com/databloom/speckv/mesi"
	"github.com/databloom/speckv/tier"
)

func newTestAllocator(l1Pages, l3Pages uint64) *Allocator {
	const pageSize = 4096
	return New(Config{
		PageSize:   pageSize,
		L1Capacity: l1Pages * pageSize,
		L2Capacity: 4 * pageSize,
		L3Capacity: l3Pages * pageSize,
	}, nil)
}

func TestAllocateAssignsDistinctRanges(t *testing.T) {
	a := newTestAllocator(4, 4)

	va1, err := a.Allocate(4096, 0, tier.L1)
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	va2, err := a.Allocate(4096, 0, tier.L1)
	if err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	if va1 == va2 {
		t.Fatalf("expected distinct virtual addresses, got %x twice", va1)
	}
	if !a.IsInTier(va1, tier.L1) || !a.IsInTier(va2, tier.L1) {
		t.Fatal("expected both pages resident in L1")
	}
}

// TestAllocateFallsBackToL3 is scenario 1: preferring L1 when L1 lacks
// capacity falls back to L3, never L2.
func TestAllocateFallsBackToL3(t *testing.T) {
	a := newTestAllocator(1, 4)

	a.Allocate(4096, 0, tier.L1) // fills the only L1 page

	va, err := a.Allocate(4096, 0, tier.L1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !a.IsInTier(va, tier.L3) {
		t.Fatal("expected fallback allocation to land in L3")
	}
	if a.IsInTier(va, tier.L2) {
		t.Fatal("fallback must never land in L2")
	}
}

func TestAllocateResourceExhausted(t *testing.T) {
	a := newTestAllocator(1, 1)

	a.Allocate(4096, 0, tier.L3)
	if _, err := a.Allocate(4096, 0, tier.L3); err == nil {
		t.Fatal("expected resource exhaustion error")
	}
}

func TestDeallocateFreesCapacity(t *testing.T) {
	a := newTestAllocator(1, 4)

	va, _ := a.Allocate(4096, 0, tier.L1)
	a.Deallocate(va)

	if _, err := a.Allocate(4096, 0, tier.L1); err != nil {
		t.Fatalf("expected reallocation to succeed after deallocate, got %v", err)
	}
}

func TestDeallocateUnknownIsNoop(t *testing.T) {
	a := newTestAllocator(1, 1)
	a.Deallocate(0xdeadbeef) // must not panic
}

func TestTranslateVAToPA(t *testing.T) {
	a := newTestAllocator(4, 4)

	va, _ := a.Allocate(4096, 0, tier.L1)
	pa := a.TranslateVAToPA(va + 10)
	if pa == 0 {
		t.Fatal("expected nonzero physical address")
	}
	if pa-a.TranslateVAToPA(va) != 10 {
		t.Fatal("expected offset to be preserved through translation")
	}
}

func TestTranslateUnknownReturnsZero(t *testing.T) {
	a := newTestAllocator(1, 1)
	if pa := a.TranslateVAToPA(0x123456); pa != 0 {
		t.Fatalf("expected 0 for unknown va, got %x", pa)
	}
}

func TestMarkModifiedAndGetPageState(t *testing.T) {
	a := newTestAllocator(4, 4)
	va, _ := a.Allocate(4096, 0, tier.L1)

	a.MarkModified(va)
	state, ok := a.GetPageState(va)
	if !ok || state != mesi.Modified {
		t.Fatalf("state = %v, ok = %v, want Modified/true", state, ok)
	}

	a.InvalidatePage(va)
	state, _ = a.GetPageState(va)
	if state != mesi.Invalid {
		t.Fatalf("state after invalidate = %v, want Invalid", state)
	}
}

func TestUpdateAccessTrackingAccumulates(t *testing.T) {
	a := newTestAllocator(4, 4)
	va, _ := a.Allocate(4096, 0, tier.L1)

	for i := 0; i < 5; i++ {
		a.UpdateAccessTracking(va)
	}

	page, ok := a.Snapshot(va)
	if !ok || page.AccessCount != 5 {
		t.Fatalf("AccessCount = %d, want 5", page.AccessCount)
	}
	if got := a.Statistics().L1Hits; got != 5 {
		t.Fatalf("L1Hits = %d, want 5", got)
	}
}

// TestIsHotPage covers the default hot_threshold of 10 from spec.md §6.
func TestIsHotPage(t *testing.T) {
	a := newTestAllocator(4, 4)
	va, _ := a.Allocate(4096, 0, tier.L1)

	for i := 0; i < 10; i++ {
		a.UpdateAccessTracking(va)
	}
	if a.IsHotPage(va) {
		t.Fatal("expected page not yet hot at exactly 10 accesses (threshold is exclusive)")
	}

	a.UpdateAccessTracking(va)
	if !a.IsHotPage(va) {
		t.Fatal("expected page to be hot after 11 accesses")
	}
}

// TestPromoteEvictsStrictLRU is scenario 6: with L1 capacity for two
// pages, promoting a third evicts the least-recently-touched resident.
func TestPromoteEvictsStrictLRU(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(2, 4)

	vaA, _ := a.Allocate(4096, 0, tier.L3)
	vaB, _ := a.Allocate(4096, 0, tier.L3)
	vaC, _ := a.Allocate(4096, 0, tier.L3)

	if !a.PromoteToL1(ctx, vaA) {
		t.Fatal("promote A failed")
	}
	if !a.PromoteToL1(ctx, vaB) {
		t.Fatal("promote B failed")
	}
	a.UpdateAccessTracking(vaA) // touch A so B becomes the LRU victim

	if !a.PromoteToL1(ctx, vaC) {
		t.Fatal("promote C failed")
	}

	if !a.IsInTier(vaA, tier.L1) {
		t.Fatal("A should remain in L1 (recently touched)")
	}
	if !a.IsInTier(vaC, tier.L1) {
		t.Fatal("C should have been promoted into L1")
	}
	if !a.IsInTier(vaB, tier.L3) {
		t.Fatal("B should have been evicted to L3 as the LRU victim")
	}
}

func TestPromoteAlreadyL1IsNoop(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(4, 4)
	va, _ := a.Allocate(4096, 0, tier.L1)

	if !a.PromoteToL1(ctx, va) {
		t.Fatal("promote of already-L1 page should succeed trivially")
	}
}

func TestDemoteWritesBackModifiedBeforeMoving(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(4, 4)
	va, _ := a.Allocate(4096, 0, tier.L1)

	a.MarkModified(va)
	if !a.DemoteToL3(ctx, va) {
		t.Fatal("demote failed")
	}

	state, _ := a.GetPageState(va)
	if state != mesi.Shared {
		t.Fatalf("state after demote-with-writeback = %v, want Shared", state)
	}
	if !a.IsInTier(va, tier.L3) {
		t.Fatal("expected page in L3 after demote")
	}
}

func TestMigrationStatsTracked(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(4, 4)
	va, _ := a.Allocate(4096, 0, tier.L3)

	a.PromoteToL1(ctx, va)
	a.DemoteToL3(ctx, va)

	stats := a.Statistics()
	if stats.Migrations.L3ToL1 != 1 || stats.Migrations.L1ToL3 != 1 {
		t.Fatalf("migrations = %+v, want one of each", stats.Migrations)
	}
}
