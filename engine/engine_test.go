package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/databloom/speckv/speckverr"
	"github.com/databloom/speckv/tier"
	"github.com/databloom/speckv/transport"
)

func newTestEngine() *Engine {
	mock := transport.NewMock()
	return New(mock, Config{
		L1Capacity: 8 * 4096,
		L2Capacity: 8 * 4096,
		L3Capacity: 64 * 4096,
		PageSize:   4096,
	}, nil)
}

func TestAllocAccessFreeRoundTrip(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	h, err := e.Alloc(4096, 0, tier.L1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	if err := e.Access(ctx, h, 0, true, []byte("hello")); err != nil {
		t.Fatalf("write access: %v", err)
	}
	if err := e.Access(ctx, h, 0, false, nil); err != nil {
		t.Fatalf("read access: %v", err)
	}

	if err := e.Free(h); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestAccessUnknownHandle(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	if err := e.Access(ctx, Handle(9999), 0, false, nil); !errors.Is(err, speckverr.ErrUnknownHandle) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFreeUnknownHandle(t *testing.T) {
	e := newTestEngine()
	if err := e.Free(Handle(42)); err == nil {
		t.Fatal("expected error freeing an unknown handle")
	}
}

func TestAccessPromotesOnMiss(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	h, _ := e.Alloc(4096, 0, tier.L3)
	base := e.handles[h].base

	if e.alloc.IsInTier(base, tier.L1) {
		t.Fatal("freshly allocated L3 page should not start in L1")
	}

	if err := e.Access(ctx, h, 0, false, nil); err != nil {
		t.Fatalf("access: %v", err)
	}

	if !e.alloc.IsInTier(base, tier.L1) {
		t.Fatal("expected access to promote the page into L1")
	}
}

func TestPrefetchHintUsesHandleLayer(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	h, _ := e.Alloc(4096, 3, tier.L1)

	_, ok, err := e.PrefetchHint(ctx, h, []uint32{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("prefetch hint: %v", err)
	}
	if !ok {
		t.Fatal("expected prefetch hint to be issued")
	}
}

func TestStatisticsAggregatesSubsystems(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	h, _ := e.Alloc(4096, 0, tier.L1)
	e.Access(ctx, h, 0, true, []byte("x"))

	stats := e.Statistics()
	if stats.Coherence.Writes == 0 {
		t.Fatal("expected coherence stats to reflect the write")
	}
	if stats.Memory.L1Hits == 0 {
		t.Fatal("expected memory stats to reflect the access")
	}
}

func TestResetStatisticsClearsCoherence(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	h, _ := e.Alloc(4096, 0, tier.L1)
	e.Access(ctx, h, 0, true, []byte("x"))
	e.ResetStatistics()

	if got := e.Statistics().Coherence.Writes; got != 0 {
		t.Fatalf("Writes = %d after reset, want 0", got)
	}
}
