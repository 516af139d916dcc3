package coherence

import (
	"context"
	"testing"

	"github.com/databloom/speckv/mesi"
	"github.com/databloom/speckv/tier"
	"github.com/databloom/speckv/transport"
)

func TestMESICycleScenario2(t *testing.T) {
	mock := transport.NewMock()
	m := New(mock, 64, nil, nil)
	ctx := context.Background()

	addr := uint64(0x1000)

	if !m.RequestRead(ctx, addr) {
		t.Fatal("read failed")
	}
	if got := m.GetState(addr); got != mesi.Shared {
		t.Fatalf("after read: state = %v, want Shared", got)
	}

	if !m.RequestWrite(ctx, addr, []byte("data")) {
		t.Fatal("write failed")
	}
	if got := m.GetState(addr); got != mesi.Modified {
		t.Fatalf("after write: state = %v, want Modified", got)
	}

	if !m.Writeback(ctx, addr, []byte("data")) {
		t.Fatal("writeback failed")
	}
	if got := m.GetState(addr); got != mesi.Shared {
		t.Fatalf("after writeback: state = %v, want Shared", got)
	}

	if !m.Invalidate(ctx, addr) {
		t.Fatal("invalidate failed")
	}
	if got := m.GetState(addr); got != mesi.Invalid {
		t.Fatalf("after invalidate: state = %v, want Invalid", got)
	}

	stats := m.Statistics()
	if stats.Reads != 1 || stats.Writes != 1 || stats.WritebacksPerformed != 1 || stats.InvalidationsSent != 2 {
		t.Fatalf("stats = %+v, want reads=1 writes=1 writebacks=1 invalidations=2", stats)
	}
}

func TestReadHitDoesNotChangeState(t *testing.T) {
	mock := transport.NewMock()
	m := New(mock, 64, nil, nil)
	ctx := context.Background()
	addr := uint64(0x2000)

	m.RequestRead(ctx, addr)
	before := m.GetState(addr)
	m.RequestRead(ctx, addr)
	after := m.GetState(addr)

	if before != after {
		t.Fatalf("read hit changed state: %v -> %v", before, after)
	}

	stats := m.Statistics()
	if stats.DirectoryHits < 1 {
		t.Fatalf("expected at least one directory hit, got %+v", stats)
	}
}

func TestWriteFromSharedSendsInvalidation(t *testing.T) {
	mock := transport.NewMock()
	m := New(mock, 64, nil, nil)
	ctx := context.Background()
	addr := uint64(0x3000)

	m.RequestRead(ctx, addr)
	m.RequestWrite(ctx, addr, []byte("x"))

	stats := m.Statistics()
	if stats.InvalidationsSent != 1 {
		t.Fatalf("InvalidationsSent = %d, want 1", stats.InvalidationsSent)
	}
}

func TestInvalidateOfModifiedWritesBackFirst(t *testing.T) {
	mock := transport.NewMock()
	m := New(mock, 64, nil, nil)
	ctx := context.Background()
	addr := uint64(0x4000)

	m.RequestWrite(ctx, addr, []byte("x"))
	m.Invalidate(ctx, addr)

	stats := m.Statistics()
	if stats.WritebacksPerformed != 1 {
		t.Fatalf("expected writeback before invalidate of Modified line, got %+v", stats)
	}
}

func TestFlushAllDrainsModified(t *testing.T) {
	mock := transport.NewMock()
	m := New(mock, 64, nil, nil)
	ctx := context.Background()

	for _, addr := range []uint64{0x5000, 0x6000, 0x7000} {
		m.RequestWrite(ctx, addr, []byte("x"))
	}

	m.FlushAll(ctx)

	for _, addr := range []uint64{0x5000, 0x6000, 0x7000} {
		if got := m.GetState(addr); got != mesi.Shared {
			t.Fatalf("addr %x: state after flush = %v, want Shared", addr, got)
		}
	}
}

func TestTransportFailureLeavesStateUnchanged(t *testing.T) {
	mock := transport.NewMock()
	mock.FailCoherence = 1
	m := New(mock, 64, nil, nil)
	ctx := context.Background()
	addr := uint64(0x8000)

	ok := m.RequestRead(ctx, addr)
	if ok {
		t.Fatal("expected failure")
	}
	if got := m.GetState(addr); got != mesi.Invalid {
		t.Fatalf("state after failed read = %v, want unchanged Invalid", got)
	}
}

func TestPromoteDemoteTier(t *testing.T) {
	mock := transport.NewMock()
	m := New(mock, 64, nil, nil)
	ctx := context.Background()
	addr := uint64(0x9000)

	m.PromoteToL1(ctx, addr)
	if got := m.GetTier(addr); got != tier.L1 {
		t.Fatalf("tier after promote = %v, want L1", got)
	}

	m.DemoteToL3(ctx, addr, nil)
	if got := m.GetTier(addr); got != tier.L3 {
		t.Fatalf("tier after demote = %v, want L3", got)
	}
}

func TestBatchInvalidate(t *testing.T) {
	mock := transport.NewMock()
	m := New(mock, 64, nil, nil)
	ctx := context.Background()

	lines := []uint64{0xA000, 0xB000, 0xC000}
	for _, l := range lines {
		m.RequestRead(ctx, l)
	}

	if !m.BatchInvalidate(ctx, lines) {
		t.Fatal("BatchInvalidate failed")
	}
	for _, l := range lines {
		if m.IsValid(l) {
			t.Fatalf("line %x still valid after BatchInvalidate", l)
		}
	}
}
