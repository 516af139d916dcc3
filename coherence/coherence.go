// Package coherence implements the shadow MESI directory of spec.md
// §4.E: a host-side mirror of cache-line-aligned coherence state, driven
// through the transport to an authoritative home agent. Directory
// entries are created lazily on first touch and persist until process
// end; the directory never shrinks.
package coherence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/databloom/speckv/mesi"
	"github.com/databloom/speckv/tier"
	"github.com/databloom/speckv/transport"
)

// Entry is one directory entry, keyed by cache-line-aligned address.
type Entry struct {
	State          mesi.State
	Tier           tier.Tier
	LastAccessTime uint64
	AccessCount    uint64
	Pending        bool
}

// Stats are the coherence manager's observability counters. Hit rate is
// derived, not stored, per spec.md §4.E.
type Stats struct {
	Reads              uint64
	Writes             uint64
	CoherenceOps       uint64
	InvalidationsSent  uint64
	WritebacksPerformed uint64
	DirectoryHits      uint64
	DirectoryMisses    uint64
}

// HitRate returns DirectoryHits / (DirectoryHits+DirectoryMisses), or 0
// with no lookups yet.
func (s Stats) HitRate() float64 {
	total := s.DirectoryHits + s.DirectoryMisses
	if total == 0 {
		return 0
	}
	return float64(s.DirectoryHits) / float64(total)
}

// Manager is the directory-based coherence manager. The directory lock
// and the statistics lock are always acquired in that order (directory
// before stats) per spec.md §5's global lock ordering; all transport
// calls happen while the directory lock is held.
type Manager struct {
	transport    transport.Transport
	cacheLineSize uint64
	clock         func() uint64
	log           *slog.Logger

	dirMu     sync.Mutex
	directory map[uint64]*Entry

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a coherence manager over t, with cacheLineSize-aligned
// addressing. clock supplies the monotonic tick used for
// LastAccessTime; pass nil to use an internal counter.
func New(t transport.Transport, cacheLineSize uint64, clock func() uint64, log *slog.Logger) *Manager {
	if clock == nil {
		var counter uint64
		clock = func() uint64 {
			counter++
			return counter
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		transport:     t,
		cacheLineSize: cacheLineSize,
		clock:         clock,
		log:           log,
		directory:     make(map[uint64]*Entry),
	}
}

func (m *Manager) alignLine(addr uint64) uint64 {
	return addr &^ (m.cacheLineSize - 1)
}

func (m *Manager) entryLocked(line uint64) *Entry {
	e, ok := m.directory[line]
	if !ok {
		e = &Entry{State: mesi.Invalid}
		m.directory[line] = e
	}
	return e
}

func (m *Manager) bumpCoherenceOps() {
	m.statsMu.Lock()
	m.stats.CoherenceOps++
	m.statsMu.Unlock()
}

// RequestRead implements the read transition of spec.md §4.E's table:
// Invalid -> transport read, new entry Shared/L1; any valid state is a
// directory hit, unchanged.
func (m *Manager) RequestRead(ctx context.Context, addr uint64) bool {
	line := m.alignLine(addr)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	e := m.entryLocked(line)
	m.statsMu.Lock()
	m.stats.Reads++
	m.statsMu.Unlock()

	if e.State != mesi.Invalid {
		m.statsMu.Lock()
		m.stats.DirectoryHits++
		m.statsMu.Unlock()
		e.AccessCount++
		e.LastAccessTime = m.clock()
		return true
	}

	m.statsMu.Lock()
	m.stats.DirectoryMisses++
	m.statsMu.Unlock()

	ok := m.transport.CoherenceRequest(ctx, transport.OpRead, addr, nil)
	m.bumpCoherenceOps()
	if !ok {
		return false
	}
	m.transport.CoherenceWaitComplete(ctx)

	e.State = mesi.Shared
	e.Tier = tier.L1
	e.AccessCount++
	e.LastAccessTime = m.clock()
	return true
}

// RequestWrite implements the write transitions: Invalid -> transport
// write, Modified; Shared -> invalidation then transport write,
// Modified; Exclusive/Modified -> transport write, Modified.
func (m *Manager) RequestWrite(ctx context.Context, addr uint64, data []byte) bool {
	line := m.alignLine(addr)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	e := m.entryLocked(line)
	wasInvalid := e.State == mesi.Invalid
	m.statsMu.Lock()
	m.stats.Writes++
	if wasInvalid {
		m.stats.DirectoryMisses++
	} else {
		m.stats.DirectoryHits++
	}
	m.statsMu.Unlock()

	if e.State == mesi.Shared {
		if !m.transport.CoherenceRequest(ctx, transport.OpInvalidate, addr, nil) {
			return false
		}
		m.transport.CoherenceWaitComplete(ctx)
		m.bumpCoherenceOps()
		m.statsMu.Lock()
		m.stats.InvalidationsSent++
		m.statsMu.Unlock()
	}

	ok := m.transport.CoherenceRequest(ctx, transport.OpWrite, addr, data)
	m.bumpCoherenceOps()
	if !ok {
		return false
	}
	m.transport.CoherenceWaitComplete(ctx)

	e.State = mesi.Modified
	if wasInvalid {
		e.Tier = tier.L1
	}
	e.AccessCount++
	e.LastAccessTime = m.clock()
	return true
}

// Invalidate implements: Invalid -> no-op; Shared/Exclusive -> transport
// invalidate; Modified -> transport writeback then invalidate.
func (m *Manager) Invalidate(ctx context.Context, addr uint64) bool {
	line := m.alignLine(addr)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	return m.invalidateLocked(ctx, line)
}

func (m *Manager) invalidateLocked(ctx context.Context, line uint64) bool {
	e, ok := m.directory[line]
	if !ok || e.State == mesi.Invalid {
		return true
	}

	if e.State == mesi.Modified {
		if !m.transport.CoherenceRequest(ctx, transport.OpWriteback, line, nil) {
			return false
		}
		m.transport.CoherenceWaitComplete(ctx)
		m.bumpCoherenceOps()
		m.statsMu.Lock()
		m.stats.WritebacksPerformed++
		m.statsMu.Unlock()
	}

	if !m.transport.CoherenceRequest(ctx, transport.OpInvalidate, line, nil) {
		return false
	}
	m.transport.CoherenceWaitComplete(ctx)
	m.bumpCoherenceOps()
	m.statsMu.Lock()
	m.stats.InvalidationsSent++
	m.statsMu.Unlock()

	e.State = mesi.Invalid
	return true
}

// Writeback implements: Modified -> transport writeback, Shared/L3;
// other states -> no-op.
func (m *Manager) Writeback(ctx context.Context, addr uint64, data []byte) bool {
	line := m.alignLine(addr)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	return m.writebackLocked(ctx, line, data)
}

func (m *Manager) writebackLocked(ctx context.Context, line uint64, data []byte) bool {
	e, ok := m.directory[line]
	if !ok || e.State != mesi.Modified {
		return true
	}

	if !m.transport.CoherenceRequest(ctx, transport.OpWriteback, line, data) {
		return false
	}
	m.transport.CoherenceWaitComplete(ctx)
	m.bumpCoherenceOps()

	m.statsMu.Lock()
	m.stats.WritebacksPerformed++
	m.statsMu.Unlock()

	e.State = mesi.Shared
	e.Tier = tier.L3
	return true
}

// FlushAll writes back every Modified entry. Errors are logged, not
// propagated — it is a best-effort drain. Nothing in this module calls
// it automatically; the engine facade has no teardown step.
func (m *Manager) FlushAll(ctx context.Context) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	for line, e := range m.directory {
		if e.State != mesi.Modified {
			continue
		}
		if !m.writebackLocked(ctx, line, nil) {
			m.log.Warn("flush_all: writeback failed", "line", line)
		}
	}
}

// PromoteToL1 sends a read through the transport and switches the
// entry's tier to L1 without touching state.
func (m *Manager) PromoteToL1(ctx context.Context, addr uint64) bool {
	line := m.alignLine(addr)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	if !m.transport.CoherenceRequest(ctx, transport.OpRead, addr, nil) {
		return false
	}
	m.transport.CoherenceWaitComplete(ctx)
	m.bumpCoherenceOps()

	e := m.entryLocked(line)
	e.Tier = tier.L1
	return true
}

// DemoteToL3 mirrors PromoteToL1, writing back first if the entry is
// Modified.
func (m *Manager) DemoteToL3(ctx context.Context, addr uint64, data []byte) bool {
	line := m.alignLine(addr)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	e, ok := m.directory[line]
	if ok && e.State == mesi.Modified {
		if !m.writebackLocked(ctx, line, data) {
			return false
		}
	}
	e = m.entryLocked(line)
	e.Tier = tier.L3
	return true
}

// BatchInvalidate invalidates every line in lines under a single
// directory lock acquisition, preferring transport-level batching where
// the transport offers no dedicated batch op (the Transport interface
// has none, so this issues the sequence while holding the directory
// lock throughout, per spec.md §4.E).
func (m *Manager) BatchInvalidate(ctx context.Context, lines []uint64) bool {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	for _, addr := range lines {
		if !m.invalidateLocked(ctx, m.alignLine(addr)) {
			return false
		}
	}
	return true
}

// BatchWriteback writes back every (addr, data) pair under a single
// directory lock acquisition.
func (m *Manager) BatchWriteback(ctx context.Context, pairs []WritebackPair) bool {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	for _, p := range pairs {
		if !m.writebackLocked(ctx, m.alignLine(p.Addr), p.Data) {
			return false
		}
	}
	return true
}

// WritebackPair is one entry of a BatchWriteback call.
type WritebackPair struct {
	Addr uint64
	Data []byte
}

// GetState returns the current MESI state for addr's line.
func (m *Manager) GetState(addr uint64) mesi.State {
	line := m.alignLine(addr)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	e, ok := m.directory[line]
	if !ok {
		return mesi.Invalid
	}
	return e.State
}

// GetTier returns the tier recorded for addr's line, or tier.L3 (the
// zero value semantics don't apply here) when no entry exists —
// callers should check IsValid first if the distinction matters.
func (m *Manager) GetTier(addr uint64) tier.Tier {
	line := m.alignLine(addr)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	e, ok := m.directory[line]
	if !ok {
		return tier.L3
	}
	return e.Tier
}

// IsValid reports whether addr's line has a non-Invalid entry.
func (m *Manager) IsValid(addr uint64) bool {
	return m.GetState(addr) != mesi.Invalid
}

// IsModified reports whether addr's line is in state Modified.
func (m *Manager) IsModified(addr uint64) bool {
	return m.GetState(addr) == mesi.Modified
}

// Statistics returns a copy of the current counters.
func (m *Manager) Statistics() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// ResetStatistics zeroes the counters.
func (m *Manager) ResetStatistics() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats = Stats{}
}
