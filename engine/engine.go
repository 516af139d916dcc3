// Package engine implements the facade of spec.md §4.G: the single
// handle-based surface (alloc/free/access/prefetch_hint/statistics)
// bundling the allocator, coherence manager, prefetcher, translation
// cache, and compression engine behind one mutex-guarded handle map.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/databloom/speckv/alloc"
	"github.com/databloom/speckv/coherence"
	"github.com/databloom/speckv/compress"
	"github.com/databloom/speckv/predictor"
	"github.com/databloom/speckv/prefetch"
	"github.com/databloom/speckv/speckverr"
	"github.com/databloom/speckv/tier"
	"github.com/databloom/speckv/tlb"
	"github.com/databloom/speckv/transport"
)

// Handle identifies one live allocation to callers, opaque beyond
// equality comparison.
type Handle uint64

type handleEntry struct {
	base     uint64
	numPages int
	layerID  int
}

// Engine is the facade. Lock order follows spec.md §5's global list:
// facade handle map, then allocator locks, then coherence locks, then
// prefetcher locks, then compression stats, then translation cache —
// Engine itself only ever holds its own handleMu while delegating into
// the subsystems, never while a subsystem lock is already held.
type Engine struct {
	cfg Config
	log *slog.Logger

	transport transport.Transport
	alloc     *alloc.Allocator
	coherence *coherence.Manager
	prefetch  *prefetch.Prefetcher
	compress  *compress.Engine
	tlb       *tlb.Cache
	predictor predictor.Predictor

	nextHandle uint64 // atomic

	handleMu sync.Mutex
	handles  map[Handle]*handleEntry
}

// New wires every subsystem together from cfg (defaults applied for
// zero fields) over transport t. log defaults to slog.Default().
func New(t transport.Transport, cfg Config, log *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	coh := coherence.New(t, cfg.CacheLineSize, nil, log)
	a := alloc.New(alloc.Config{
		PageSize:     cfg.PageSize,
		L1Capacity:   cfg.L1Capacity,
		L2Capacity:   cfg.L2Capacity,
		L3Capacity:   cfg.L3Capacity,
		HotThreshold: cfg.HotThreshold,
	}, coh)

	pred := predictor.NewRecurrent(cfg.VocabSize, cfg.HiddenDim, cfg.HistoryLength)
	pf := prefetch.New(pred, t, a, prefetch.Config{
		AccuracyWindow: cfg.AccuracyWindow,
		FIFOCapacity:   cfg.OutstandingPrefetchCapacity,
		InitialDepth:   cfg.PrefetchDepth,
	})

	translationCache := tlb.New(cfg.TLBSize, cfg.PageSize, newWalkFromAllocator(a, cfg.PageSize))

	return &Engine{
		cfg:       cfg,
		log:       log,
		transport: t,
		alloc:     a,
		coherence: coh,
		prefetch:  pf,
		compress:  compress.NewEngine(defaultClockMHz, defaultWidthBits, defaultCompressionEngines),
		tlb:       translationCache,
		predictor: pred,
		handles:   make(map[Handle]*handleEntry),
	}
}

func newWalkFromAllocator(a *alloc.Allocator, pageSize uint64) tlb.PageWalkFunc {
	shift := 0
	for p := pageSize; p > 1; p >>= 1 {
		shift++
	}
	return func(virtualPage uint64) uint64 {
		pa := a.TranslateVAToPA(virtualPage << uint(shift))
		return pa >> uint(shift)
	}
}

// Alloc reserves bytesLen (rounded up to whole pages) in preferred,
// falling back per the allocator's rule, and returns a handle for it.
func (e *Engine) Alloc(bytesLen uint64, layerID int, preferred tier.Tier) (Handle, error) {
	base, err := e.alloc.Allocate(bytesLen, layerID, preferred)
	if err != nil {
		return 0, err
	}
	numPages := int((bytesLen + e.cfg.PageSize - 1) / e.cfg.PageSize)
	if numPages == 0 {
		numPages = 1
	}

	h := Handle(atomic.AddUint64(&e.nextHandle, 1))
	e.handleMu.Lock()
	e.handles[h] = &handleEntry{base: base, numPages: numPages, layerID: layerID}
	e.handleMu.Unlock()
	return h, nil
}

// Free releases handle's allocation and invalidates any cached
// translations for it. Unknown handles return ErrUnknownHandle.
func (e *Engine) Free(handle Handle) error {
	e.handleMu.Lock()
	entry, ok := e.handles[handle]
	if ok {
		delete(e.handles, handle)
	}
	e.handleMu.Unlock()
	if !ok {
		return speckverr.ErrUnknownHandle
	}

	e.alloc.Deallocate(entry.base)
	for i := 0; i < entry.numPages; i++ {
		e.tlb.Invalidate(entry.base + uint64(i)*e.cfg.PageSize)
	}
	return nil
}

func (e *Engine) resolve(handle Handle, offset uint64) (uint64, int, error) {
	e.handleMu.Lock()
	entry, ok := e.handles[handle]
	e.handleMu.Unlock()
	if !ok {
		return 0, 0, speckverr.ErrUnknownHandle
	}
	if offset >= uint64(entry.numPages)*e.cfg.PageSize {
		return 0, 0, speckverr.New(speckverr.StatusInvalidArgument, "offset out of range")
	}
	return entry.base + offset, entry.layerID, nil
}

// Access performs a coherence-tracked read or write of handle at
// offset. On a miss (page not resident in L1), it promotes the page
// into L1 before servicing the request. Writes mark the page Modified
// both in the allocator's local bookkeeping and in the directory.
func (e *Engine) Access(ctx context.Context, handle Handle, offset uint64, write bool, data []byte) error {
	va, _, err := e.resolve(handle, offset)
	if err != nil {
		return err
	}

	_ = e.tlb.Translate(va)

	if !e.alloc.IsInTier(va, tier.L1) {
		if !e.alloc.PromoteToL1(ctx, va) {
			return speckverr.ErrTransportFailure
		}
	}

	if write {
		if !e.coherence.RequestWrite(ctx, va, data) {
			return speckverr.ErrTransportFailure
		}
		e.alloc.MarkModified(va)
	} else {
		if !e.coherence.RequestRead(ctx, va) {
			return speckverr.ErrTransportFailure
		}
	}
	e.alloc.UpdateAccessTracking(va)
	return nil
}

// PrefetchHint issues a speculative fetch for handle's layer using
// history, skipping if the derived address is already resident.
func (e *Engine) PrefetchHint(ctx context.Context, handle Handle, history []uint32, offset uint64) (prefetch.Outstanding, bool, error) {
	_, layerID, err := e.resolve(handle, offset)
	if err != nil {
		return prefetch.Outstanding{}, false, err
	}
	out, ok := e.prefetch.Prefetch(ctx, history, layerID, int(offset/e.cfg.PageSize))
	return out, ok, nil
}

// SetCompressionScheme mirrors a scheme change into both the host-side
// compression engine and the transport's runtime parameter.
func (e *Engine) SetCompressionScheme(ctx context.Context, scheme compress.Scheme) bool {
	e.compress.SetScheme(scheme)
	return e.transport.SetParameter(ctx, transport.ParamCompressionScheme, uint32(scheme))
}

// Statistics returns a snapshot of every subsystem's counters.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		Memory:      e.alloc.Statistics(),
		Coherence:   e.coherence.Statistics(),
		Prefetch:    e.prefetch.Statistics(),
		Compression: e.compress.Perf(),
		Translation: e.tlb.Stats(),
	}
}

// ResetStatistics zeroes every subsystem's counters that support
// resetting. The allocator and prefetcher's counters are cumulative by
// design (spec.md §4.D/§4.F never describe a reset for them) and are
// left untouched.
func (e *Engine) ResetStatistics() {
	e.coherence.ResetStatistics()
}
