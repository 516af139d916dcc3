// Package prefetch implements the speculative prefetcher of spec.md
// §4.F: predictor-driven bounded fetch issue, an adaptive depth tuned
// off a rolling accuracy window, and lazy invalidation of
// mispredictions — no eager eviction of data already landed.
package prefetch

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/databloom/speckv/predictor"
	"github.com/databloom/speckv/tier"
	"github.com/databloom/speckv/transport"
)

const (
	depthMin     = 2
	depthMax     = 8
	depthDefault = 4

	accuracyWindowDefault = 100
	accuracyMinSamples    = 10
	accuracyRaiseAbove    = 0.95
	accuracyLowerBelow    = 0.85

	fifoCapacityDefault = 16
)

// Residency is the narrow, weak back-reference the prefetcher holds
// into the allocator to skip addresses already resident, without the
// allocator ever referencing the prefetcher (spec.md §9, "back
// references without cycles").
type Residency interface {
	IsInTier(va uint64, t tier.Tier) bool
}

// Outstanding is one in-flight speculative request.
type Outstanding struct {
	RequestID  uint32
	Address    uint64
	Layer      int
	Position   int
	Candidates []predictor.Candidate
	IssuedAt   uint64
}

// Stats are the prefetcher's observability counters.
type Stats struct {
	Issued       uint64
	SkippedResident uint64
	Correct      uint64
	Mispredicted uint64
	Dropped      uint64 // FIFO overflow
	DepthRaises  uint64
	DepthLowers  uint64
}

// Config configures window sizes and FIFO capacity; zero values take
// spec.md §6 defaults.
type Config struct {
	AccuracyWindow int
	FIFOCapacity   int
	InitialDepth   int32
	Clock          func() uint64
}

// Prefetcher issues bounded speculative fetches and adapts its depth
// to observed prediction accuracy.
type Prefetcher struct {
	pred      predictor.Predictor
	transport transport.Transport
	residency Residency // may be nil
	clock     func() uint64

	depth         int32 // atomic, clamped [depthMin, depthMax]
	nextRequestID uint32 // atomic

	fifoCapacity int
	fifoMu       sync.Mutex
	fifo         *list.List
	fifoByID     map[uint32]*list.Element

	accuracyWindow int
	accMu          sync.Mutex
	accSamples     []bool
	accPos         int
	accCount       int

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a prefetcher over pred and t. residency may be nil —
// in that case every address is treated as non-resident.
func New(pred predictor.Predictor, t transport.Transport, residency Residency, cfg Config) *Prefetcher {
	window := cfg.AccuracyWindow
	if window <= 0 {
		window = accuracyWindowDefault
	}
	capacity := cfg.FIFOCapacity
	if capacity <= 0 {
		capacity = fifoCapacityDefault
	}
	depth := cfg.InitialDepth
	if depth == 0 {
		depth = depthDefault
	}
	clock := cfg.Clock
	if clock == nil {
		var counter uint64
		clock = func() uint64 {
			counter++
			return counter
		}
	}

	return &Prefetcher{
		pred:           pred,
		transport:      t,
		residency:      residency,
		clock:          clock,
		depth:          depth,
		fifoCapacity:   capacity,
		fifo:           list.New(),
		fifoByID:       make(map[uint32]*list.Element),
		accuracyWindow: window,
		accSamples:     make([]bool, window),
	}
}

func packAddress(reqID uint32, layer, position int) uint64 {
	return (uint64(uint16(layer)) << 48) | (uint64(uint32(position)) << 16) | uint64(uint16(reqID))
}

// Depth returns the current adaptive prefetch depth.
func (p *Prefetcher) Depth() int {
	return int(atomic.LoadInt32(&p.depth))
}

// Prefetch consults the predictor over history and, unless the
// resulting address is already resident in L1 or L2, issues a single
// speculative fetch for layer/position carrying the current depth and
// the full history. Returns ok=false if skipped or the transport
// rejected the request.
func (p *Prefetcher) Prefetch(ctx context.Context, history []uint32, layer, position int) (Outstanding, bool) {
	depth := p.Depth()
	candidates := p.pred.PredictTopK(history, depth)

	reqID := atomic.AddUint32(&p.nextRequestID, 1)
	addr := packAddress(reqID, layer, position)

	if p.residency != nil && (p.residency.IsInTier(addr, tier.L1) || p.residency.IsInTier(addr, tier.L2)) {
		p.statsMu.Lock()
		p.stats.SkippedResident++
		p.statsMu.Unlock()
		return Outstanding{}, false
	}

	tokens := make([]int32, len(history))
	for i, tok := range history {
		tokens[i] = int32(tok)
	}
	req := transport.PrefetchRequest{
		ReqID:      reqID,
		Layer:      uint16(layer),
		CurPos:     uint32(position),
		DepthK:     uint32(depth),
		HistoryLen: uint32(len(history)),
	}
	if !p.transport.SubmitPrefetch(ctx, req, tokens) {
		return Outstanding{}, false
	}

	out := Outstanding{
		RequestID:  reqID,
		Address:    addr,
		Layer:      layer,
		Position:   position,
		Candidates: candidates,
		IssuedAt:   p.clock(),
	}
	p.pushFIFO(out)

	p.statsMu.Lock()
	p.stats.Issued++
	p.statsMu.Unlock()
	return out, true
}

// pushFIFO appends to the outstanding-request FIFO, dropping the
// oldest entry on overflow (spec.md §4.F: bounded, drop-oldest).
func (p *Prefetcher) pushFIFO(out Outstanding) {
	p.fifoMu.Lock()
	defer p.fifoMu.Unlock()

	if p.fifo.Len() >= p.fifoCapacity {
		front := p.fifo.Front()
		if front != nil {
			evicted := front.Value.(Outstanding)
			delete(p.fifoByID, evicted.RequestID)
			p.fifo.Remove(front)
			p.statsMu.Lock()
			p.stats.Dropped++
			p.statsMu.Unlock()
		}
	}
	p.fifoByID[out.RequestID] = p.fifo.PushBack(out)
}

func (p *Prefetcher) popFIFO(reqID uint32) (Outstanding, bool) {
	p.fifoMu.Lock()
	defer p.fifoMu.Unlock()

	e, ok := p.fifoByID[reqID]
	if !ok {
		return Outstanding{}, false
	}
	delete(p.fifoByID, reqID)
	p.fifo.Remove(e)
	return e.Value.(Outstanding), true
}

// Outstanding returns a snapshot of currently in-flight requests,
// oldest first.
func (p *Prefetcher) Outstanding() []Outstanding {
	p.fifoMu.Lock()
	defer p.fifoMu.Unlock()

	out := make([]Outstanding, 0, p.fifo.Len())
	for e := p.fifo.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Outstanding))
	}
	return out
}

// ResolveCorrect marks the outstanding request reqID as having
// predicted the actual next access correctly, folding it into the
// rolling accuracy window.
func (p *Prefetcher) ResolveCorrect(reqID uint32) {
	if _, ok := p.popFIFO(reqID); !ok {
		return
	}
	p.statsMu.Lock()
	p.stats.Correct++
	p.statsMu.Unlock()
	p.UpdatePredictionAccuracy(true)
}

// HandleMisprediction marks reqID as a miss and lazily leaves whatever
// was speculatively fetched in place — no eager eviction, per
// spec.md §4.F.
func (p *Prefetcher) HandleMisprediction(reqID uint32) {
	if _, ok := p.popFIFO(reqID); !ok {
		return
	}
	p.statsMu.Lock()
	p.stats.Mispredicted++
	p.statsMu.Unlock()
	p.UpdatePredictionAccuracy(false)
}

// UpdatePredictionAccuracy appends one more outcome to the bounded
// accuracy window (dropping the oldest entry once the window is at
// capacity) and, once at least accuracyMinSamples observations have
// been made, adjusts the adaptive depth off the mean of only the
// last accuracyMinSamples entries: raises depth when that last-10
// mean exceeds accuracyRaiseAbove, lowers it when it falls below
// accuracyLowerBelow. Depth is clamped to [depthMin, depthMax].
func (p *Prefetcher) UpdatePredictionAccuracy(correct bool) {
	p.accMu.Lock()
	if p.accCount < p.accuracyWindow {
		p.accCount++
	}
	p.accSamples[p.accPos] = correct
	p.accPos = (p.accPos + 1) % p.accuracyWindow
	count := p.accCount

	var mean float64
	if count >= accuracyMinSamples {
		recent := 0
		idx := p.accPos
		for i := 0; i < accuracyMinSamples; i++ {
			idx = (idx - 1 + p.accuracyWindow) % p.accuracyWindow
			if p.accSamples[idx] {
				recent++
			}
		}
		mean = float64(recent) / float64(accuracyMinSamples)
	}
	p.accMu.Unlock()

	if count < accuracyMinSamples {
		return
	}

	if mean > accuracyRaiseAbove {
		if p.raiseDepth() {
			p.statsMu.Lock()
			p.stats.DepthRaises++
			p.statsMu.Unlock()
		}
	} else if mean < accuracyLowerBelow {
		if p.lowerDepth() {
			p.statsMu.Lock()
			p.stats.DepthLowers++
			p.statsMu.Unlock()
		}
	}
}

func (p *Prefetcher) raiseDepth() bool {
	for {
		cur := atomic.LoadInt32(&p.depth)
		if cur >= depthMax {
			return false
		}
		if atomic.CompareAndSwapInt32(&p.depth, cur, cur+1) {
			return true
		}
	}
}

func (p *Prefetcher) lowerDepth() bool {
	for {
		cur := atomic.LoadInt32(&p.depth)
		if cur <= depthMin {
			return false
		}
		if atomic.CompareAndSwapInt32(&p.depth, cur, cur-1) {
			return true
		}
	}
}

// Statistics returns a copy of the current counters.
func (p *Prefetcher) Statistics() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}
