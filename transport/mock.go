package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-memory stand-in for the character-device transport. It
// never touches real hardware; it records every call for assertions and
// lets tests inject failures per call kind. Every call completes
// immediately; there is no latency injection.
//
// The real driver is out of scope per spec.md §1 — the core only ever
// sees the Transport interface, and this is the implementation the core
// is tested against.
type Mock struct {
	mu sync.Mutex

	// FailDMA, FailPrefetch, FailSetParameter, and FailCoherence force
	// the next N calls of that kind to report failure. Set to -1 to
	// fail indefinitely.
	FailDMA          int
	FailPrefetch     int
	FailSetParameter int
	FailCoherence    int

	completions uint32

	DMABatches   [][]DMADescriptor
	Prefetches   []RecordedPrefetch
	Parameters   map[ParameterKey]uint32
	CoherenceLog []RecordedCoherence

	pendingCoherence bool
}

// RecordedPrefetch captures one SubmitPrefetch call for test assertions.
type RecordedPrefetch struct {
	ID     string
	Req    PrefetchRequest
	Tokens []int32
}

// RecordedCoherence captures one CoherenceRequest call.
type RecordedCoherence struct {
	Op   CoherenceOp
	Addr uint64
	Size int
}

// NewMock returns a Mock ready for use, with no injected failures.
func NewMock() *Mock {
	return &Mock{Parameters: make(map[ParameterKey]uint32)}
}

func consumeFailure(n *int) bool {
	if *n == 0 {
		return false
	}
	if *n > 0 {
		*n--
	}
	return true
}

func (m *Mock) SubmitDMABatch(_ context.Context, descriptors []DMADescriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(descriptors) > MaxBatchDescriptors {
		return false
	}
	if consumeFailure(&m.FailDMA) {
		return false
	}

	batch := make([]DMADescriptor, len(descriptors))
	copy(batch, descriptors)
	m.DMABatches = append(m.DMABatches, batch)
	m.completions += uint32(len(batch))
	return true
}

func (m *Mock) SubmitPrefetch(_ context.Context, req PrefetchRequest, tokens []int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if consumeFailure(&m.FailPrefetch) {
		return false
	}

	toks := make([]int32, len(tokens))
	copy(toks, tokens)
	m.Prefetches = append(m.Prefetches, RecordedPrefetch{
		ID:     uuid.NewString(),
		Req:    req,
		Tokens: toks,
	})
	m.completions++
	return true
}

func (m *Mock) PollCompletion(_ context.Context) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.completions
	m.completions = 0
	return n
}

func (m *Mock) SetParameter(_ context.Context, key ParameterKey, value uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if consumeFailure(&m.FailSetParameter) {
		return false
	}
	m.Parameters[key] = value
	return true
}

func (m *Mock) CoherenceRequest(_ context.Context, op CoherenceOp, addr uint64, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if consumeFailure(&m.FailCoherence) {
		m.pendingCoherence = false
		return false
	}
	m.CoherenceLog = append(m.CoherenceLog, RecordedCoherence{Op: op, Addr: addr, Size: len(data)})
	m.pendingCoherence = true
	return true
}

func (m *Mock) CoherenceWaitComplete(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pendingCoherence {
		return true
	}
	m.pendingCoherence = false
	return true
}

var _ Transport = (*Mock)(nil)
