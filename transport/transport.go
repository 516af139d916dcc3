// Package transport defines the capability set the host-resident engine
// consumes from the character-device driver and its kernel module: DMA
// batch submission, speculative-prefetch submission, completion polling,
// runtime parameter control, and the coherence request/wait pair. The
// core depends only on this interface; a faithful reimplementation may
// ship a real ioctl-backed driver behind it, but the engine and its
// tests drive the included Mock.
package transport

import "context"

// DescriptorFlag bits packed into DMADescriptor.Flags, per the wire
// layout fixed by the kernel module's ioctl struct.
const (
	FlagWrite      uint32 = 1 << 0
	FlagCompressed uint32 = 1 << 1
	FlagPrefetch   uint32 = 1 << 2
)

// MaxBatchDescriptors bounds a single submit_dma_batch call.
const MaxBatchDescriptors = 4096

// DMADescriptor is one entry of a DMA batch.
type DMADescriptor struct {
	FPGAAddr uint64
	GPUAddr  uint64
	Bytes    uint32
	Flags    uint32
}

// PrefetchRequest is the fixed header preceding a history's token ids.
type PrefetchRequest struct {
	ReqID      uint32
	Layer      uint16
	CurPos     uint32
	DepthK     uint32
	HistoryLen uint32
}

// ParameterKey enumerates the set_parameter key space.
type ParameterKey uint32

const (
	ParamPrefetchDepth      ParameterKey = 1
	ParamCompressionScheme  ParameterKey = 2
)

// CompressionScheme is the value space for ParamCompressionScheme.
type CompressionScheme uint32

const (
	SchemeFP16          CompressionScheme = 0
	SchemeINT8          CompressionScheme = 1
	SchemeINT8DeltaRLE   CompressionScheme = 2
)

// CoherenceOp enumerates the wire op codes for coherence_request.
type CoherenceOp int

const (
	OpRead CoherenceOp = iota
	OpWrite
	OpInvalidate
	OpWriteback
	OpFlush
)

// Transport is the opaque channel to the driver/home-agent. The core
// never depends on any concrete implementation, only on this interface.
type Transport interface {
	// SubmitDMABatch enqueues up to MaxBatchDescriptors descriptors for
	// asynchronous execution. Returns false on failure (e.g. batch too
	// large, device error).
	SubmitDMABatch(ctx context.Context, descriptors []DMADescriptor) bool

	// SubmitPrefetch issues a non-blocking speculative fetch request
	// carrying req.HistoryLen token ids.
	SubmitPrefetch(ctx context.Context, req PrefetchRequest, tokens []int32) bool

	// PollCompletion returns the number of DMA operations that have
	// completed since the last poll. Idempotent-monotonic: repeated
	// calls with nothing new return 0.
	PollCompletion(ctx context.Context) uint32

	// SetParameter pushes a runtime tunable to the device.
	SetParameter(ctx context.Context, key ParameterKey, value uint32) bool

	// CoherenceRequest issues one coherence operation for addr. data/size
	// carry payload for Write/Writeback; nil/0 otherwise.
	CoherenceRequest(ctx context.Context, op CoherenceOp, addr uint64, data []byte) bool

	// CoherenceWaitComplete blocks until the most recently issued
	// CoherenceRequest has been acknowledged by the home agent.
	CoherenceWaitComplete(ctx context.Context) bool
}
