package compress

import (
	"sync"

	"github.com/x448/float16"
)

// Scheme mirrors transport.CompressionScheme's value space (0=FP16,
// 1=INT8, 2=INT8+Delta+RLE) without importing the transport package, so
// Engine stays usable standalone. set_parameter(key=2, scheme) on the
// transport is expected to be mirrored into Engine.SetScheme by the
// caller (the engine facade does this).
type Scheme uint32

const (
	SchemeFP16 Scheme = 0
	SchemeINT8 Scheme = 1
	SchemeINT8DeltaRLE Scheme = 2
)

// Engine is the stateful wrapper around the pure Compress/Decompress
// functions: it tracks the active scheme, per-layer nominal ratios, and
// aggregate performance statistics for observability. None of this
// state changes the codec's behavior for a given scheme.
type Engine struct {
	mu sync.Mutex

	scheme Scheme

	// nominalRatios holds an operator-supplied expected compression
	// ratio per layer, reported but never consulted by the codec.
	nominalRatios map[int]float64

	perf PerfStats

	clockMHz   float64
	widthBits  float64
	numEngines float64
}

// PerfStats aggregates compression performance observability data.
// Throughput is synthesized from clock * width * engine count per
// spec.md §4.B, not measured — it characterizes the FPGA engine the
// transport models, not this host-side codec.
type PerfStats struct {
	TotalCompressions   uint64
	TotalDecompressions uint64
	sumRatio             float64
}

// AverageRatio returns the mean of (OriginalSize/CompressedSize) seen so
// far, or 0 if nothing has been compressed yet.
func (p PerfStats) AverageRatio() float64 {
	if p.TotalCompressions == 0 {
		return 0
	}
	return p.sumRatio / float64(p.TotalCompressions)
}

// NewEngine constructs a compression engine defaulting to
// INT8+Delta+RLE (scheme 2).
func NewEngine(clockMHz, widthBits, numEngines float64) *Engine {
	return &Engine{
		scheme:        SchemeINT8DeltaRLE,
		nominalRatios: make(map[int]float64),
		clockMHz:      clockMHz,
		widthBits:     widthBits,
		numEngines:    numEngines,
	}
}

// SetScheme switches the active compression scheme, mirroring
// transport.ParamCompressionScheme.
func (e *Engine) SetScheme(s Scheme) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheme = s
}

// Scheme returns the active compression scheme.
func (e *Engine) Scheme() Scheme {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheme
}

// SetNominalRatio records the expected compression ratio for layerID,
// for observability only.
func (e *Engine) SetNominalRatio(layerID int, ratio float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nominalRatios[layerID] = ratio
}

// NominalRatio returns the recorded expected ratio for layerID, or 0 if
// none was set.
func (e *Engine) NominalRatio(layerID int) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nominalRatios[layerID]
}

// CompressPage compresses values under the engine's active scheme and
// updates performance statistics.
func (e *Engine) CompressPage(values []float32, numTokens, hiddenDim, layerID int) Page {
	e.mu.Lock()
	scheme := e.scheme
	e.mu.Unlock()

	var page Page
	switch scheme {
	case SchemeFP16:
		page = Page{Scheme: SchemeFP16, FP16Bytes: encodeFP16(values), OriginalSize: len(values) * 4}
		page.CompressedSize = len(page.FP16Bytes)
	case SchemeINT8:
		scale := computeScale(values)
		q := quantize(values, scale)
		page = Page{Scheme: SchemeINT8, Scale: scale, INT8Bytes: q, OriginalSize: len(values) * 4}
		page.CompressedSize = len(q)
	default:
		c := Compress(values, numTokens, hiddenDim, layerID)
		page = Page{Scheme: SchemeINT8DeltaRLE, Scale: c.Scale, RLEBytes: c.RLEBytes, OriginalSize: c.OriginalSize, CompressedSize: c.CompressedSize}
	}

	e.mu.Lock()
	e.perf.TotalCompressions++
	if page.CompressedSize > 0 {
		e.perf.sumRatio += float64(page.OriginalSize) / float64(page.CompressedSize)
	}
	e.mu.Unlock()

	return page
}

// DecompressPage inverts CompressPage, dispatching on page.Scheme
// regardless of the engine's current active scheme (a page always
// carries its own scheme tag).
func (e *Engine) DecompressPage(page Page, numTokens, hiddenDim int) []float32 {
	e.mu.Lock()
	e.perf.TotalDecompressions++
	e.mu.Unlock()

	switch page.Scheme {
	case SchemeFP16:
		return decodeFP16(page.FP16Bytes)
	case SchemeINT8:
		return dequantize(page.INT8Bytes, page.Scale)
	default:
		return Decompress(Compressed{Scale: page.Scale, RLEBytes: page.RLEBytes, OriginalSize: page.OriginalSize, CompressedSize: page.CompressedSize}, numTokens, hiddenDim)
	}
}

// Perf returns a snapshot of the aggregate performance counters.
func (e *Engine) Perf() PerfStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perf
}

// ThroughputGBps synthesizes an expected throughput figure from the
// configured clock, data width, and engine count, per spec.md §4.B —
// this is not measured, it characterizes the modeled FPGA engine.
func (e *Engine) ThroughputGBps() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	bytesPerCycle := e.widthBits / 8
	return e.clockMHz * 1e6 * bytesPerCycle * e.numEngines / 1e9
}

// Page is a scheme-tagged compressed tensor page.
type Page struct {
	Scheme         Scheme
	Scale          float32
	RLEBytes       []int8
	INT8Bytes      []int8
	FP16Bytes      []byte
	OriginalSize   int
	CompressedSize int
}

func encodeFP16(values []float32) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		h := float16.Fromfloat32(v)
		out[i*2] = byte(h)
		out[i*2+1] = byte(h >> 8)
	}
	return out
}

func decodeFP16(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		h := float16.Float16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
		out[i] = h.Float32()
	}
	return out
}
