// Package compress implements the deterministic four-stage compression
// pipeline of spec.md §4.B: scale, quantize, delta-encode, run-length
// encode, and its exact inverse. The pipeline is loss-permitting
// (int8 quantization) but bit-deterministic for a fixed input — ties are
// broken round-half-away-from-zero, pinned once here and never mixed
// with round-half-to-even.
package compress

import "math"

// Compressed is the wire record produced by Compress.
type Compressed struct {
	Scale          float32
	RLEBytes       []int8
	OriginalSize   int
	CompressedSize int
}

// Compress runs the forward pipeline over values, a flattened
// [numTokens, hiddenDim] tensor page belonging to layerID. numTokens and
// hiddenDim are carried through for callers but do not affect the
// codec — the pipeline operates on the flat slice.
func Compress(values []float32, numTokens, hiddenDim, layerID int) Compressed {
	_, _, _ = numTokens, hiddenDim, layerID

	scale := computeScale(values)
	quantized := quantize(values, scale)
	delta := deltaEncode(quantized)
	rle := rleEncode(delta)

	return Compressed{
		Scale:          scale,
		RLEBytes:       rle,
		OriginalSize:   len(values) * 4,
		CompressedSize: len(rle),
	}
}

// Decompress runs the exact inverse pipeline. numTokens and hiddenDim
// are accepted for contract symmetry with Compress but the output
// length is fully determined by c.RLEBytes.
func Decompress(c Compressed, numTokens, hiddenDim int) []float32 {
	_, _ = numTokens, hiddenDim

	delta := rleDecode(c.RLEBytes)
	quantized := deltaDecode(delta)
	return dequantize(quantized, c.Scale)
}

// computeScale implements step 1: s = max(|x_i|) / 127, or 1.0 if the
// input is all-zero.
func computeScale(values []float32) float32 {
	var maxAbs float32
	for _, v := range values {
		a := v
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return 1.0
	}
	return maxAbs / 127
}

// quantize implements step 2: q_i = clamp(round(x_i/s), -128, 127),
// round-half-away-from-zero.
func quantize(values []float32, scale float32) []int8 {
	out := make([]int8, len(values))
	for i, v := range values {
		scaled := float64(v / scale)
		r := roundHalfAwayFromZero(scaled)
		out[i] = clampInt8(r)
	}
	return out
}

func dequantize(quantized []int8, scale float32) []float32 {
	out := make([]float32, len(quantized))
	for i, q := range quantized {
		out[i] = float32(q) * scale
	}
	return out
}

func roundHalfAwayFromZero(x float64) float64 {
	if x >= 0 {
		return math.Floor(x + 0.5)
	}
	return math.Ceil(x - 0.5)
}

func clampInt8(x float64) int8 {
	if x > 127 {
		return 127
	}
	if x < -128 {
		return -128
	}
	return int8(x)
}

// deltaEncode implements step 3: d0 = q0, d_i = q_i - q_i-1 for i>=1,
// computed in wrapping signed 8-bit arithmetic so the inverse is exact
// regardless of overflow.
func deltaEncode(quantized []int8) []int8 {
	if len(quantized) == 0 {
		return nil
	}
	out := make([]int8, len(quantized))
	out[0] = quantized[0]
	for i := 1; i < len(quantized); i++ {
		out[i] = int8(quantized[i] - quantized[i-1])
	}
	return out
}

// deltaDecode is the prefix-sum inverse of deltaEncode, wrapping in
// lockstep with the encoder.
func deltaDecode(delta []int8) []int8 {
	if len(delta) == 0 {
		return nil
	}
	out := make([]int8, len(delta))
	out[0] = delta[0]
	for i := 1; i < len(delta); i++ {
		out[i] = int8(out[i-1] + delta[i])
	}
	return out
}

// rleEncode implements step 4: emit (value, count) byte pairs, flushing
// a run when the value changes or count reaches 255. Empty input yields
// empty output.
func rleEncode(values []int8) []int8 {
	if len(values) == 0 {
		return nil
	}

	out := make([]int8, 0, len(values)*2)
	run := values[0]
	count := 1
	flush := func() {
		out = append(out, run, int8(byte(count)))
	}
	for i := 1; i < len(values); i++ {
		if values[i] == run && count < 255 {
			count++
			continue
		}
		flush()
		run = values[i]
		count = 1
	}
	flush()
	return out
}

// rleDecode is the inverse of rleEncode. A trailing unpaired byte (an
// odd-length input) is dropped rather than treated as an error, since
// the compressor always emits pairs and a truncated stream is the only
// way this can happen.
func rleDecode(rle []int8) []int8 {
	n := len(rle)
	if n%2 != 0 {
		n--
	}

	out := make([]int8, 0, n)
	for i := 0; i < n; i += 2 {
		value := rle[i]
		count := int(uint8(rle[i+1]))
		for j := 0; j < count; j++ {
			out = append(out, value)
		}
	}
	return out
}
