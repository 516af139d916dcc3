// Package predictor implements the token predictor contract of
// spec.md §4.C: a pure function of (history, weights) mapping a fixed
// window of recent token ids to a ranked, probability-summing list of
// next-token candidates. The reference here is a single-layer recurrent
// scorer; any model producing a probability distribution over the same
// window contract satisfies the interface below.
package predictor

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Candidate is one ranked prediction.
type Candidate struct {
	TokenID    uint32
	Confidence float64
}

// Predictor is the pure-function strategy interface the prefetcher
// consults. The core contracts only this interface, not any concrete
// model — see spec.md §9 "Predictor as strategy".
type Predictor interface {
	PredictTopK(history []uint32, k int) []Candidate
	HistoryWindow() int
	VocabSize() int
}

// Recurrent is a minimal single-layer recurrent scorer: a hidden state
// is folded over the (left-padded or truncated) history window through
// an embedding lookup and a recurrence matrix, then projected to vocab
// logits and soft-maxed. It is a reference implementation satisfying
// Predictor, not a contracted model shape.
type Recurrent struct {
	vocabSize  int
	hiddenDim  int
	window     int
	embed      *mat.Dense // vocabSize x hiddenDim
	recurrence *mat.Dense // hiddenDim x hiddenDim
	project    *mat.Dense // hiddenDim x vocabSize
}

// NewRecurrent constructs a scorer with freshly seeded weights. LoadWeights
// replaces the weights with trained values; both are advisory per
// spec.md §4.C.
func NewRecurrent(vocabSize, hiddenDim, window int) *Recurrent {
	r := &Recurrent{
		vocabSize: vocabSize,
		hiddenDim: hiddenDim,
		window:    window,
	}
	r.embed = mat.NewDense(vocabSize, hiddenDim, nil)
	r.recurrence = mat.NewDense(hiddenDim, hiddenDim, nil)
	r.project = mat.NewDense(hiddenDim, vocabSize, nil)
	seedIdentityish(r.recurrence)
	return r
}

// seedIdentityish gives the recurrence matrix a deterministic,
// non-degenerate starting point (scaled identity). The embedding and
// projection matrices start at zero, so an unloaded predictor yields
// all-zero logits: a uniform distribution, ranked by token id.
func seedIdentityish(m *mat.Dense) {
	r, c := m.Dims()
	n := r
	if c < n {
		n = c
	}
	for i := 0; i < n; i++ {
		m.Set(i, i, 0.01)
	}
}

// HistoryWindow returns the fixed window size this predictor consumes.
func (r *Recurrent) HistoryWindow() int { return r.window }

// VocabSize returns the size of the token vocabulary.
func (r *Recurrent) VocabSize() int { return r.vocabSize }

// LoadWeights replaces embed/recurrence/project with externally trained
// matrices. Advisory per spec.md §4.C — no shape validation beyond the
// Dims match required for the forward pass to run.
func (r *Recurrent) LoadWeights(embed, recurrence, project *mat.Dense) {
	r.embed = embed
	r.recurrence = recurrence
	r.project = project
}

// PredictTopK implements the Predictor contract: history shorter than
// the fixed window is left-padded with zero; longer is truncated to the
// most recent window. Returned confidences sum to 1 and are sorted
// descending, ties broken by ascending token id.
func (r *Recurrent) PredictTopK(history []uint32, k int) []Candidate {
	windowed := windowHistory(history, r.window)

	hidden := mat.NewVecDense(r.hiddenDim, nil)
	for _, tok := range windowed {
		embedRow := mat.NewVecDense(r.hiddenDim, mat.Row(nil, int(tok)%r.vocabSize, r.embed))
		next := mat.NewVecDense(r.hiddenDim, nil)
		next.MulVec(r.recurrence, hidden)
		next.AddVec(next, embedRow)
		applyTanh(next)
		hidden = next
	}

	logits := mat.NewVecDense(r.vocabSize, nil)
	logits.MulVec(r.project.T(), hidden)

	probs := softmax(logits.RawVector().Data)
	return topK(probs, k)
}

func windowHistory(history []uint32, window int) []uint32 {
	out := make([]uint32, window)
	if len(history) >= window {
		copy(out, history[len(history)-window:])
		return out
	}
	// left-pad with zero
	copy(out[window-len(history):], history)
	return out
}

func applyTanh(v *mat.VecDense) {
	n := v.Len()
	for i := 0; i < n; i++ {
		v.SetVec(i, math.Tanh(v.AtVec(i)))
	}
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	exps := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		e := math.Exp(l - maxLogit)
		exps[i] = e
		sum += e
	}
	if sum == 0 {
		// Degenerate (e.g. all -inf); fall back to uniform.
		for i := range exps {
			exps[i] = 1.0 / float64(len(exps))
		}
		return exps
	}
	for i := range exps {
		exps[i] /= sum
	}
	return exps
}

func topK(probs []float64, k int) []Candidate {
	if k > len(probs) {
		k = len(probs)
	}
	candidates := make([]Candidate, len(probs))
	for i, p := range probs {
		candidates[i] = Candidate{TokenID: uint32(i), Confidence: p}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].TokenID < candidates[j].TokenID
	})
	return candidates[:k]
}
