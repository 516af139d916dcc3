package predictor

import "testing"

func TestPredictTopKLengthAndOrder(t *testing.T) {
	r := NewRecurrent(50, 8, 4)

	history := []uint32{1, 2, 3}
	got := r.PredictTopK(history, 5)

	if len(got) != 5 {
		t.Fatalf("len(got) = %d, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Confidence > got[i-1].Confidence {
			t.Fatalf("confidences not descending at %d: %v > %v", i, got[i].Confidence, got[i-1].Confidence)
		}
	}
}

func TestPredictTopKClampsToVocabSize(t *testing.T) {
	r := NewRecurrent(3, 4, 2)
	got := r.PredictTopK([]uint32{1}, 100)
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want min(k, vocab)=3", len(got))
	}
}

func TestConfidencesSumToOne(t *testing.T) {
	r := NewRecurrent(20, 6, 3)
	got := r.PredictTopK([]uint32{5, 6, 7, 8, 9}, 20)

	var sum float64
	for _, c := range got {
		sum += c.Confidence
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("sum of confidences = %v, want ~1.0", sum)
	}
}

func TestShortHistoryIsLeftPadded(t *testing.T) {
	r := NewRecurrent(10, 4, 8)
	// History shorter than window must not panic and must behave
	// deterministically (same input -> same output).
	a := r.PredictTopK([]uint32{3}, 10)
	b := r.PredictTopK([]uint32{3}, 10)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("PredictTopK not deterministic at %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestLongHistoryIsTruncatedToWindow(t *testing.T) {
	r := NewRecurrent(10, 4, 3)
	long := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	short := []uint32{7, 8, 9} // last `window` elements of long

	a := r.PredictTopK(long, 10)
	b := r.PredictTopK(short, 10)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("truncated history mismatch at %d: %v != %v", i, a[i], b[i])
		}
	}
}
