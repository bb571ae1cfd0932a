package entropy

import (
	"bytes"
	"crypto/rand"
	"math"
	"testing"
)

func TestEstimateEmpty(t *testing.T) {
	if got := Estimate(nil); got != 0 {
		t.Errorf("Estimate(nil) = %v, want 0", got)
	}
	if got := Estimate([]byte{}); got != 0 {
		t.Errorf("Estimate([]) = %v, want 0", got)
	}
}

func TestEstimateSingleValue(t *testing.T) {
	for _, n := range []int{1, 2, 17, 10000} {
		data := bytes.Repeat([]byte{0x41}, n)
		if got := Estimate(data); got != 0 {
			t.Errorf("Estimate(%d x 0x41) = %v, want 0", n, got)
		}
	}
}

func TestEstimateTwoSymbols(t *testing.T) {
	data := bytes.Repeat([]byte{0x00, 0xff}, 512)
	if got := Estimate(data); math.Abs(got-1) > 1e-12 {
		t.Errorf("Estimate(alternating) = %v, want 1", got)
	}
}

func TestEstimatePermutation(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	if got := Estimate(data); math.Abs(got-8) > 1e-9 {
		t.Errorf("Estimate(0..255) = %v, want 8", got)
	}
}

func TestEstimateRandomApproachesCeiling(t *testing.T) {
	data := make([]byte, 1<<20)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	got := Estimate(data)
	if got < 7.99 || got > MaxBitsPerByte {
		t.Errorf("Estimate(random 1MiB) = %v, want in [7.99, 8]", got)
	}
}

func TestEstimateBounds(t *testing.T) {
	inputs := [][]byte{
		[]byte("hello, world"),
		[]byte("The quick brown fox jumps over the lazy dog."),
		bytes.Repeat([]byte("abc"), 1000),
		{0x00},
	}
	random := make([]byte, 10000)
	rand.Read(random)
	inputs = append(inputs, random)

	for _, in := range inputs {
		got := Estimate(in)
		if got < 0 || got > MaxBitsPerByte || math.IsNaN(got) || math.IsInf(got, 0) {
			t.Errorf("Estimate(%q...) = %v out of [0, 8]", truncate(in), got)
		}
	}
}

func TestEstimateAlphabetBound(t *testing.T) {
	// Entropy never exceeds log2 of the number of distinct symbols.
	data := []byte("aabbccdd")
	if got := Estimate(data); got > math.Log2(4)+1e-12 {
		t.Errorf("Estimate(%q) = %v, exceeds log2(4)", data, got)
	}
}

func TestHistogramChunkedMatchesWhole(t *testing.T) {
	data := make([]byte, 4096)
	rand.Read(data)

	var h Histogram
	for i := 0; i < len(data); i += 100 {
		end := min(i+100, len(data))
		if _, err := h.Write(data[i:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if h.Total() != uint64(len(data)) {
		t.Errorf("Total = %d, want %d", h.Total(), len(data))
	}
	if got, want := h.Entropy(), Estimate(data); got != want {
		t.Errorf("chunked entropy %v != whole %v", got, want)
	}

	h.Reset()
	if h.Total() != 0 || h.Entropy() != 0 || h.Distinct() != 0 {
		t.Error("Reset should clear the histogram")
	}
}

func TestHistogramDistinct(t *testing.T) {
	var h Histogram
	h.Add([]byte("mississippi"))
	if got := h.Distinct(); got != 4 {
		t.Errorf("Distinct = %d, want 4", got)
	}
}

func truncate(b []byte) []byte {
	if len(b) > 16 {
		return b[:16]
	}
	return b
}

func BenchmarkEstimate(b *testing.B) {
	data := make([]byte, 1<<20)
	rand.Read(data)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Estimate(data)
	}
}
