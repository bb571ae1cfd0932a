// Package entropy estimates the Shannon entropy of byte sequences.
//
// Encrypted and well-compressed content approaches the 8 bits/byte ceiling,
// while plaintext and most structured binary formats sit noticeably lower.
package entropy

import "math"

// MaxBitsPerByte is the upper bound of Estimate for any input.
const MaxBitsPerByte = 8.0

// Estimate returns the Shannon entropy of data in bits per byte.
// Empty input yields 0.
func Estimate(data []byte) float64 {
	var h Histogram
	h.Add(data)
	return h.Entropy()
}

// Histogram accumulates byte frequencies so entropy can be computed over
// data that arrives in chunks.
type Histogram struct {
	counts [256]uint64
	total  uint64
}

// Add folds p into the histogram.
func (h *Histogram) Add(p []byte) {
	for _, b := range p {
		h.counts[b]++
	}
	h.total += uint64(len(p))
}

// Write implements io.Writer so a Histogram can sit behind io.Copy.
func (h *Histogram) Write(p []byte) (int, error) {
	h.Add(p)
	return len(p), nil
}

// Total returns the number of bytes observed.
func (h *Histogram) Total() uint64 {
	return h.total
}

// Distinct returns how many of the 256 byte values have been observed.
func (h *Histogram) Distinct() int {
	n := 0
	for _, c := range h.counts {
		if c > 0 {
			n++
		}
	}
	return n
}

// Entropy returns the Shannon entropy of the observed bytes in bits per byte.
func (h *Histogram) Entropy() float64 {
	if h.total == 0 {
		return 0
	}

	length := float64(h.total)
	var e float64
	for _, c := range h.counts {
		if c == 0 {
			continue
		}
		p := float64(c) / length
		e -= p * math.Log2(p)
	}

	// Rounding can push a single-symbol input to -0 or a uniform one a hair over 8.
	if e <= 0 {
		return 0
	}
	if e > MaxBitsPerByte {
		return MaxBitsPerByte
	}
	return e
}

// Reset clears the histogram for reuse.
func (h *Histogram) Reset() {
	*h = Histogram{}
}
