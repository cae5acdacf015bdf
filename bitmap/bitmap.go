// Package bitmap implements a dense, word-packed bit set with a
// first-fit free-bit search. It encapsulates the "uint32_t* plus
// manual index math" pattern the PFA used in the source this kernel
// replaces, so that the set/clear/test/find invariants live in one
// place instead of being re-derived with shifts at every call site.
package bitmap

import "math/bits"

// Set is a bit-indexed container backed by 32-bit words. The zero
// value is an empty (zero-length) set; use New to size one.
type Set struct {
	words []uint32
	nbits int
}

// New returns a Set with room for at least nbits bits, all initially
// clear.
func New(nbits int) *Set {
	n := (nbits + 31) / 32
	return &Set{words: make([]uint32, n), nbits: nbits}
}

// FromWords wraps an existing word slice (e.g. one backed by a frame
// the PFA allocated for its own bitmap) as a Set of nbits bits. The
// caller retains ownership of words; FromWords takes no copy.
func FromWords(words []uint32, nbits int) *Set {
	return &Set{words: words, nbits: nbits}
}

// Len returns the number of bits the set was sized for.
func (s *Set) Len() int { return s.nbits }

// Words exposes the backing storage, e.g. so the PFA can report how
// many bytes its bitmap occupies.
func (s *Set) Words() []uint32 { return s.words }

// Set marks bit i used.
func (s *Set) Set(i uint32) {
	s.words[i/32] |= 1 << (i % 32)
}

// Clear marks bit i free.
func (s *Set) Clear(i uint32) {
	s.words[i/32] &^= 1 << (i % 32)
}

// Test reports whether bit i is set.
func (s *Set) Test(i uint32) bool {
	return s.words[i/32]&(1<<(i%32)) != 0
}

// SetAll marks every bit in the set used; used to initialize the PFA
// bitmap to "all reserved" before the memory map is walked to clear
// the available ranges.
func (s *Set) SetAll() {
	for i := range s.words {
		s.words[i] = ^uint32(0)
	}
}

// FindFirstClear performs a first-fit scan: it skips any word that is
// entirely ones and returns the index of the lowest clear bit in the
// first word that isn't. It returns (0, false) when every word is
// full, i.e. the set has no free bit.
func (s *Set) FindFirstClear() (uint32, bool) {
	for wi, w := range s.words {
		if w == ^uint32(0) {
			continue
		}
		// bits.TrailingZeros32 on the complement gives the lowest
		// clear bit within this word.
		bit := bits.TrailingZeros32(^w)
		idx := uint32(wi)*32 + uint32(bit)
		if int(idx) >= s.nbits {
			return 0, false
		}
		return idx, true
	}
	return 0, false
}
