// Package bitfield implements the bit-indexed piece set used for a remote
// peer's claimed pieces: a logical, growable set of piece indices backed by
// a roaring bitmap (the same structure the teacher returns from
// Peer.newPeerPieces), plus the BEP-3 packed-byte wire encoding that set
// travels as on the wire.
package bitfield

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// Set is a growable bit-indexed set over piece indices. Length tracks the
// declared extent (spec invariant 1: remote_bitfield.length >=
// remote_view.num_pieces) independently of which bits happen to be set, so
// a freshly constructed Set over N pieces with no bits set still reports
// Len() == N.
type Set struct {
	rb     *roaring.Bitmap
	length int
}

func New(numPieces int) *Set {
	return &Set{rb: roaring.New(), length: numPieces}
}

func (s *Set) Len() int { return s.length }

// Grow extends the declared length. It never shrinks it: Elastic view
// growth is the only caller, and the spec's view length is monotonically
// non-decreasing.
func (s *Set) Grow(numPieces int) {
	if numPieces > s.length {
		s.length = numPieces
	}
}

func (s *Set) Contains(i int) bool {
	if i < 0 || i >= s.length {
		return false
	}
	return s.rb.Contains(uint32(i))
}

// Add sets bit i and reports whether it was previously unset.
func (s *Set) Add(i int) bool {
	if s.rb.Contains(uint32(i)) {
		return false
	}
	s.rb.Add(uint32(i))
	return true
}

func (s *Set) Remove(i int) {
	s.rb.Remove(uint32(i))
}

// SetAll marks every piece in [0, Len()) present, for HaveAll.
func (s *Set) SetAll() {
	s.rb.Clear()
	if s.length > 0 {
		s.rb.AddRange(0, uint64(s.length))
	}
}

// Cardinality returns the number of set bits.
func (s *Set) Cardinality() int {
	return int(s.rb.GetCardinality())
}

func (s *Set) IsEmpty() bool {
	return s.rb.IsEmpty()
}

// Iterate calls f for every set bit in ascending order, stopping early if f
// returns false.
func (s *Set) Iterate(f func(piece int) bool) {
	s.rb.Iterate(func(x uint32) bool {
		return f(int(x))
	})
}

// MarshalWire packs the set into the BEP-3 bitfield byte representation:
// ceil(Len()/8) bytes, piece i occupying bit (7 - i%8) of byte i/8 (MSB
// first), trailing spare bits in the last byte zeroed.
func (s *Set) MarshalWire() []byte {
	out := make([]byte, (s.length+7)/8)
	s.rb.Iterate(func(x uint32) bool {
		i := int(x)
		if i < s.length {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
		return true
	})
	return out
}

// UnmarshalWire builds a Set of the given declared length from packed BEP-3
// bytes, failing if the byte count doesn't match ceil(numPieces/8) (the
// Bitfield handler's size-mismatch validation, spec §4.1).
func UnmarshalWire(b []byte, numPieces int) (*Set, error) {
	want := (numPieces + 7) / 8
	if len(b) != want {
		return nil, fmt.Errorf("bitfield: got %d bytes, want %d for %d pieces", len(b), want, numPieces)
	}
	s := New(numPieces)
	for i := 0; i < numPieces; i++ {
		if b[i/8]&(1<<(7-uint(i%8))) != 0 {
			s.rb.Add(uint32(i))
		}
	}
	return s, nil
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	return &Set{rb: s.rb.Clone(), length: s.length}
}
