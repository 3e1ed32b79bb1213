// Package elastic implements the data types of the Elastic streaming
// extension: a torrent's declared extent (StorageDescriptor), the signed
// commitments that let that extent grow mid-swarm (ViewSignature), and the
// Merkle authentication path attached to a piece (HashChain).
package elastic

import "fmt"

// StorageDescriptor is a torrent's declared extent: piece size and total
// length. Under the Elastic extension, total length (and therefore
// NumPieces) is only ever revised upward.
type StorageDescriptor struct {
	PieceLength int64
	TotalLength int64
}

// NumPieces is the piece count implied by TotalLength at PieceLength, the
// last piece taking whatever remainder is left over.
func (d StorageDescriptor) NumPieces() int {
	if d.PieceLength <= 0 {
		return 0
	}
	return int((d.TotalLength + d.PieceLength - 1) / d.PieceLength)
}

// PieceLengthAt returns the length of piece n: PieceLength for every piece
// but the last, which may be shorter.
func (d StorageDescriptor) PieceLengthAt(n int) int64 {
	if n < 0 || n >= d.NumPieces() {
		return 0
	}
	if n == d.NumPieces()-1 {
		rem := d.TotalLength - int64(n)*d.PieceLength
		if rem > 0 {
			return rem
		}
	}
	return d.PieceLength
}

// WithTotalLength returns a copy of d grown to newLength, at the same piece
// size. Callers enforce the "only grows" invariant; this is a pure
// constructor.
func (d StorageDescriptor) WithTotalLength(newLength int64) StorageDescriptor {
	d.TotalLength = newLength
	return d
}

// ViewSignature binds a view length to a cryptographic signature over the
// root-hash commitment for a torrent extended to that length. View lengths
// accepted across a session are monotonically non-decreasing (spec §3).
type ViewSignature struct {
	ViewLength int64
	Signature  []byte
}

func (s ViewSignature) String() string {
	return fmt.Sprintf("view signature(length=%d, sig=%d bytes)", s.ViewLength, len(s.Signature))
}

// HashChain is the sibling-hash path authenticating one piece's position in
// a Merkle tree of TreeLength total pieces. Used both by the fixed-length
// Merkle piece style and by Elastic pieces, which pair a HashChain with the
// ViewSignature for the tree it was authenticated against.
type HashChain struct {
	TreeLength int64
	Siblings   [][]byte
}

// History is the bounded (size <= 2) ordered mapping from view-length to
// ViewSignature described in spec §3: the current accepted view and the one
// immediately prior. It is not safe for concurrent use; callers serialise
// access the same way they serialise the rest of PeerState.
type History struct {
	// entries is kept in insertion order; capacity never exceeds 2, so a
	// slice outperforms a map for this size and preserves eviction order
	// without extra bookkeeping.
	entries []ViewSignature
}

// Insert adds sig, evicting the smallest view-length first if the history
// would otherwise exceed two entries (spec §4.1 ElasticSignature handler:
// "Trim remote_view_signatures to size <= 2 by evicting the smallest
// view-length, then insert the new one").
func (h *History) Insert(sig ViewSignature) {
	for i, e := range h.entries {
		if e.ViewLength == sig.ViewLength {
			h.entries[i] = sig
			return
		}
	}
	if len(h.entries) >= 2 {
		smallest := 0
		for i := 1; i < len(h.entries); i++ {
			if h.entries[i].ViewLength < h.entries[smallest].ViewLength {
				smallest = i
			}
		}
		h.entries = append(h.entries[:smallest], h.entries[smallest+1:]...)
	}
	h.entries = append(h.entries, sig)
}

// Lookup returns the signature for the given view length, if present.
func (h *History) Lookup(viewLength int64) (ViewSignature, bool) {
	for _, e := range h.entries {
		if e.ViewLength == viewLength {
			return e, true
		}
	}
	return ViewSignature{}, false
}

func (h *History) Len() int { return len(h.entries) }

// Entries returns the current entries in insertion order. The returned
// slice is a copy; mutating it does not affect h.
func (h *History) Entries() []ViewSignature {
	out := make([]ViewSignature, len(h.entries))
	copy(out, h.entries)
	return out
}
