package session

import (
	"github.com/kedmegas/bobbin/peerwire"
)

// RequestIndex is a BlockDescriptor flattened to a single integer: every
// piece contributes ceil(pieceLength/maxBlockLength) consecutive indices,
// the final one possibly shorter. Flattening lets the tracked-request table
// be keyed by one integer instead of by descriptor, the same trade the
// teacher makes for its per-torrent RequestIndex space.
type RequestIndex uint32

// requestIndexer converts between BlockDescriptor and RequestIndex for one
// torrent's current piece layout. Each PeerSession builds its own, grows it
// as the remote view grows, and shares it with its OutboundQueue.
type requestIndexer struct {
	maxBlockLength int
	pieceLength    func(n int) int64
	// offset[i] is the RequestIndex of the first block of piece i. offset
	// has one more entry than pieces seen so far: offset[len(offset)-1] is
	// the total block count, i.e. one-past-the-end.
	offset []RequestIndex
}

func newRequestIndexer(maxBlockLength int, pieceLength func(n int) int64) *requestIndexer {
	return &requestIndexer{
		maxBlockLength: maxBlockLength,
		pieceLength:    pieceLength,
		offset:         []RequestIndex{0},
	}
}

// growTo extends the offset table so it covers pieces [0, numPieces), used
// whenever remote_view grows (Elastic) or on first construction.
func (ix *requestIndexer) growTo(numPieces int) {
	for len(ix.offset)-1 < numPieces {
		i := len(ix.offset) - 1
		blocks := blocksIn(ix.pieceLength(i), ix.maxBlockLength)
		ix.offset = append(ix.offset, ix.offset[len(ix.offset)-1]+RequestIndex(blocks))
	}
}

func blocksIn(pieceLength int64, maxBlockLength int) int {
	if pieceLength <= 0 || maxBlockLength <= 0 {
		return 0
	}
	return int((pieceLength + int64(maxBlockLength) - 1) / int64(maxBlockLength))
}

// ToIndex flattens d. d must describe a block whose piece is already
// covered by growTo.
func (ix *requestIndexer) ToIndex(d peerwire.BlockDescriptor) RequestIndex {
	return ix.offset[d.PieceIndex] + RequestIndex(d.Begin/ix.maxBlockLength)
}

// ToDescriptor reconstructs the BlockDescriptor for a previously flattened
// index.
func (ix *requestIndexer) ToDescriptor(r RequestIndex) peerwire.BlockDescriptor {
	piece := ix.pieceForIndex(r)
	begin := int(r-ix.offset[piece]) * ix.maxBlockLength
	length := ix.maxBlockLength
	remaining := ix.pieceLength(piece) - int64(begin)
	if remaining < int64(length) {
		length = int(remaining)
	}
	return peerwire.BlockDescriptor{PieceIndex: piece, Begin: begin, Length: length}
}

func (ix *requestIndexer) pieceForIndex(r RequestIndex) int {
	// Binary search for the last piece whose first index is <= r.
	lo, hi := 0, len(ix.offset)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if ix.offset[mid] <= r {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
