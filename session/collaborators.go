package session

import (
	"net"
	"time"

	"github.com/kedmegas/bobbin/bitfield"
	"github.com/kedmegas/bobbin/elastic"
	"github.com/kedmegas/bobbin/peerwire"
)

// Connection is the byte-level transport a PeerSession drives. The session
// owns reading and writing; Connection only owns the socket itself.
type Connection interface {
	RemoteAddr() net.Addr
	// Drain reads whatever bytes are already available into buf without
	// blocking, returning (0, nil) once nothing further is immediately
	// available. ConnectionReady calls it in a loop after the connection
	// layer has signalled readability.
	Drain(buf []byte) (int, error)
	// Fill writes buf to the connection, returning the number of bytes
	// accepted before blocking or erroring — the same contract as
	// net.Conn.Write.
	Fill(buf []byte) (int, error)
	Close() error
}

// PieceDatabase is the torrent's piece store, consulted read-only by the
// session (spec §5 "Shared resources"; §6 "Piece database").
type PieceDatabase interface {
	PieceStyle() peerwire.PieceStyle
	StorageDescriptor() elastic.StorageDescriptor
	InfoStorageDescriptor() elastic.StorageDescriptor
	PieceLength(n int) int64
	HavePiece(n int) bool
	// ReadBlock returns the bytes for d. Only called for pieces HavePiece
	// has already reported present.
	ReadBlock(d peerwire.BlockDescriptor) ([]byte, error)
	PresentPieces() *bitfield.Set
	ViewSignature(length int64) (elastic.ViewSignature, bool)
	Hash(n int) []byte
}

// Coordinator is the torrent-wide collaborator the spec calls
// RequestManager / PeerServices (§4.5). It must be safe for concurrent use:
// many PeerSessions call into it from their own connection-ready
// invocations.
type Coordinator interface {
	// AddAvailablePiece records that the peer has piece n and returns
	// whether we are now interested in them.
	AddAvailablePiece(peer *PeerSession, n int) bool
	// AddAvailablePieces is the HaveAll/Bitfield-replace equivalent.
	AddAvailablePieces(peer *PeerSession) bool

	SetPieceAllowedFast(peer *PeerSession, n int)
	SetPieceSuggested(peer *PeerSession, n int)

	// GetRequests returns up to n block descriptors to request from peer.
	// When allowedFastOnly is set, only descriptors for pieces the peer has
	// marked Allowed Fast for us may be returned.
	GetRequests(peer *PeerSession, n int, allowedFastOnly bool) []peerwire.BlockDescriptor

	// HandleBlock delivers a block that matched an outstanding request.
	// chain is always nil: the session does not decode hash chains from
	// Piece messages. sig is non-nil only for the Elastic piece style, when
	// a signature for the remote's current view length is held.
	HandleBlock(peer *PeerSession, d peerwire.BlockDescriptor, sig *elastic.ViewSignature, chain *elastic.HashChain, block []byte)

	// RecordBlock fingerprints which peer supplied the bytes at d, ahead of
	// any hash verification in HandleBlock, so a later hash-check failure
	// can be attributed to the peers that actually contributed to the
	// piece (smart-ban style).
	RecordBlock(peer *PeerSession, d peerwire.BlockDescriptor, block []byte)

	// HandleViewSignature cryptographically verifies sig, reporting whether
	// it is acceptable.
	HandleViewSignature(sig elastic.ViewSignature) bool

	AdjustChoking(peer *PeerSession, ourCurrentChoke bool)

	EnableDisablePeerExtensions(peer *PeerSession, added, removed []peerwire.ExtensionName, extra map[string]int)
	ProcessExtensionMessage(peer *PeerSession, id uint8, payload []byte)

	// PeerDisconnected fires at most once per session.
	PeerDisconnected(peer *PeerSession)

	// OfferExtensionsToPeer is invoked at handshake-complete time if the
	// extension protocol is enabled for this session.
	OfferExtensionsToPeer(peer *PeerSession)
}

// Clock abstracts time so idle-timeout behaviour (spec §4.1a
// send_keepalive_or_close) is testable without a real clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
