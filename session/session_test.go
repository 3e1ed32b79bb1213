package session

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	qt "github.com/frankban/quicktest"

	"github.com/kedmegas/bobbin/bitfield"
	"github.com/kedmegas/bobbin/elastic"
	"github.com/kedmegas/bobbin/peerwire"
)

// fakeConn is an in-memory Connection: Drain replays a queue of inbound
// frames (each Drain call returns up to len(buf) bytes of the first queued
// push; an empty queue returns 0, nil, never io.EOF), Fill appends to an
// outbound buffer.
type fakeConn struct {
	inbound  [][]byte
	outbound bytes.Buffer
	closed   bool
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 6881}
}

func (c *fakeConn) Drain(buf []byte) (int, error) {
	if len(c.inbound) == 0 {
		return 0, nil
	}
	next := c.inbound[0]
	n := copy(buf, next)
	if n < len(next) {
		c.inbound[0] = next[n:]
	} else {
		c.inbound = c.inbound[1:]
	}
	return n, nil
}

func (c *fakeConn) Fill(buf []byte) (int, error) {
	return c.outbound.Write(buf)
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) push(m peerwire.Message) {
	c.inbound = append(c.inbound, m.MustMarshalBinary())
}

// fakePieceDB is a minimal, fully in-memory PieceDatabase.
type fakePieceDB struct {
	style           peerwire.PieceStyle
	storage         elastic.StorageDescriptor
	info            elastic.StorageDescriptor
	present         *bitfield.Set
	blocks          map[peerwire.BlockDescriptor][]byte
	viewSignatures  map[int64]elastic.ViewSignature
}

func (d *fakePieceDB) PieceStyle() peerwire.PieceStyle                { return d.style }
func (d *fakePieceDB) StorageDescriptor() elastic.StorageDescriptor    { return d.storage }
func (d *fakePieceDB) InfoStorageDescriptor() elastic.StorageDescriptor { return d.info }
func (d *fakePieceDB) PieceLength(n int) int64                        { return d.storage.PieceLengthAt(n) }
func (d *fakePieceDB) HavePiece(n int) bool                           { return d.present.Contains(n) }
func (d *fakePieceDB) PresentPieces() *bitfield.Set                  { return d.present }
func (d *fakePieceDB) Hash(n int) []byte                              { return nil }
func (d *fakePieceDB) ViewSignature(length int64) (elastic.ViewSignature, bool) {
	sig, ok := d.viewSignatures[length]
	return sig, ok
}
func (d *fakePieceDB) ReadBlock(desc peerwire.BlockDescriptor) ([]byte, error) {
	return d.blocks[desc], nil
}

func newFakePieceDB(numPieces int, pieceLength int64) *fakePieceDB {
	total := int64(numPieces) * pieceLength
	return &fakePieceDB{
		style:   peerwire.PieceStyleBase,
		storage: elastic.StorageDescriptor{PieceLength: pieceLength, TotalLength: total},
		info:    elastic.StorageDescriptor{PieceLength: pieceLength, TotalLength: total},
		present: bitfield.New(numPieces),
		blocks:  make(map[peerwire.BlockDescriptor][]byte),
	}
}

// fakeCoordinator lets each test wire up only the callbacks it exercises.
type fakeCoordinator struct {
	addAvailablePieces     func(*PeerSession) bool
	getRequests            func(*PeerSession, int, bool) []peerwire.BlockDescriptor
	handleViewSignature    func(elastic.ViewSignature) bool
	disconnectCount        int
}

func (c *fakeCoordinator) AddAvailablePiece(peer *PeerSession, n int) bool { return false }
func (c *fakeCoordinator) AddAvailablePieces(peer *PeerSession) bool {
	if c.addAvailablePieces != nil {
		return c.addAvailablePieces(peer)
	}
	return false
}
func (c *fakeCoordinator) SetPieceAllowedFast(peer *PeerSession, n int) {}
func (c *fakeCoordinator) SetPieceSuggested(peer *PeerSession, n int)   {}
func (c *fakeCoordinator) GetRequests(peer *PeerSession, n int, allowedFastOnly bool) []peerwire.BlockDescriptor {
	if c.getRequests != nil {
		return c.getRequests(peer, n, allowedFastOnly)
	}
	return nil
}
func (c *fakeCoordinator) HandleBlock(peer *PeerSession, d peerwire.BlockDescriptor, sig *elastic.ViewSignature, chain *elastic.HashChain, block []byte) {
}
func (c *fakeCoordinator) RecordBlock(peer *PeerSession, d peerwire.BlockDescriptor, block []byte) {}
func (c *fakeCoordinator) HandleViewSignature(sig elastic.ViewSignature) bool {
	if c.handleViewSignature != nil {
		return c.handleViewSignature(sig)
	}
	return true
}
func (c *fakeCoordinator) AdjustChoking(peer *PeerSession, ourCurrentChoke bool) {}
func (c *fakeCoordinator) EnableDisablePeerExtensions(peer *PeerSession, added, removed []peerwire.ExtensionName, extra map[string]int) {
}
func (c *fakeCoordinator) ProcessExtensionMessage(peer *PeerSession, id uint8, payload []byte) {}
func (c *fakeCoordinator) PeerDisconnected(peer *PeerSession)                                  { c.disconnectCount++ }
func (c *fakeCoordinator) OfferExtensionsToPeer(peer *PeerSession)                              {}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestSession(conn *fakeConn, coord *fakeCoordinator, pdb *fakePieceDB, fastEnabled bool, clock Clock) *PeerSession {
	var peerID [20]byte
	var infoHash [20]byte
	cfg := DefaultConfig()
	cfg.TargetPipelineDepth = 3
	return New(conn, coord, pdb, infoHash, peerID, fastEnabled, false, cfg, clock, log.Default)
}

func TestS1BaseProtocolChokeUnchokeRoundTrip(t *testing.T) {
	c := qt.New(t)
	conn := &fakeConn{}
	pdb := newFakePieceDB(8, 16384)
	three := []peerwire.BlockDescriptor{
		{PieceIndex: 0, Begin: 0, Length: 16384},
		{PieceIndex: 1, Begin: 0, Length: 16384},
		{PieceIndex: 2, Begin: 0, Length: 16384},
	}
	served := false
	coord := &fakeCoordinator{
		addAvailablePieces: func(*PeerSession) bool { return true },
		getRequests: func(p *PeerSession, n int, allowedFastOnly bool) []peerwire.BlockDescriptor {
			if allowedFastOnly || served {
				return nil
			}
			served = true
			return three
		},
	}
	s := newTestSession(conn, coord, pdb, false, &fakeClock{t: time.Unix(0, 0)})

	conn.push(peerwire.Message{ID: peerwire.Bitfield, BitfieldData: []byte{0xff}})
	s.ConnectionReady(true, true)
	c.Assert(s.State.WeAreInterested, qt.IsTrue)
	c.Assert(bytes.Contains(conn.outbound.Bytes(), peerwire.Message{ID: peerwire.Interested}.MustMarshalBinary()), qt.IsTrue)
	c.Assert(s.State.RemoteBitfield.Cardinality(), qt.Equals, 8)

	conn.outbound.Reset()
	conn.push(peerwire.Message{ID: peerwire.Unchoke})
	s.ConnectionReady(true, true)
	c.Assert(s.State.TheyAreChoking, qt.IsFalse)
	for _, d := range three {
		c.Assert(bytes.Contains(conn.outbound.Bytes(), peerwire.MakeRequestMessage(d).MustMarshalBinary()), qt.IsTrue)
	}
	c.Assert(len(s.queue.trackedRequests), qt.Equals, 3)

	conn.push(peerwire.Message{ID: peerwire.Choke})
	s.ConnectionReady(true, false)
	c.Assert(s.State.TheyAreChoking, qt.IsTrue)
	c.Assert(len(s.queue.trackedRequests), qt.Equals, 3)
	for _, tr := range s.queue.trackedRequests {
		c.Assert(tr.elem, qt.IsNotNil)
	}
}

func TestS2FastProtocolRejectOnChokedRequest(t *testing.T) {
	c := qt.New(t)
	conn := &fakeConn{}
	pdb := newFakePieceDB(8, 16384)
	pdb.present.Add(5)
	pdb.blocks[peerwire.BlockDescriptor{PieceIndex: 5, Begin: 0, Length: 16384}] = bytes.Repeat([]byte{1}, 16384)
	coord := &fakeCoordinator{}
	s := newTestSession(conn, coord, pdb, true, &fakeClock{t: time.Unix(0, 0)})
	c.Assert(s.State.WeAreChoking, qt.IsTrue)

	conn.outbound.Reset()
	conn.push(peerwire.Message{ID: peerwire.Request, Index: 5, Begin: 0, Length: 16384})
	s.ConnectionReady(true, true)

	reject := peerwire.MakeRejectMessage(peerwire.BlockDescriptor{PieceIndex: 5, Begin: 0, Length: 16384}).MustMarshalBinary()
	c.Assert(bytes.Contains(conn.outbound.Bytes(), reject), qt.IsTrue)
	c.Assert(s.queue.GetUnsentPieceCount(), qt.Equals, 0)
}

func TestS4ElasticViewGrowth(t *testing.T) {
	c := qt.New(t)
	conn := &fakeConn{}
	pdb := newFakePieceDB(10, 16384)
	pdb.style = peerwire.PieceStyleElastic
	coord := &fakeCoordinator{handleViewSignature: func(elastic.ViewSignature) bool { return true }}
	s := newTestSession(conn, coord, pdb, true, &fakeClock{t: time.Unix(0, 0)})
	c.Assert(s.State.RemoteView.NumPieces(), qt.Equals, 10)

	payload, err := peerwire.MarshalElasticSignature(14*16384, []byte("sig"))
	c.Assert(err, qt.IsNil)
	s.State.RemoteExtensions[peerwire.ExtensionElastic] = 1
	conn.push(peerwire.Message{ID: peerwire.Extended, ExtendedID: 1, ExtendedPayload: payload})
	s.ConnectionReady(true, false)

	c.Assert(s.State.RemoteView.NumPieces(), qt.Equals, 14)
	c.Assert(s.State.RemoteBitfield.Len() >= 14, qt.IsTrue)
	c.Assert(s.State.RemoteViewSignatures.Len(), qt.Equals, 1)
	got, ok := s.State.RemoteViewSignatures.Lookup(14 * 16384)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Signature, qt.DeepEquals, []byte("sig"))
}

func TestS5CancelRaceUnderBaseProtocol(t *testing.T) {
	c := qt.New(t)
	conn := &fakeConn{}
	pdb := newFakePieceDB(8, 16384)
	coord := &fakeCoordinator{}
	s := newTestSession(conn, coord, pdb, false, &fakeClock{t: time.Unix(0, 0)})

	desc := peerwire.BlockDescriptor{PieceIndex: 3, Begin: 0, Length: 16384}
	s.lock.Lock()
	s.queue.EnqueueRequest(desc)
	n, err := s.queue.SendData(writerFunc(func(p []byte) (int, error) { return conn.Fill(p) }))
	c.Assert(err, qt.IsNil)
	c.Assert(n > 0, qt.IsTrue)
	s.lock.Unlock()

	s.CancelRequests([]peerwire.BlockDescriptor{desc})
	c.Assert(len(s.queue.trackedRequests), qt.Equals, 0)

	conn.push(peerwire.Message{ID: peerwire.Piece, Index: 3, Begin: 0, Block: bytes.Repeat([]byte{9}, 16384)})
	s.ConnectionReady(true, false)
	c.Assert(s.closed.IsSet(), qt.IsFalse)
}

func TestS7FastExtensionRequestsSurviveChoke(t *testing.T) {
	c := qt.New(t)
	conn := &fakeConn{}
	pdb := newFakePieceDB(8, 16384)
	desc := peerwire.BlockDescriptor{PieceIndex: 5, Begin: 0, Length: 16384}
	coord := &fakeCoordinator{
		addAvailablePieces: func(*PeerSession) bool { return true },
		getRequests: func(p *PeerSession, n int, allowedFastOnly bool) []peerwire.BlockDescriptor {
			if !allowedFastOnly {
				return nil
			}
			return []peerwire.BlockDescriptor{desc}
		},
	}
	s := newTestSession(conn, coord, pdb, true, &fakeClock{t: time.Unix(0, 0)})

	conn.push(peerwire.Message{ID: peerwire.HaveAll})
	conn.push(peerwire.Message{ID: peerwire.AllowedFast, Index: 5})
	conn.push(peerwire.Message{ID: peerwire.Choke})
	s.ConnectionReady(true, true)

	c.Assert(s.State.TheyAreChoking, qt.IsTrue)
	c.Assert(s.queue.requestsPlugged, qt.IsFalse)
	c.Assert(bytes.Contains(conn.outbound.Bytes(), peerwire.MakeRequestMessage(desc).MustMarshalBinary()), qt.IsTrue)
}

func TestS6CloseIdempotence(t *testing.T) {
	c := qt.New(t)
	conn := &fakeConn{}
	pdb := newFakePieceDB(8, 16384)
	coord := &fakeCoordinator{}
	s := newTestSession(conn, coord, pdb, false, &fakeClock{t: time.Unix(0, 0)})

	s.Close()
	s.Close()
	c.Assert(coord.disconnectCount, qt.Equals, 1)
}
