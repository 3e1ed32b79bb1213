// Package session implements the per-peer protocol engine: PeerSession
// maintains one remote peer's wire-protocol state (base protocol, Fast
// Extension, Extension Protocol, and the Elastic streaming extension) and
// mediates between a raw connection and a torrent-wide Coordinator.
package session

import (
	"bytes"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	"github.com/kedmegas/bobbin/allowedfast"
	"github.com/kedmegas/bobbin/elastic"
	"github.com/kedmegas/bobbin/peerwire"
)

// Config bundles the wire protocol constants named in spec §6.
type Config struct {
	IdleInterval         time.Duration
	AllowedFastThreshold int
	MaximumBlockLength   int
	TargetPipelineDepth  int
}

func DefaultConfig() Config {
	return Config{
		IdleInterval:         peerwire.DefaultIdleInterval,
		AllowedFastThreshold: peerwire.DefaultAllowedFastThreshold,
		MaximumBlockLength:   peerwire.DefaultMaximumBlockLength,
		TargetPipelineDepth:  peerwire.DefaultTargetPipelineDepth,
	}
}

// PeerSession is one remote peer's live protocol state: the PeerState
// record, the OutboundQueue, and the inbound/outbound handlers that keep
// them consistent (spec §4).
type PeerSession struct {
	lock lockWithDeferreds

	conn        Connection
	readBuf     bytes.Buffer
	coordinator Coordinator
	pdb         PieceDatabase
	clock       Clock
	logger      log.Logger

	config   Config
	infoHash [20]byte

	State *PeerState
	queue *OutboundQueue
	index *requestIndexer

	closed             chansync.SetOnce
	disconnectReported bool

	inboundBytes  uint64
	outboundBytes uint64

	// chunksReceived/chunksWasted count matched and unmatched inbound Piece
	// messages respectively, for Stats() (spec §6 "Shared resources").
	chunksReceived uint64
	chunksWasted   uint64

	// receivedFirstMessage gates the tokeniser-level invariant that
	// HaveAll/HaveNone may only be the first message; the
	// reader enforces framing, the session enforces this ordering policy.
	receivedFirstMessage bool
}

// New constructs a PeerSession, performing the construction-time outputs of
// spec §6 before returning: the initial Have-state announcement (HaveAll,
// HaveNone or Bitfield depending on piece style and present cardinality),
// any extension handshake, and, for Elastic, the initial view signature and
// bitfield. The caller is responsible for having already completed the
// base BitTorrent handshake on conn.
func New(
	conn Connection,
	coordinator Coordinator,
	pdb PieceDatabase,
	infoHash [20]byte,
	remotePeerID [20]byte,
	fastExtensionEnabled bool,
	extensionProtocolEnabled bool,
	config Config,
	clock Clock,
	logger log.Logger,
) *PeerSession {
	if clock == nil {
		clock = realClock{}
	}
	now := clock.Now()
	view := pdb.StorageDescriptor()
	s := &PeerSession{
		conn:        conn,
		coordinator: coordinator,
		pdb:         pdb,
		clock:       clock,
		logger:      logger,
		config:      config,
		infoHash:    infoHash,
		State:       newPeerState(remotePeerID, fastExtensionEnabled, extensionProtocolEnabled, view, now),
	}
	s.index = newRequestIndexer(config.MaximumBlockLength, pdb.PieceLength)
	s.index.growTo(view.NumPieces())
	s.queue = newOutboundQueue(s.index, config.TargetPipelineDepth)

	s.logger.Printf("peer session established with %s, %d pieces, fast=%v ext=%v",
		conn.RemoteAddr(), view.NumPieces(), fastExtensionEnabled, extensionProtocolEnabled)

	s.sendConstructionTimeMessages()
	if extensionProtocolEnabled {
		coordinator.OfferExtensionsToPeer(s)
	}
	return s
}

func (s *PeerSession) sendConstructionTimeMessages() {
	style := s.pdb.PieceStyle()
	present := s.pdb.PresentPieces()

	switch style {
	case peerwire.PieceStyleElastic:
		s.queue.enqueueMessage(peerwire.Message{ID: peerwire.HaveNone})
		handshake := peerwire.ExtensionHandshake{
			M:            map[string]int{string(peerwire.ExtensionElastic): 1},
			RequestQueue: s.config.TargetPipelineDepth,
		}
		s.sendExtensionHandshake(handshake)

		storage := s.pdb.StorageDescriptor()
		info := s.pdb.InfoStorageDescriptor()
		if storage.TotalLength > info.TotalLength {
			if sig, ok := s.pdb.ViewSignature(storage.TotalLength); ok {
				s.sendViewSignature(sig)
			}
		}
		s.sendElasticBitfield(present)

	case peerwire.PieceStyleMerkle:
		handshake := peerwire.ExtensionHandshake{
			M: map[string]int{string(peerwire.ExtensionMerkle): 1},
		}
		s.sendExtensionHandshake(handshake)
		s.sendHaveAllNoneOrBitfield(present)

	default:
		if s.State.FastExtensionEnabled {
			s.sendHaveAllNoneOrBitfield(present)
		} else if present.Cardinality() > 0 {
			s.enqueueBitfield(present)
		}
	}
}

func (s *PeerSession) sendHaveAllNoneOrBitfield(present bitfieldSet) {
	switch {
	case present.Cardinality() == 0:
		s.queue.enqueueMessage(peerwire.Message{ID: peerwire.HaveNone})
	case present.Cardinality() == present.Len():
		s.queue.enqueueMessage(peerwire.Message{ID: peerwire.HaveAll})
	default:
		s.enqueueBitfield(present)
	}
}

func (s *PeerSession) enqueueBitfield(present bitfieldSet) {
	s.queue.enqueueMessage(peerwire.Message{ID: peerwire.Bitfield, BitfieldData: present.MarshalWire()})
}

func (s *PeerSession) sendElasticBitfield(present bitfieldSet) {
	payload, err := peerwire.MarshalElasticBitfield(int64(present.Len()), present.MarshalWire())
	if err != nil {
		return
	}
	s.sendExtensionMessage(s.extendedIDFor(peerwire.ExtensionElastic), payload)
}

func (s *PeerSession) sendExtensionHandshake(h peerwire.ExtensionHandshake) {
	payload, err := h.Marshal()
	if err != nil {
		return
	}
	s.queue.enqueueMessage(peerwire.Message{ID: peerwire.Extended, ExtendedID: 0, ExtendedPayload: payload})
}

func (s *PeerSession) sendViewSignature(sig elastic.ViewSignature) {
	payload, err := peerwire.MarshalElasticSignature(sig.ViewLength, sig.Signature)
	if err != nil {
		return
	}
	s.sendExtensionMessage(s.extendedIDFor(peerwire.ExtensionElastic), payload)
}

// extendedIDFor returns the id the remote assigned this extension in its
// handshake, or 0 before any handshake has arrived (a handshake-id message
// is only ever exchanged first, so this is only used for extensions we
// know we are offering).
func (s *PeerSession) extendedIDFor(name peerwire.ExtensionName) uint8 {
	return s.State.RemoteExtensions[name]
}

func (s *PeerSession) sendExtensionMessage(id uint8, payload []byte) {
	s.queue.enqueueMessage(peerwire.Message{ID: peerwire.Extended, ExtendedID: id, ExtendedPayload: payload})
}

// allowedFastSetFor computes our Allowed Fast offer to the remote, per spec
// §4.4, using the connection's remote address.
func (s *PeerSession) allowedFastSetFor(numPieces int) []int {
	addr := s.conn.RemoteAddr()
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return allowedfast.Generate(ip, s.infoHash, numPieces, s.config.AllowedFastThreshold)
}

// bitfieldSet is the subset of *bitfield.Set's interface sendConstructionTimeMessages
// needs, kept narrow so this file doesn't need to import bitfield for a
// concrete type it only reads from.
type bitfieldSet interface {
	Len() int
	Cardinality() int
	MarshalWire() []byte
}

