package session

import (
	"fmt"

	"github.com/kedmegas/bobbin/bitfield"
	"github.com/kedmegas/bobbin/elastic"
	"github.com/kedmegas/bobbin/peerwire"
)

// dispatch applies the inbound policy handlers of spec §4.1 to one parsed
// message. A non-nil return closes the session (a "fails" outcome); every
// other anomaly is handled inline and never returns an error.
func (s *PeerSession) dispatch(m peerwire.Message) error {
	if m.Keepalive {
		return nil
	}

	isFirst := !s.receivedFirstMessage
	s.receivedFirstMessage = true

	switch m.ID {
	case peerwire.Choke:
		return s.onChoke(true)
	case peerwire.Unchoke:
		return s.onChoke(false)
	case peerwire.Interested:
		s.onInterested(true)
	case peerwire.NotInterested:
		s.onInterested(false)
	case peerwire.Have:
		return s.onHave(m.Index)
	case peerwire.Bitfield:
		return s.onBitfield(m.BitfieldData)
	case peerwire.Request:
		return s.onRequest(m.Descriptor())
	case peerwire.Piece:
		return s.onPiece(m)
	case peerwire.Cancel:
		s.onCancel(m.Descriptor())
	case peerwire.Port:
		// DHT port announcement: no protocol state here to update; a
		// coordinator that runs a DHT node would consult this, but that is
		// out of scope for the per-peer engine.
	case peerwire.SuggestPiece:
		return s.onSuggestPiece(m.Index)
	case peerwire.HaveAll:
		if !isFirst {
			return fmt.Errorf("session: HaveAll received after the first message")
		}
		s.onHaveAll()
	case peerwire.HaveNone:
		if !isFirst {
			return fmt.Errorf("session: HaveNone received after the first message")
		}
		s.onHaveNone()
	case peerwire.Reject:
		return s.onReject(m.Descriptor())
	case peerwire.AllowedFast:
		return s.onAllowedFast(m.Index)
	case peerwire.Extended:
		return s.onExtended(m.ExtendedID, m.ExtendedPayload)
	default:
		// UnknownMessage: ignorable anomaly (spec §4.1, §7).
	}
	return nil
}

func (s *PeerSession) onChoke(b bool) error {
	s.State.TheyAreChoking = b
	s.queue.SetRequestsPlugged(b && !s.State.FastExtensionEnabled)
	if b && !s.State.FastExtensionEnabled {
		s.queue.RequeueAllTrackedRequestsUnsent()
	}
	return nil
}

func (s *PeerSession) onInterested(b bool) {
	s.State.TheyAreInterested = b
	s.lock.DeferOnce("AdjustChoking", func() {
		s.coordinator.AdjustChoking(s, s.State.WeAreChoking)
	})
}

func (s *PeerSession) onHave(n int) error {
	if n < 0 || n >= s.State.RemoteBitfield.Len() {
		return fmt.Errorf("session: Have(%d) out of range", n)
	}
	if s.State.RemoteBitfield.Add(n) {
		s.lock.Defer(func() {
			if s.coordinator.AddAvailablePiece(s, n) && !s.State.WeAreInterested {
				s.setWeAreInterestedLocked(true)
			}
		})
		if s.State.RemoteBitfield.Cardinality() == s.config.AllowedFastThreshold {
			s.queue.ClearAllowedFastPieces()
		}
	}
	return nil
}

func (s *PeerSession) onBitfield(data []byte) error {
	set, err := bitfield.UnmarshalWire(data, s.State.RemoteView.NumPieces())
	if err != nil {
		return fmt.Errorf("session: Bitfield: %w", err)
	}
	s.State.RemoteBitfield = set
	s.lock.Defer(func() {
		if s.coordinator.AddAvailablePieces(s) && !s.State.WeAreInterested {
			s.setWeAreInterestedLocked(true)
		}
	})
	if s.State.FastExtensionEnabled &&
		s.pdb.PieceStyle() != peerwire.PieceStyleElastic &&
		set.Cardinality() < s.config.AllowedFastThreshold {
		s.offerAllowedFast()
	}
	return nil
}

func (s *PeerSession) onHaveAll() {
	s.State.RemoteBitfield.SetAll()
	s.lock.Defer(func() {
		if s.coordinator.AddAvailablePieces(s) && !s.State.WeAreInterested {
			s.setWeAreInterestedLocked(true)
		}
	})
}

func (s *PeerSession) onHaveNone() {
	if s.pdb.PieceStyle() != peerwire.PieceStyleElastic {
		s.offerAllowedFast()
	}
}

func (s *PeerSession) offerAllowedFast() {
	pieces := s.allowedFastSetFor(s.State.RemoteView.NumPieces())
	if len(pieces) > 0 {
		s.queue.SendAllowedFastMessages(pieces)
	}
}

func (s *PeerSession) onRequest(d peerwire.BlockDescriptor) error {
	if !d.Valid(s.State.RemoteView.NumPieces(), s.config.MaximumBlockLength, s.pdb.PieceLength(d.PieceIndex)) {
		return fmt.Errorf("session: invalid request descriptor %v", d)
	}
	if !s.pdb.HavePiece(d.PieceIndex) {
		if s.State.FastExtensionEnabled {
			s.queue.enqueueMessage(peerwire.MakeRejectMessage(d))
			return nil
		}
		return fmt.Errorf("session: request for absent piece %d", d.PieceIndex)
	}
	if !s.State.WeAreChoking {
		s.enqueuePieceBlockResponse(d)
		return nil
	}
	if s.State.FastExtensionEnabled {
		if s.queue.IsPieceAllowedFast(d.PieceIndex) {
			s.enqueuePieceBlockResponse(d)
		} else {
			s.queue.enqueueMessage(peerwire.MakeRejectMessage(d))
		}
	}
	// base protocol, choking: ignore.
	return nil
}

func (s *PeerSession) enqueuePieceBlockResponse(d peerwire.BlockDescriptor) {
	block, err := s.pdb.ReadBlock(d)
	if err != nil {
		// Storage failed after HavePiece reported the piece present: treat
		// this the same as not having the piece rather than failing the
		// whole session over a local read error.
		if s.State.FastExtensionEnabled {
			s.queue.enqueueMessage(peerwire.MakeRejectMessage(d))
		}
		return
	}
	s.queue.EnqueuePieceBlock(d, peerwire.Message{ID: peerwire.Piece, Index: d.PieceIndex, Begin: d.Begin, Block: block})
}

func (s *PeerSession) onPiece(m peerwire.Message) error {
	style := s.pdb.PieceStyle()
	d := m.Descriptor()
	if !d.Valid(s.State.RemoteView.NumPieces(), s.config.MaximumBlockLength, s.pdb.PieceLength(d.PieceIndex)) {
		return fmt.Errorf("session: invalid piece descriptor %v", d)
	}

	matched := s.queue.RequestReceived(d)
	if !matched {
		if s.State.FastExtensionEnabled {
			return fmt.Errorf("session: unrequested Piece(%v) under fast extension", d)
		}
		s.chunksWasted++
		return nil // base protocol: possible cancel race, silently dropped (S5)
	}

	var sig *elastic.ViewSignature
	var chain *elastic.HashChain
	switch style {
	case peerwire.PieceStyleMerkle:
		// peerwire.Message has no field for a hash chain, so none is
		// decoded here and chain stays nil.
	case peerwire.PieceStyleElastic:
		if got, ok := s.State.RemoteViewSignatures.Lookup(s.State.RemoteView.TotalLength); ok {
			sig = &got
		}
	}
	s.chunksReceived++
	s.coordinator.RecordBlock(s, d, m.Block)
	s.coordinator.HandleBlock(s, d, sig, chain, m.Block)
	return nil
}

func (s *PeerSession) onCancel(d peerwire.BlockDescriptor) {
	removed := s.removeUnsentPieceBlock(d)
	if removed && s.State.FastExtensionEnabled {
		s.queue.enqueueMessage(peerwire.MakeRejectMessage(d))
	}
}

func (s *PeerSession) removeUnsentPieceBlock(d peerwire.BlockDescriptor) bool {
	for e := s.queue.pending.Front(); e != nil; e = e.Next() {
		item := e.Value.(*queuedItem)
		if item.kind == kindPieceBlock && item.desc == d {
			s.queue.pending.Remove(e)
			return true
		}
	}
	return false
}

func (s *PeerSession) onSuggestPiece(n int) error {
	if n < 0 || n >= s.State.RemoteBitfield.Len() {
		return fmt.Errorf("session: SuggestPiece(%d) out of range", n)
	}
	if !s.State.RemoteBitfield.Contains(n) {
		return nil // ignorable anomaly, spec §4.1
	}
	s.lock.Defer(func() {
		s.coordinator.SetPieceSuggested(s, n)
	})
	return nil
}

func (s *PeerSession) onReject(d peerwire.BlockDescriptor) error {
	if !s.queue.RejectReceived(d) {
		return fmt.Errorf("session: Reject(%v) for no outstanding request", d)
	}
	return nil
}

func (s *PeerSession) onAllowedFast(n int) error {
	if n < 0 || n >= s.State.RemoteBitfield.Len() {
		return fmt.Errorf("session: AllowedFast(%d) out of range", n)
	}
	if !s.State.RemoteBitfield.Contains(n) {
		return nil // ignorable anomaly, spec §4.1
	}
	s.queue.SetRequestAllowedFast(n)
	s.lock.Defer(func() {
		s.coordinator.SetPieceAllowedFast(s, n)
	})
	return nil
}

func (s *PeerSession) onExtended(id uint8, payload []byte) error {
	if id == 0 {
		h, err := peerwire.UnmarshalExtensionHandshake(payload)
		if err != nil {
			return fmt.Errorf("session: extension handshake: %w", err)
		}
		return s.onExtensionHandshake(h)
	}

	name, ok := s.extensionNameForID(id)
	if ok && name == peerwire.ExtensionElastic {
		elasticMsg, err := peerwire.UnmarshalElasticMessage(payload)
		if err != nil {
			return fmt.Errorf("session: lt_elastic: %w", err)
		}
		if elasticMsg.IsBitfield {
			return s.onElasticBitfield(elasticMsg.Bitfield)
		}
		return s.onElasticSignature(elastic.ViewSignature{ViewLength: elasticMsg.ViewLength, Signature: elasticMsg.Signature})
	}

	s.lock.Defer(func() {
		s.coordinator.ProcessExtensionMessage(s, id, payload)
	})
	return nil
}

func (s *PeerSession) extensionNameForID(id uint8) (peerwire.ExtensionName, bool) {
	for name, got := range s.State.RemoteExtensions {
		if got == id {
			return name, true
		}
	}
	return "", false
}

func (s *PeerSession) onExtensionHandshake(h peerwire.ExtensionHandshake) error {
	var added, removed []peerwire.ExtensionName
	for name, id := range h.M {
		extName := peerwire.ExtensionName(name)
		if id == 0 {
			if _, had := s.State.RemoteExtensions[extName]; had {
				delete(s.State.RemoteExtensions, extName)
				removed = append(removed, extName)
			}
			continue
		}
		s.State.RemoteExtensions[extName] = uint8(id)
		added = append(added, extName)
	}
	extra := map[string]int{}
	if h.Port != 0 {
		extra["p"] = h.Port
	}
	if h.RequestQueue != 0 {
		extra["reqq"] = h.RequestQueue
		s.queue.SetPeerMaxRequests(h.RequestQueue)
	}
	s.lock.Defer(func() {
		s.coordinator.EnableDisablePeerExtensions(s, added, removed, extra)
	})
	return nil
}

func (s *PeerSession) onElasticSignature(sig elastic.ViewSignature) error {
	if sig.ViewLength > s.State.RemoteView.TotalLength {
		s.State.RemoteView = s.State.RemoteView.WithTotalLength(sig.ViewLength)
		s.State.RemoteBitfield.Grow(s.State.RemoteView.NumPieces())
		s.index.growTo(s.State.RemoteView.NumPieces())
	}
	if !s.coordinator.HandleViewSignature(sig) {
		return fmt.Errorf("session: elastic view signature failed verification at length %d", sig.ViewLength)
	}
	s.State.RemoteViewSignatures.Insert(sig)
	return nil
}

// onElasticBitfield is a thin wrapper over Bitfield handling, per spec
// §4.1 ElasticBitfield ("treated identically to Bitfield").
func (s *PeerSession) onElasticBitfield(data []byte) error {
	return s.onBitfield(data)
}
