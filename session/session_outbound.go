package session

import (
	"github.com/anacrolix/log"
	humanize "github.com/dustin/go-humanize"

	"github.com/kedmegas/bobbin/elastic"
	"github.com/kedmegas/bobbin/peerwire"
)

// SetWeAreChoking implements spec §4.1a set_we_are_choking. Exposed to the
// coordinator, which may call it from outside ConnectionReady (after a
// choking-algorithm pass), so it takes the peer-context lock itself.
func (s *PeerSession) SetWeAreChoking(b bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() || s.State.WeAreChoking == b {
		return
	}
	s.State.WeAreChoking = b
	discarded := s.queue.SendChokeMessage(b)
	if s.State.FastExtensionEnabled {
		for _, d := range discarded {
			s.queue.enqueueMessage(peerwire.MakeRejectMessage(d))
		}
	}
}

// SetWeAreInterested implements spec §4.1a set_we_are_interested.
func (s *PeerSession) SetWeAreInterested(b bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.setWeAreInterestedLocked(b)
}

func (s *PeerSession) setWeAreInterestedLocked(b bool) {
	if s.State.WeAreInterested == b {
		return
	}
	s.State.WeAreInterested = b
	s.queue.SetInterested(b)
}

// CancelRequests implements spec §4.1a cancel_requests: sends Cancel for
// each descriptor, retaining the tracking record under the fast extension
// so a racing Piece or Reject still matches.
func (s *PeerSession) CancelRequests(descs []peerwire.BlockDescriptor) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() {
		return
	}
	for _, d := range descs {
		s.queue.CancelMessage(d, s.State.FastExtensionEnabled)
	}
}

// RejectPiece implements spec §4.1a reject_piece.
func (s *PeerSession) RejectPiece(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() {
		return
	}
	s.queue.RejectPiece(n)
}

// SendHavePiece implements spec §4.1a send_have_piece.
func (s *PeerSession) SendHavePiece(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() {
		return
	}
	s.queue.enqueueMessage(peerwire.Message{ID: peerwire.Have, Index: n})
}

// SendKeepaliveOrClose implements spec §4.1a send_keepalive_or_close.
func (s *PeerSession) SendKeepaliveOrClose() {
	s.lock.Lock()
	if s.closed.IsSet() {
		s.lock.Unlock()
		return
	}
	if s.clock.Now().Sub(s.State.LastDataReceivedTime) > s.config.IdleInterval {
		s.closeLocked(nil)
		s.lock.Unlock()
		return
	}
	s.queue.SendKeepalive()
	s.lock.Unlock()
}

// SendViewSignature implements spec §4.1a send_view_signature.
func (s *PeerSession) SendViewSignature(sig elastic.ViewSignature) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() {
		return
	}
	s.sendViewSignature(sig)
}

// SendExtensionHandshake implements spec §4.1a send_extension_handshake.
func (s *PeerSession) SendExtensionHandshake(h peerwire.ExtensionHandshake) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() {
		return
	}
	s.sendExtensionHandshake(h)
}

// SendExtensionMessage implements spec §4.1a send_extension_message.
func (s *PeerSession) SendExtensionMessage(id uint8, data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() {
		return
	}
	s.sendExtensionMessage(id, data)
}

// Close implements spec §4.1a close: idempotent, reports disconnection to
// the coordinator exactly once (spec §7, S6).
func (s *PeerSession) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closeLocked(nil)
}

func (s *PeerSession) closeLocked(err error) {
	if !s.closed.Set() {
		return
	}
	if err != nil {
		s.logger.WithDefaultLevel(log.Error).Printf("closing peer session: %v", err)
	} else {
		s.logger.Printf("closing peer session: %s received, %s sent",
			humanize.Bytes(s.inboundBytes), humanize.Bytes(s.outboundBytes))
	}
	_ = s.conn.Close()
	if !s.disconnectReported {
		s.disconnectReported = true
		s.coordinator.PeerDisconnected(s)
	}
}
