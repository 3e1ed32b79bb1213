package session

import (
	"container/list"
	"io"

	"github.com/RoaringBitmap/roaring"

	"github.com/kedmegas/bobbin/peerwire"
)

type queuedKind int

const (
	kindMessage queuedKind = iota
	kindInterested
	kindRequest
	kindPieceBlock
)

type queuedItem struct {
	kind queuedKind
	msg  peerwire.Message
	desc peerwire.BlockDescriptor // meaningful for kindRequest, kindPieceBlock
}

// trackedRequest records a Request we have enqueued (and possibly already
// sent) until a matching Piece or Reject arrives, or it is cancelled. elem
// is non-nil while the Request frame itself is still sitting unsent in the
// queue; it is cleared once the frame is actually serialised to the wire,
// per the partial-write-cursor model in spec §9.
type trackedRequest struct {
	desc peerwire.BlockDescriptor
	elem *list.Element
}

// OutboundQueue implements spec §4.2: an ordered, priority-aware buffer of
// outbound messages with the invariants listed in spec §3. It is driven
// entirely under the peer-context lock (spec §5); it holds no lock of its
// own.
type OutboundQueue struct {
	indexer *requestIndexer
	pending *list.List // *queuedItem, front = next to serialise

	// Partial-write cursor into the head message (spec §9).
	headBuf  []byte
	headItem *queuedItem

	trackedRequests map[RequestIndex]*trackedRequest
	targetPipeline  int

	// peerMaxRequests is the remote's advertised reqq from its extension
	// handshake (spec §6 "reqq"), 0 until received. It clamps, never
	// enlarges, the effective pipeline depth.
	peerMaxRequests int

	requestsPlugged bool

	pendingInterested   *list.Element
	pendingInterestedVal bool

	keepaliveQueued bool

	// weAllowedFast is the set of pieces we have told the remote it may
	// request while choked. theyAllowedFastForUs is the set the remote told
	// us, via AllowedFast(n), that we may request from them while choked.
	weAllowedFast        roaring.Bitmap
	theyAllowedFastForUs roaring.Bitmap
}

func newOutboundQueue(indexer *requestIndexer, targetPipeline int) *OutboundQueue {
	return &OutboundQueue{
		indexer:         indexer,
		pending:         list.New(),
		trackedRequests: make(map[RequestIndex]*trackedRequest),
		targetPipeline:  targetPipeline,
	}
}

// enqueueMessage appends a plain pass-through message (Choke, Unchoke,
// Have, Bitfield, HaveAll, HaveNone, AllowedFast, SuggestPiece, Extended,
// Reject, ...) with no special collapsing behaviour.
func (q *OutboundQueue) enqueueMessage(m peerwire.Message) {
	q.pending.PushBack(&queuedItem{kind: kindMessage, msg: m})
}

// SetInterested implements the opposing-pair cancellation of spec invariant
// 3: a call with the opposite value of an unsent Interested/NotInterested
// cancels it, so both are dropped and nothing is queued.
func (q *OutboundQueue) SetInterested(b bool) {
	if q.pendingInterested != nil {
		if q.pendingInterestedVal == b {
			return
		}
		q.pending.Remove(q.pendingInterested)
		q.pendingInterested = nil
		return
	}
	id := peerwire.NotInterested
	if b {
		id = peerwire.Interested
	}
	item := &queuedItem{kind: kindInterested, msg: peerwire.Message{ID: id}}
	q.pendingInterested = q.pending.PushBack(item)
	q.pendingInterestedVal = b
}

// SendKeepalive coalesces redundant keepalives: a second call before the
// first has left the wire is a no-op.
func (q *OutboundQueue) SendKeepalive() {
	if q.keepaliveQueued {
		return
	}
	q.keepaliveQueued = true
	q.pending.PushBack(&queuedItem{kind: kindMessage, msg: peerwire.Message{Keepalive: true}})
}

// EnqueueRequest tracks and queues a Request frame for d.
func (q *OutboundQueue) EnqueueRequest(d peerwire.BlockDescriptor) {
	item := &queuedItem{kind: kindRequest, msg: peerwire.MakeRequestMessage(d), desc: d}
	elem := q.pending.PushBack(item)
	q.trackedRequests[q.indexer.ToIndex(d)] = &trackedRequest{desc: d, elem: elem}
}

// EnqueuePieceBlock queues a fully-formed Piece response built by the
// session from the piece database.
func (q *OutboundQueue) EnqueuePieceBlock(d peerwire.BlockDescriptor, m peerwire.Message) {
	q.pending.PushBack(&queuedItem{kind: kindPieceBlock, msg: m, desc: d})
}

// RequestReceived matches an inbound Piece against a tracked request,
// clearing it. It returns false if no such request was outstanding.
func (q *OutboundQueue) RequestReceived(d peerwire.BlockDescriptor) bool {
	ri := q.indexer.ToIndex(d)
	tr, ok := q.trackedRequests[ri]
	if !ok {
		return false
	}
	if tr.elem != nil {
		q.pending.Remove(tr.elem)
	}
	delete(q.trackedRequests, ri)
	return true
}

// RejectReceived matches an inbound Reject against a tracked request the
// same way RequestReceived does for Piece.
func (q *OutboundQueue) RejectReceived(d peerwire.BlockDescriptor) bool {
	return q.RequestReceived(d)
}

// CancelMessage implements spec §4.2 cancel_message: if the request was
// still unsent, it is removed outright (no Cancel frame needed, nothing
// ever left for the remote to cancel). If already sent, a Cancel frame is
// emitted, and the tracking record survives iff retainTracking (fast
// protocol: the eventual Piece or Reject must still find a match).
func (q *OutboundQueue) CancelMessage(d peerwire.BlockDescriptor, retainTracking bool) {
	ri := q.indexer.ToIndex(d)
	tr, ok := q.trackedRequests[ri]
	if !ok {
		return
	}
	if tr.elem != nil {
		q.pending.Remove(tr.elem)
		delete(q.trackedRequests, ri)
		return
	}
	q.enqueueMessage(peerwire.MakeCancelMessage(d))
	if !retainTracking {
		delete(q.trackedRequests, ri)
	}
}

// RequeueAllTrackedRequestsUnsent implements the base-protocol half of
// Choke(b): every tracked request, sent or not, is returned to "unsent"
// (re-inserted into the pending queue) so a fresh Request frame goes out
// once the peer is unplugged, and its descriptor is reported back to the
// session.
func (q *OutboundQueue) RequeueAllTrackedRequestsUnsent() []peerwire.BlockDescriptor {
	var out []peerwire.BlockDescriptor
	for ri, tr := range q.trackedRequests {
		if tr.elem != nil {
			q.pending.Remove(tr.elem)
		}
		item := &queuedItem{kind: kindRequest, msg: peerwire.MakeRequestMessage(tr.desc), desc: tr.desc}
		tr.elem = q.pending.PushBack(item)
		out = append(out, tr.desc)
		q.trackedRequests[ri] = tr
	}
	return out
}

// SendChokeMessage implements spec §4.2 send_choke_message: emits
// Choke/Unchoke, and if choking, discards every unsent piece-block response
// except those for Allowed Fast pieces, returning their descriptors.
func (q *OutboundQueue) SendChokeMessage(b bool) []peerwire.BlockDescriptor {
	id := peerwire.Unchoke
	if b {
		id = peerwire.Choke
	}
	q.enqueueMessage(peerwire.Message{ID: id})
	if !b {
		return nil
	}
	var discarded []peerwire.BlockDescriptor
	var next *list.Element
	for e := q.pending.Front(); e != nil; e = next {
		next = e.Next()
		item := e.Value.(*queuedItem)
		if item.kind != kindPieceBlock {
			continue
		}
		if q.weAllowedFast.Contains(uint32(item.desc.PieceIndex)) {
			continue
		}
		q.pending.Remove(e)
		discarded = append(discarded, item.desc)
	}
	return discarded
}

// RejectPiece purges every queued piece-block response for piece n (spec
// §4.1a reject_piece).
func (q *OutboundQueue) RejectPiece(n int) {
	var next *list.Element
	for e := q.pending.Front(); e != nil; e = next {
		next = e.Next()
		item := e.Value.(*queuedItem)
		if item.kind == kindPieceBlock && item.desc.PieceIndex == n {
			q.pending.Remove(e)
		}
	}
}

// SetRequestAllowedFast records that the remote marked piece n Allowed Fast
// for us.
func (q *OutboundQueue) SetRequestAllowedFast(n int) {
	q.theyAllowedFastForUs.Add(uint32(n))
}

// IsRequestAllowedFast reports whether the remote has marked piece n
// Allowed Fast for us.
func (q *OutboundQueue) IsRequestAllowedFast(n int) bool {
	return q.theyAllowedFastForUs.Contains(uint32(n))
}

// SendAllowedFastMessages marks the given pieces Allowed Fast for the
// remote and emits one AllowedFast message per piece.
func (q *OutboundQueue) SendAllowedFastMessages(pieces []int) {
	for _, n := range pieces {
		q.weAllowedFast.Add(uint32(n))
		q.enqueueMessage(peerwire.Message{ID: peerwire.AllowedFast, Index: n})
	}
}

// IsPieceAllowedFast reports whether we marked piece n Allowed Fast for the
// remote.
func (q *OutboundQueue) IsPieceAllowedFast(n int) bool {
	return q.weAllowedFast.Contains(uint32(n))
}

// ClearAllowedFastPieces empties the set of pieces we marked Allowed Fast
// for the remote (threshold crossing, spec §4.1 Have handler).
func (q *OutboundQueue) ClearAllowedFastPieces() {
	q.weAllowedFast.Clear()
}

// SetRequestsPlugged toggles whether Request frames are held back rather
// than serialised (spec §4.2 "Pipeline depth").
func (q *OutboundQueue) SetRequestsPlugged(b bool) {
	q.requestsPlugged = b
}

// SetPeerMaxRequests records the remote's reqq, clamping the effective
// pipeline depth RequestsNeeded computes to at most this many outstanding
// requests (spec §6 "reqq"). A value of 0 (never received) imposes no
// clamp.
func (q *OutboundQueue) SetPeerMaxRequests(n int) {
	q.peerMaxRequests = n
}

// effectiveTargetPipeline is targetPipeline clamped by the remote's
// advertised reqq, if any.
func (q *OutboundQueue) effectiveTargetPipeline() int {
	if q.peerMaxRequests > 0 && q.peerMaxRequests < q.targetPipeline {
		return q.peerMaxRequests
	}
	return q.targetPipeline
}

// RequestsNeeded returns max(0, effective target pipeline depth - tracked
// requests).
func (q *OutboundQueue) RequestsNeeded() int {
	need := q.effectiveTargetPipeline() - len(q.trackedRequests)
	if need < 0 {
		return 0
	}
	return need
}

// PendingLen reports how many items await serialisation, for WriteStatus.
func (q *OutboundQueue) PendingLen() int {
	return q.pending.Len()
}

// TrackedRequestDescriptors returns the descriptors of every outstanding
// tracked request, for WriteStatus.
func (q *OutboundQueue) TrackedRequestDescriptors() []peerwire.BlockDescriptor {
	out := make([]peerwire.BlockDescriptor, 0, len(q.trackedRequests))
	for _, tr := range q.trackedRequests {
		out = append(out, tr.desc)
	}
	return out
}

func (q *OutboundQueue) HasOutstandingRequests() bool {
	return len(q.trackedRequests) > 0
}

func (q *OutboundQueue) GetUnsentPieceCount() int {
	n := 0
	for e := q.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(*queuedItem).kind == kindPieceBlock {
			n++
		}
	}
	return n
}

// nextSendable removes and returns the next item eligible for
// serialisation, skipping Request items while plugged. Skipped items stay
// in the queue in place so later, non-request items can still flow.
func (q *OutboundQueue) nextSendable() *queuedItem {
	for e := q.pending.Front(); e != nil; e = e.Next() {
		item := e.Value.(*queuedItem)
		if item.kind == kindRequest && q.requestsPlugged {
			continue
		}
		q.pending.Remove(e)
		return item
	}
	return nil
}

// SendData writes as many queued bytes as w accepts, returning the count
// written. It is the concrete form of spec §4.2's send_data.
func (q *OutboundQueue) SendData(w io.Writer) (int, error) {
	total := 0
	for {
		if len(q.headBuf) == 0 {
			item := q.nextSendable()
			if item == nil {
				return total, nil
			}
			b, err := item.msg.MarshalBinary()
			if err != nil {
				return total, err
			}
			q.headBuf = b
			q.headItem = item
		}
		n, err := w.Write(q.headBuf)
		total += n
		q.headBuf = q.headBuf[n:]
		if err != nil {
			return total, err
		}
		if len(q.headBuf) > 0 {
			return total, nil
		}
		q.finishSend(q.headItem)
		q.headItem = nil
	}
}

func (q *OutboundQueue) finishSend(item *queuedItem) {
	switch item.kind {
	case kindRequest:
		if tr, ok := q.trackedRequests[q.indexer.ToIndex(item.desc)]; ok {
			tr.elem = nil
		}
	case kindInterested:
		q.pendingInterested = nil
	case kindMessage:
		if item.msg.Keepalive {
			q.keepaliveQueued = false
		}
	}
}
