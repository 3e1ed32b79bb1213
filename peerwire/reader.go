package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength bounds the length prefix the reader will accept before a
// peer's declared frame size is treated as a protocol violation rather than
// a slow trickle of a legitimately large Piece message. It comfortably
// covers the largest Piece frame (9-byte header + MaximumBlockLength) plus
// room for oversized Bitfield/Extended frames.
const MaxFrameLength = 1 << 20

// Reader is a length-prefix tokeniser over a byte stream that has already
// completed the BitTorrent handshake. It is the concrete implementation of
// the "PeerProtocolParser" collaborator the spec assumes: callers read
// whole messages with ReadMessage, one frame at a time, off of whatever
// io.Reader the connection layer hands them.
//
// Reader itself enforces only framing invariants (length prefix bounds,
// enough bytes for a message's fixed fields). The first-message-only rule
// for HaveAll/HaveNone and piece-style-specific framing are policy, and
// belong to the session that consumes these messages (§4.1), not to the
// tokeniser.
type Reader struct {
	r   io.Reader
	hdr [4]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadMessage blocks until a full message has arrived and returns it, or
// returns the first I/O or framing error encountered. A zero-length frame
// decodes to Message{Keepalive: true}.
func (tr *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(tr.r, tr.hdr[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(tr.hdr[:])
	if length == 0 {
		return Message{Keepalive: true}, nil
	}
	if length > MaxFrameLength {
		return Message{}, fmt.Errorf("peerwire: frame length %d exceeds maximum %d", length, MaxFrameLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(tr.r, body); err != nil {
		return Message{}, err
	}
	return unmarshalBody(ID(body[0]), body[1:])
}
