package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ID is the single-byte message identifier that follows the 4-byte length
// prefix on the wire. The base protocol (0-9) is BEP 3; 13-17 are the Fast
// Extension (BEP 6); 20 is the Extension Protocol envelope (BEP 10).
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port

	SuggestPiece ID = 13
	HaveAll      ID = 14
	HaveNone     ID = 15
	Reject       ID = 16
	AllowedFast  ID = 17

	Extended ID = 20
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case SuggestPiece:
		return "suggest piece"
	case HaveAll:
		return "have all"
	case HaveNone:
		return "have none"
	case Reject:
		return "reject"
	case AllowedFast:
		return "allowed fast"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// BlockDescriptor names a sub-range of a piece, the unit of request and
// response. See spec §3.
type BlockDescriptor struct {
	PieceIndex int
	Begin      int
	Length     int
}

func (d BlockDescriptor) String() string {
	return fmt.Sprintf("piece %d, begin %d, length %d", d.PieceIndex, d.Begin, d.Length)
}

// Valid reports whether d could describe a real block of a torrent with the
// given piece count, where pieceLength is the length of piece d.PieceIndex:
// PieceIndex must lie in [0, numPieces), Begin must be non-negative, Length
// must be in (0, maxBlockLength], and the block must end within the piece.
func (d BlockDescriptor) Valid(numPieces int, maxBlockLength int, pieceLength int64) bool {
	if d.PieceIndex < 0 || d.PieceIndex >= numPieces {
		return false
	}
	if d.Begin < 0 || d.Length <= 0 || d.Length > maxBlockLength {
		return false
	}
	end := int64(d.Begin) + int64(d.Length)
	return end <= pieceLength
}

// Message is a flat, tagged-union representation of every message this
// package knows how to encode and decode. Which fields are meaningful is
// determined by Keepalive and ID, mirroring the wire format itself: a
// struct match is cheaper to read and reason about here than a hierarchy of
// message types, and every field combination below corresponds to exactly
// one frame shape on the wire.
type Message struct {
	Keepalive bool
	ID        ID

	Index  int // Have, Request, Piece, Cancel, Reject, AllowedFast, SuggestPiece
	Begin  int // Request, Piece, Cancel, Reject
	Length int // Request, Cancel, Reject (absent from Piece: implied by len(Block))

	Block        []byte // Piece
	BitfieldData []byte // Bitfield
	Port         uint16 // Port

	ExtendedID      uint8  // Extended: the locally-assigned id from the handshake, 0 == handshake itself
	ExtendedPayload []byte // Extended: bencoded handshake dict, or extension-specific payload

	Raw []byte // set when ID is not one this package recognises; the session ignores these
}

func (m Message) Descriptor() BlockDescriptor {
	return BlockDescriptor{PieceIndex: m.Index, Begin: m.Begin, Length: m.Length}
}

// MarshalBinary renders m as a complete length-prefixed wire frame.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.Keepalive {
		return []byte{0, 0, 0, 0}, nil
	}
	var body []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		body = []byte{byte(m.ID)}
	case Have, SuggestPiece, AllowedFast:
		body = make([]byte, 5)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:], uint32(m.Index))
	case Bitfield:
		body = make([]byte, 1+len(m.BitfieldData))
		body[0] = byte(m.ID)
		copy(body[1:], m.BitfieldData)
	case Request, Cancel, Reject:
		body = make([]byte, 13)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:5], uint32(m.Index))
		binary.BigEndian.PutUint32(body[5:9], uint32(m.Begin))
		binary.BigEndian.PutUint32(body[9:13], uint32(m.Length))
	case Piece:
		body = make([]byte, 9+len(m.Block))
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:5], uint32(m.Index))
		binary.BigEndian.PutUint32(body[5:9], uint32(m.Begin))
		copy(body[9:], m.Block)
	case Port:
		body = make([]byte, 3)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint16(body[1:], m.Port)
	case Extended:
		body = make([]byte, 2+len(m.ExtendedPayload))
		body[0] = byte(m.ID)
		body[1] = m.ExtendedID
		copy(body[2:], m.ExtendedPayload)
	default:
		return nil, fmt.Errorf("peerwire: cannot marshal message id %v", m.ID)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// MustMarshalBinary panics on error. Used for fixed, known-valid messages
// such as Message{ID: Interested}, in the same spirit as the teacher's
// pp.Message.MustMarshalBinary calls used to precompute constant frame
// lengths.
func (m Message) MustMarshalBinary() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// WriteTo writes the marshalled frame to w.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

var errMessageTooShort = errors.New("peerwire: message body too short for its id")

// unmarshalBody parses a message whose length prefix and id byte have
// already been consumed by the caller; id is the byte that was at body[0]
// before it was sliced off by the reader, payload is everything after it.
func unmarshalBody(id ID, payload []byte) (Message, error) {
	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		return m, nil
	case Have, SuggestPiece, AllowedFast:
		if len(payload) != 4 {
			return m, errMessageTooShort
		}
		m.Index = int(binary.BigEndian.Uint32(payload))
		return m, nil
	case Bitfield:
		m.BitfieldData = payload
		return m, nil
	case Request, Cancel, Reject:
		if len(payload) != 12 {
			return m, errMessageTooShort
		}
		m.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		m.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		m.Length = int(binary.BigEndian.Uint32(payload[8:12]))
		return m, nil
	case Piece:
		if len(payload) < 8 {
			return m, errMessageTooShort
		}
		m.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		m.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		m.Block = payload[8:]
		m.Length = len(m.Block)
		return m, nil
	case Port:
		if len(payload) != 2 {
			return m, errMessageTooShort
		}
		m.Port = binary.BigEndian.Uint16(payload)
		return m, nil
	case Extended:
		if len(payload) < 1 {
			return m, errMessageTooShort
		}
		m.ExtendedID = payload[0]
		m.ExtendedPayload = payload[1:]
		return m, nil
	default:
		// Unknown message ids are not a framing error: the spec treats them as
		// an ignorable anomaly (§4.1 "UnknownMessage ... ignore"), so the
		// tokeniser hands them up rather than failing the connection.
		m.Raw = payload
		return m, nil
	}
}

// MakeCancelMessage builds the Cancel frame for a descriptor, mirroring the
// teacher's protocol.go helper of the same shape.
func MakeCancelMessage(d BlockDescriptor) Message {
	return Message{ID: Cancel, Index: d.PieceIndex, Begin: d.Begin, Length: d.Length}
}

func MakeRequestMessage(d BlockDescriptor) Message {
	return Message{ID: Request, Index: d.PieceIndex, Begin: d.Begin, Length: d.Length}
}

func MakeRejectMessage(d BlockDescriptor) Message {
	return Message{ID: Reject, Index: d.PieceIndex, Begin: d.Begin, Length: d.Length}
}
