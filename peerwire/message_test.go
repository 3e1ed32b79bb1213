package peerwire

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := qt.New(t)
	cases := []Message{
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: NotInterested},
		{ID: HaveAll},
		{ID: HaveNone},
		{ID: Have, Index: 7},
		{ID: SuggestPiece, Index: 3},
		{ID: AllowedFast, Index: 11},
		{ID: Bitfield, BitfieldData: []byte{0xff, 0x00}},
		{ID: Request, Index: 1, Begin: 16384, Length: 16384},
		{ID: Cancel, Index: 1, Begin: 16384, Length: 16384},
		{ID: Reject, Index: 1, Begin: 16384, Length: 16384},
		{ID: Piece, Index: 2, Begin: 0, Block: []byte("hello")},
		{ID: Port, Port: 6881},
		{ID: Extended, ExtendedID: 1, ExtendedPayload: []byte("d1:ai1ee")},
	}
	for _, m := range cases {
		frame, err := m.MarshalBinary()
		c.Assert(err, qt.IsNil)
		tr := NewReader(bytes.NewReader(frame))
		got, err := tr.ReadMessage()
		c.Assert(err, qt.IsNil)
		c.Assert(got.ID, qt.Equals, m.ID)
		c.Assert(got.Index, qt.Equals, m.Index)
		c.Assert(got.Begin, qt.Equals, m.Begin)
		if m.ID == Piece {
			c.Assert(got.Block, qt.DeepEquals, m.Block)
		}
	}
}

func TestKeepaliveRoundTrip(t *testing.T) {
	c := qt.New(t)
	frame := Message{Keepalive: true}.MustMarshalBinary()
	c.Assert(frame, qt.DeepEquals, []byte{0, 0, 0, 0})
	tr := NewReader(bytes.NewReader(frame))
	got, err := tr.ReadMessage()
	c.Assert(err, qt.IsNil)
	c.Assert(got.Keepalive, qt.IsTrue)
}

func TestUnknownMessageIDIsNotAnError(t *testing.T) {
	c := qt.New(t)
	// length=2, id=99, one payload byte
	frame := []byte{0, 0, 0, 2, 99, 0xAB}
	tr := NewReader(bytes.NewReader(frame))
	got, err := tr.ReadMessage()
	c.Assert(err, qt.IsNil)
	c.Assert(got.ID, qt.Equals, ID(99))
	c.Assert(got.Raw, qt.DeepEquals, []byte{0xAB})
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	c := qt.New(t)
	h := ExtensionHandshake{
		M:            map[string]int{string(ExtensionElastic): 1},
		RequestQueue: 250,
	}
	b, err := h.Marshal()
	c.Assert(err, qt.IsNil)
	got, err := UnmarshalExtensionHandshake(b)
	c.Assert(err, qt.IsNil)
	c.Assert(got.M[string(ExtensionElastic)], qt.Equals, 1)
	c.Assert(got.RequestQueue, qt.Equals, 250)
}

func TestElasticMessageRoundTrip(t *testing.T) {
	c := qt.New(t)
	sigPayload, err := MarshalElasticSignature(14, []byte("sig-bytes"))
	c.Assert(err, qt.IsNil)
	got, err := UnmarshalElasticMessage(sigPayload)
	c.Assert(err, qt.IsNil)
	c.Assert(got.IsBitfield, qt.IsFalse)
	c.Assert(got.ViewLength, qt.Equals, int64(14))
	c.Assert(got.Signature, qt.DeepEquals, []byte("sig-bytes"))

	bfPayload, err := MarshalElasticBitfield(14, []byte{0xff})
	c.Assert(err, qt.IsNil)
	got, err = UnmarshalElasticMessage(bfPayload)
	c.Assert(err, qt.IsNil)
	c.Assert(got.IsBitfield, qt.IsTrue)
	c.Assert(got.Bitfield, qt.DeepEquals, []byte{0xff})
}
