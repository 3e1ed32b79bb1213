package allowedfast

import (
	"net"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestGenerateReferenceVector(t *testing.T) {
	c := qt.New(t)
	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = 0xAA
	}
	ip := net.ParseIP("80.4.4.200")
	got := Generate(ip, infoHash, 1313, 9)
	want := []int{1059, 431, 808, 1217, 287, 376, 1188, 353, 508}
	c.Assert(got, qt.DeepEquals, want)
}

func TestGenerateIsDeterministic(t *testing.T) {
	c := qt.New(t)
	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = 0x42
	}
	ip := net.ParseIP("1.2.3.4")
	a := Generate(ip, infoHash, 500, 10)
	b := Generate(ip, infoHash, 500, 10)
	c.Assert(a, qt.DeepEquals, b)
}

func TestGenerateIgnoresLastOctet(t *testing.T) {
	c := qt.New(t)
	var infoHash [20]byte
	ip1 := net.ParseIP("10.20.30.1")
	ip2 := net.ParseIP("10.20.30.254")
	a := Generate(ip1, infoHash, 1000, 10)
	b := Generate(ip2, infoHash, 1000, 10)
	c.Assert(a, qt.DeepEquals, b)
}

func TestGenerateNeverExceedsNumPieces(t *testing.T) {
	c := qt.New(t)
	var infoHash [20]byte
	ip := net.ParseIP("192.168.1.1")
	got := Generate(ip, infoHash, 4, 10)
	c.Assert(got, qt.HasLen, 4)
	for _, p := range got {
		c.Assert(p >= 0 && p < 4, qt.IsTrue)
	}
}

func TestGenerateIPv6ReturnsNil(t *testing.T) {
	c := qt.New(t)
	var infoHash [20]byte
	ip := net.ParseIP("2001:db8::1")
	got := Generate(ip, infoHash, 100, 10)
	c.Assert(got, qt.IsNil)
}
