// Package allowedfast computes the BEP-6 Allowed Fast piece set: a
// deterministic function of a peer's IPv4 address, a torrent's info-hash and
// its piece count, requiring no negotiation between peers since both sides
// compute the same set independently (spec §4.4).
package allowedfast

import (
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/bradfitz/iter"
)

// Generate returns the Allowed Fast piece set for ip against infoHash and
// numPieces, in the order pieces were first added. Exactly k =
// min(threshold, numPieces) entries are produced: hashing repeats until k
// distinct residues have been found.
//
// ip must be an IPv4 address; for IPv6 or any other family Generate returns
// nil, mirroring the spec's "no set is generated" rule (§4.4.6).
func Generate(ip net.IP, infoHash [20]byte, numPieces int, threshold int) []int {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	k := threshold
	if numPieces < k {
		k = numPieces
	}
	if k <= 0 {
		return nil
	}

	var seed [24]byte
	copy(seed[0:4], v4)
	seed[3] = 0 // last byte of the address zeroed, per spec step 1
	copy(seed[4:24], infoHash[:])

	h := sha1.Sum(seed[:])

	seen := make(map[int]bool, k)
	var out []int
	for len(out) < k {
		// h is always a 20-byte SHA1 digest: exactly 5 fixed 4-byte windows.
		for i := range iter.N(5) {
			j := i * 4
			y := binary.BigEndian.Uint32(h[j : j+4])
			piece := int(y % uint32(numPieces))
			if !seen[piece] {
				seen[piece] = true
				out = append(out, piece)
				if len(out) == k {
					break
				}
			}
		}
		if len(out) == k {
			break
		}
		h = sha1.Sum(h[:])
	}
	return out
}
