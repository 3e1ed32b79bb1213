package session

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	humanize "github.com/dustin/go-humanize"
)

// Stats is a snapshot of one peer's traffic counters (spec §6 "Shared
// resources"), the per-connection equivalent of a torrent-wide ConnStats.
type Stats struct {
	BytesRead    uint64
	BytesWritten uint64

	ChunksReceived uint64
	ChunksWasted   uint64
}

// Stats returns a snapshot of this session's traffic counters. Safe to call
// from outside ConnectionReady.
func (s *PeerSession) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return Stats{
		BytesRead:      s.inboundBytes,
		BytesWritten:   s.outboundBytes,
		ChunksReceived: s.chunksReceived,
		ChunksWasted:   s.chunksWasted,
	}
}

// WriteStatus dumps a human-readable summary of this session's protocol
// state and queue contents, for debug endpoints. Safe to call from outside
// ConnectionReady.
func (s *PeerSession) WriteStatus(w io.Writer) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() {
		fmt.Fprint(w, "CLOSED: ")
	}
	fmt.Fprintf(w, "remote %v, fast=%v ext=%v\n",
		s.conn.RemoteAddr(), s.State.FastExtensionEnabled, s.State.ExtensionProtocolEnabled)
	fmt.Fprintf(w, "us: choking=%v interested=%v  them: choking=%v interested=%v\n",
		s.State.WeAreChoking, s.State.WeAreInterested, s.State.TheyAreChoking, s.State.TheyAreInterested)
	fmt.Fprintf(w, "remote has %d/%d pieces\n",
		s.State.RemoteBitfield.Cardinality(), s.State.RemoteBitfield.Len())
	fmt.Fprintf(w, "read %s, wrote %s, chunks received %d, wasted %d\n",
		humanize.Bytes(s.inboundBytes), humanize.Bytes(s.outboundBytes), s.chunksReceived, s.chunksWasted)
	fmt.Fprintf(w, "pending queue items: %d, outstanding requests: %d\n",
		s.queue.PendingLen(), len(s.queue.trackedRequests))
	fmt.Fprint(w, spew.Sdump(s.queue.TrackedRequestDescriptors()))
}
