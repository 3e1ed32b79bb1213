package session

import (
	"bytes"
	"errors"
	"io"

	"github.com/kedmegas/bobbin/peerwire"
)

// ConnectionReady is the entry point from the connection layer (spec
// §4.1b): it drains and dispatches inbound messages, tops up the request
// pipeline, and flushes outbound bytes, all under the peer-context lock so
// no coordinator callback can re-enter this session concurrently.
func (s *PeerSession) ConnectionReady(readable, writable bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsSet() {
		return
	}

	if readable {
		if err := s.readDrain(); err != nil {
			s.closeLocked(err)
			return
		}
	}

	// Flush deferred pipeline-affecting actions scheduled by inbound
	// handlers (spec §4.1 "defers the actual pipeline top-up") before
	// deciding whether to top up requests.
	s.lock.FlushDeferred()

	if s.State.WeAreInterested {
		s.topUpRequestPipeline()
	}

	if writable {
		n, err := s.queue.SendData(writerFunc(func(p []byte) (int, error) {
			return s.conn.Fill(p)
		}))
		s.outboundBytes += uint64(n)
		if err != nil {
			s.closeLocked(err)
			return
		}
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// readDrain pulls every byte currently available from the connection,
// parses as many complete frames as are buffered, and dispatches each in
// turn. An incomplete trailing frame is left in readBuf for the next call.
func (s *PeerSession) readDrain() error {
	scratch := make([]byte, 4096)
	anyBytes := false
	for {
		n, err := s.conn.Drain(scratch)
		if n > 0 {
			s.readBuf.Write(scratch[:n])
			s.inboundBytes += uint64(n)
			anyBytes = true
		}
		if err != nil {
			if anyBytes {
				s.State.LastDataReceivedTime = s.clock.Now()
			}
			return err
		}
		if n == 0 {
			break
		}
	}
	if anyBytes {
		s.State.LastDataReceivedTime = s.clock.Now()
	}

	for {
		data := s.readBuf.Bytes()
		if len(data) == 0 {
			break
		}
		br := bytes.NewReader(data)
		tr := peerwire.NewReader(br)
		msg, err := tr.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break // incomplete frame; wait for more bytes
			}
			return err
		}
		consumed := len(data) - br.Len()
		s.readBuf.Next(consumed)
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

// topUpRequestPipeline implements spec §4.1c.
func (s *PeerSession) topUpRequestPipeline() {
	needed := s.queue.RequestsNeeded()
	if needed > 0 {
		descs := s.coordinator.GetRequests(s, needed, s.State.TheyAreChoking)
		if len(descs) > 0 {
			for _, d := range descs {
				s.queue.EnqueueRequest(d)
			}
			return
		}
	}
	if !s.State.TheyAreChoking && !s.queue.HasOutstandingRequests() {
		s.State.WeAreInterested = false
		s.queue.SetInterested(false)
	}
}
