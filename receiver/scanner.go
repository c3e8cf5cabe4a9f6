// Package receiver ingests IEEE C37.118.2 frame streams from PMU devices,
// maintains per-source configuration state and forwards decoded
// measurements through a bounded queue to the configured sink.
package receiver

import (
	"encoding/binary"

	"github.com/janiolos/SmartPhasorToolBox/c37118"
)

// ScanStats summarizes a scanner's activity since creation.
type ScanStats struct {
	Frames         uint64 // verified frames extracted
	Resyncs        uint64 // times the scanner abandoned a candidate position
	BytesDiscarded uint64 // bytes skipped while hunting for a frame start
}

// Scanner reassembles verified frames from an arbitrary byte stream. TCP
// delivers frames split or coalesced at any boundary, and a transport
// glitch can leave the stream positioned mid-frame; the scanner recovers
// by discarding bytes one at a time until a plausible header is found and
// its checksum verifies.
type Scanner struct {
	buf   []byte
	inGap bool // currently discarding bytes between frames
	stats ScanStats
}

// NewScanner creates an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed appends raw bytes from the transport.
func (s *Scanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next extracts the next checksum-verified frame, or nil when the buffered
// bytes do not yet contain one. Bytes that cannot start a valid frame are
// discarded silently and counted in Stats.
func (s *Scanner) Next() []byte {
	for {
		if len(s.buf) < 4 {
			return nil
		}

		_, size, err := c37118.Sniff(s.buf[:4])
		if err != nil || size > c37118.MaxFrameSize {
			s.skip(1)
			continue
		}

		if len(s.buf) < size {
			// Candidate header, body still in flight.
			return nil
		}

		candidate := s.buf[:size]
		want := binary.BigEndian.Uint16(candidate[size-2:])
		if c37118.Checksum(candidate[:size-2]) != want {
			// Corrupt or a false sync inside payload bytes.
			s.skip(1)
			continue
		}

		frame := make([]byte, size)
		copy(frame, candidate)
		s.buf = s.buf[size:]
		s.inGap = false
		s.stats.Frames++
		return frame
	}
}

// Pending returns the number of buffered bytes not yet consumed.
func (s *Scanner) Pending() int {
	return len(s.buf)
}

// Reset discards all buffered bytes, counting them as a resync. Used when
// the transport reconnects.
func (s *Scanner) Reset() {
	if len(s.buf) > 0 {
		s.stats.BytesDiscarded += uint64(len(s.buf))
		s.stats.Resyncs++
	}
	s.buf = s.buf[:0]
	s.inGap = false
}

// Stats returns cumulative scanner statistics.
func (s *Scanner) Stats() ScanStats {
	return s.stats
}

// skip discards n bytes. A run of discarded bytes counts as one resync.
func (s *Scanner) skip(n int) {
	if !s.inGap {
		s.inGap = true
		s.stats.Resyncs++
	}
	s.stats.BytesDiscarded += uint64(n)
	s.buf = s.buf[n:]
}
