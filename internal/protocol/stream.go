package protocol

import (
	"bytes"
	"encoding/binary"
)

// Splitter cuts a TCP byte stream into candidate frames.
//
// Bytes before a head marker are discarded. A frame is complete when its
// declared length lands on a tail marker. When the declared length is
// implausible or does not land on a tail marker, the frame is dropped and
// scanning resumes at the next head marker. While a frame is still short of
// its declared length, a later head marker that starts a complete frame
// wins, so a truncated frame cannot stall the frames behind it.
type Splitter struct {
	buf     []byte
	dropped int
}

// Feed appends data and returns every complete frame now available, in
// stream order. Returned slices do not alias the internal buffer.
func (s *Splitter) Feed(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var frames [][]byte
	for len(s.buf) > 0 {
		start := bytes.Index(s.buf, headBytes)
		if start == -1 {
			// no fragment survives past a missing head marker
			s.dropped += len(s.buf)
			s.buf = s.buf[:0]
			break
		}
		if start > 0 {
			s.dropped += start
			s.buf = s.buf[start:]
		}

		if len(s.buf) < HeaderSize {
			break
		}

		size, ok := frameSize(s.buf)
		if !ok {
			s.skipHead()
			continue
		}

		if len(s.buf) >= size {
			if binary.BigEndian.Uint32(s.buf[size-TailSize:size]) == TailMarker {
				frames = append(frames, append([]byte(nil), s.buf[:size]...))
				s.buf = s.buf[size:]
				continue
			}
			s.skipHead()
			continue
		}

		// Incomplete. Give up on it only if a complete frame follows.
		if next := s.nextCompleteFrame(); next > 0 {
			s.dropped += next
			s.buf = s.buf[next:]
			continue
		}
		break
	}

	if len(s.buf) == 0 && cap(s.buf) > MaxFrameSize {
		s.buf = nil
	}
	return frames
}

// Reset discards any buffered bytes
func (s *Splitter) Reset() {
	s.buf = nil
	s.dropped = 0
}

// Buffered returns the number of bytes waiting for the rest of a frame
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Dropped returns the number of bytes discarded while resynchronising
func (s *Splitter) Dropped() int {
	return s.dropped
}

func (s *Splitter) skipHead() {
	s.dropped += len(headBytes)
	s.buf = s.buf[len(headBytes):]
}

// nextCompleteFrame returns the offset of the first later head marker that
// begins a complete, well-terminated frame, or -1.
func (s *Splitter) nextCompleteFrame() int {
	off := len(headBytes)
	for {
		i := bytes.Index(s.buf[off:], headBytes)
		if i == -1 {
			return -1
		}
		pos := off + i
		rest := s.buf[pos:]
		if len(rest) >= HeaderSize {
			if size, ok := frameSize(rest); ok && len(rest) >= size &&
				binary.BigEndian.Uint32(rest[size-TailSize:size]) == TailMarker {
				return pos
			}
		}
		off = pos + len(headBytes)
	}
}

// frameSize returns the total size declared by the header at b[0:16]
func frameSize(b []byte) (int, bool) {
	length := binary.BigEndian.Uint32(b[12:16])
	if length < CRCSize+TailSize || length > MaxFrameSize-HeaderSize {
		return 0, false
	}
	return HeaderSize + int(length), true
}
