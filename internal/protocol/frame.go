package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Frame markers and sizes
const (
	HeadMarker uint32 = 0x000055AA
	TailMarker uint32 = 0x0000AA55

	HeaderSize = 16 // head + sequence + command + length
	TailSize   = 4
	CRCSize    = 4
	HMACSize   = 32

	// MinFrameSize is a header, a 4-byte trailer and the tail marker.
	MinFrameSize = HeaderSize + CRCSize + TailSize

	// MaxFrameSize bounds the buffer a single frame may occupy
	MaxFrameSize = 64 * 1024

	// DefaultPort is the TCP port devices listen on
	DefaultPort = 6668

	returnCodeSize    = 4
	versionHeaderSize = 15 // "3.x" followed by 12 reserved bytes
)

var (
	headBytes = []byte{0x00, 0x00, 0x55, 0xAA}
	tailBytes = []byte{0x00, 0x00, 0xAA, 0x55}
)

// Command identifies the purpose of a frame.
type Command uint32

// Command codes (from the LAN protocol)
const (
	CmdUDP              Command = 0  // cleartext discovery broadcast
	CmdSessKeyNegStart  Command = 3  // 3.4: client nonce
	CmdSessKeyNegResp   Command = 4  // 3.4: device nonce + proof
	CmdSessKeyNegFinish Command = 5  // 3.4: client proof
	CmdControl          Command = 7  // set data points (3.1/3.3)
	CmdStatus           Command = 8  // unsolicited status push
	CmdHeartBeat        Command = 9  // ping/pong
	CmdDPQuery          Command = 10 // state query (3.1/3.3)
	CmdControlNew       Command = 13 // set data points (3.4)
	CmdDPQueryNew       Command = 16 // state query (3.4)
	CmdUDPNew           Command = 19 // discovery broadcast
)

// String returns a human-readable command name
func (c Command) String() string {
	switch c {
	case CmdUDP:
		return "udp"
	case CmdSessKeyNegStart:
		return "sess_key_neg_start"
	case CmdSessKeyNegResp:
		return "sess_key_neg_resp"
	case CmdSessKeyNegFinish:
		return "sess_key_neg_finish"
	case CmdControl:
		return "control"
	case CmdStatus:
		return "status"
	case CmdHeartBeat:
		return "heart_beat"
	case CmdDPQuery:
		return "dp_query"
	case CmdControlNew:
		return "control_new"
	case CmdDPQueryNew:
		return "dp_query_new"
	case CmdUDPNew:
		return "udp_new"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(c))
	}
}

// AdvancesSequence reports whether sending cmd with payload consumes a new
// sequence number. Only a body-less control frame repeats the number of the
// update it follows.
func AdvancesSequence(cmd Command, payload []byte) bool {
	switch cmd {
	case CmdControl, CmdControlNew:
		return len(payload) > 0
	default:
		return true
	}
}

// Frame is one complete head-to-tail unit read off the wire
type Frame struct {
	Sequence uint32
	Command  Command
	Length   uint32 // declared length (bytes after the length field)
	Body     []byte // payload and trailer, without the tail marker
	Raw      []byte // original frame bytes
}

// ParseFrame validates the markers and declared length of raw and splits
// out the header fields. Body aliases raw.
func ParseFrame(raw []byte) (*Frame, error) {
	if len(raw) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	if len(raw) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))
	}

	if binary.BigEndian.Uint32(raw[0:4]) != HeadMarker {
		return nil, fmt.Errorf("%w: head 0x%08x", ErrBadMagic, binary.BigEndian.Uint32(raw[0:4]))
	}
	end := len(raw) - TailSize
	if binary.BigEndian.Uint32(raw[end:]) != TailMarker {
		return nil, fmt.Errorf("%w: tail 0x%08x", ErrBadMagic, binary.BigEndian.Uint32(raw[end:]))
	}

	length := binary.BigEndian.Uint32(raw[12:16])
	if int(length) != len(raw)-HeaderSize {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, length, len(raw)-HeaderSize)
	}

	return &Frame{
		Sequence: binary.BigEndian.Uint32(raw[4:8]),
		Command:  Command(binary.BigEndian.Uint32(raw[8:12])),
		Length:   length,
		Body:     raw[HeaderSize:end],
		Raw:      raw,
	}, nil
}

// String returns a debug representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{seq=%d, cmd=%s, length=%d}", f.Sequence, f.Command, f.Length)
}

// buildFrame writes header, body, trailer and tail. trailer is called with
// everything written so far and returns the integrity bytes to append.
func buildFrame(seq uint32, cmd Command, body []byte, trailerSize int, trailer func(prefix []byte) []byte) []byte {
	total := HeaderSize + len(body) + trailerSize + TailSize
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], HeadMarker)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(cmd))
	binary.BigEndian.PutUint32(buf[12:16], uint32(total-HeaderSize))
	copy(buf[HeaderSize:], body)

	mark := HeaderSize + len(body)
	copy(buf[mark:mark+trailerSize], trailer(buf[:mark]))
	binary.BigEndian.PutUint32(buf[total-TailSize:], TailMarker)

	return buf
}

// splitReturnCode strips a leading device return code from b. A return
// code is recognised by its upper 24 bits being zero.
func splitReturnCode(b []byte) (code uint32, present bool, rest []byte) {
	if len(b) < returnCodeSize {
		return 0, false, b
	}
	word := binary.BigEndian.Uint32(b[:returnCodeSize])
	if word&0xFFFFFF00 != 0 {
		return 0, false, b
	}
	return word, true, b[returnCodeSize:]
}

// versionHeader returns the 15-byte version tag used by 3.3 and 3.4.
func versionHeader(v Version) []byte {
	h := make([]byte, versionHeaderSize)
	copy(h, v)
	return h
}

// stripVersionHeader removes a leading version tag for any of versions.
func stripVersionHeader(b []byte, versions ...Version) ([]byte, bool) {
	for _, v := range versions {
		if len(b) >= versionHeaderSize && bytes.HasPrefix(b, []byte(v)) {
			return b[versionHeaderSize:], true
		}
	}
	return b, false
}
