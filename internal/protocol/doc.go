// Package protocol implements the LAN wire format spoken by Tuya-based devices.
//
// This package handles framing, validation, encryption and construction of the
// binary messages exchanged with devices over TCP port 6668, and of the UDP
// announcements devices broadcast on ports 6666 and 6667.
//
// # Frame Format
//
// Every message on the wire is a single frame. All integers are big-endian:
//   - Head marker: 0x000055AA (4 bytes)
//   - Sequence number: 4 bytes
//   - Command: 4 bytes
//   - Length: 4 bytes, counting everything after this field
//   - Payload: variable, version dependent
//   - Trailer: CRC32 (3.1/3.3) or HMAC-SHA256 (3.4)
//   - Tail marker: 0x0000AA55 (4 bytes)
//
// Frames sent by a device may carry a 4-byte return code in front of the
// payload. It is recognised by the upper 24 bits of that word being zero.
//
// # Protocol Versions
//
// Three incompatible payload schemes exist, selected by firmware version:
//   - 3.1: AES-128-ECB, base64 payload prefixed with "3.1" and an MD5 digest slice
//   - 3.3: AES-128-ECB, binary payload prefixed with "3.3" and 12 reserved bytes, CRC32 trailer
//   - 3.4: AES-128-ECB with an explicitly padded plaintext, HMAC-SHA256 trailer
//     and a session key negotiated per connection (see Handshake)
//
// Each scheme is a Codec. A codec is chosen once per connection with NewCodec
// and never re-dispatched per message.
//
// # Stream Handling
//
// TCP gives no message boundaries. A Splitter accumulates bytes and cuts them
// into candidate frames on the head and tail markers, resynchronising on the
// next head marker whenever a frame turns out to be truncated or corrupt.
//
// # Usage Example
//
//	codec, err := protocol.NewCodec(protocol.V33, key)
//	if err != nil {
//	    return err
//	}
//
//	raw, err := codec.Encode(seq, protocol.CmdDPQuery, body)
//	...
//	for _, frame := range splitter.Feed(chunk) {
//	    msg, err := codec.Decode(frame)
//	    ...
//	}
//
// # Thread Safety
//
// Codecs are safe for concurrent use. A Splitter is not and must be owned by
// the goroutine reading the connection.
package protocol
