package protocol

import (
	"bytes"
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"sync"
)

// Version is a device protocol version string as reported by firmware
type Version string

// Supported protocol versions
const (
	V31 Version = "3.1"
	V32 Version = "3.2"
	V33 Version = "3.3"
	V34 Version = "3.4"
)

// ParseVersion validates a configured version. An empty string selects 3.1.
func ParseVersion(s string) (Version, error) {
	switch Version(s) {
	case "":
		return V31, nil
	case V31, V32, V33, V34:
		return Version(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
	}
}

// Modern reports whether v is 3.2 or later
func (v Version) Modern() bool {
	return v != V31
}

// Message is a decoded frame
type Message struct {
	Sequence      uint32
	Command       Command
	ReturnCode    uint32
	HasReturnCode bool

	// Payload is the plaintext with any version tag removed. When
	// DecryptErr is set it holds the undecryptable bytes instead.
	Payload    []byte
	DecryptErr error
}

// String returns a debug representation of the message
func (m *Message) String() string {
	return fmt.Sprintf("Message{seq=%d, cmd=%s, payload_len=%d, decrypt_err=%v}",
		m.Sequence, m.Command, len(m.Payload), m.DecryptErr)
}

// Codec frames and unframes messages for one protocol version.
type Codec interface {
	Version() Version
	Encode(seq uint32, cmd Command, payload []byte) ([]byte, error)
	Decode(raw []byte) (*Message, error)
}

// SessionKeyer is implemented by codecs that switch to a negotiated
// session key once a connection is established (3.4).
type SessionKeyer interface {
	SetSessionKey(key [KeySize]byte)
	ClearSessionKey()
	SessionKey() ([KeySize]byte, bool)
}

// NewCodec returns the codec for v keyed with the device key.
func NewCodec(v Version, key []byte) (Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes (want %d)", ErrInvalidKey, len(key), KeySize)
	}
	k := make([]byte, KeySize)
	copy(k, key)

	switch v {
	case V31:
		return &codec31{key: k}, nil
	case V32, V33:
		return &codec33{version: v, key: k}, nil
	case V34:
		return &codec34{deviceKey: k}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
}

// codec31 base64-encodes encrypted control payloads and sends everything
// else in the clear. The trailer is four zero bytes.
type codec31 struct {
	key []byte
}

func (c *codec31) Version() Version { return V31 }

func (c *codec31) Encode(seq uint32, cmd Command, payload []byte) ([]byte, error) {
	body := payload
	if cmd == CmdControl && len(payload) > 0 {
		enc, err := Encrypt(c.key, payload)
		if err != nil {
			return nil, err
		}
		b64 := base64.StdEncoding.EncodeToString(enc)
		body = []byte(string(V31) + digest31(b64, V31, c.key) + b64)
	}
	return buildFrame(seq, cmd, body, CRCSize, func([]byte) []byte {
		return make([]byte, CRCSize)
	}), nil
}

func (c *codec31) Decode(raw []byte) (*Message, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	msg := &Message{Sequence: f.Sequence, Command: f.Command}

	body := f.Body[:len(f.Body)-CRCSize]
	msg.ReturnCode, msg.HasReturnCode, body = splitReturnCode(body)
	body = bytes.TrimSpace(bytes.ReplaceAll(body, []byte{0}, nil))

	// "3.1" + 16 digest characters + base64 ciphertext
	prefix := len(V31) + 16
	if len(body) > prefix && bytes.HasPrefix(body, []byte(V31)) {
		encoded := body[prefix:]
		plain, err := c.decrypt(encoded)
		if err != nil {
			msg.Payload = encoded
			msg.DecryptErr = err
			return msg, nil
		}
		msg.Payload = plain
		return msg, nil
	}

	msg.Payload = body
	return msg, nil
}

func (c *codec31) decrypt(encoded []byte) ([]byte, error) {
	enc, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	return Decrypt(c.key, enc)
}

// codec33 encrypts every payload and protects frames with a CRC32 trailer.
// Used for 3.2 devices as well.
type codec33 struct {
	version Version
	key     []byte
}

func (c *codec33) Version() Version { return c.version }

func (c *codec33) Encode(seq uint32, cmd Command, payload []byte) ([]byte, error) {
	var body []byte
	switch {
	case cmd == CmdControl && len(payload) == 0:
		body = make([]byte, returnCodeSize)
	case cmd != CmdHeartBeat && cmd != CmdDPQuery:
		// 3.2 firmware accepts the 3.3 tag
		body = versionHeader(V33)
	}

	if len(payload) > 0 {
		enc, err := Encrypt(c.key, payload)
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}

	return buildFrame(seq, cmd, body, CRCSize, crc32Of), nil
}

func (c *codec33) Decode(raw []byte) (*Message, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}

	mark := len(raw) - TailSize - CRCSize
	if !bytes.Equal(crc32Of(raw[:mark]), raw[mark:mark+CRCSize]) {
		return nil, fmt.Errorf("%w: seq %d cmd %s", ErrBadCRC, f.Sequence, f.Command)
	}

	msg := &Message{Sequence: f.Sequence, Command: f.Command}
	body := f.Body[:len(f.Body)-CRCSize]
	msg.ReturnCode, msg.HasReturnCode, body = splitReturnCode(body)
	body, _ = stripVersionHeader(body, V33, V32)

	if len(body) == 0 {
		return msg, nil
	}
	plain, err := Decrypt(c.key, body)
	if err != nil {
		msg.Payload = body
		msg.DecryptErr = err
		return msg, nil
	}
	msg.Payload = plain
	return msg, nil
}

// codec34 pads and encrypts every payload and authenticates frames with
// HMAC-SHA256. Both use the session key once negotiated.
type codec34 struct {
	deviceKey []byte

	mu         sync.RWMutex
	sessionKey []byte
}

func (c *codec34) Version() Version { return V34 }

// SetSessionKey switches encryption and authentication to key
func (c *codec34) SetSessionKey(key [KeySize]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionKey = append([]byte(nil), key[:]...)
}

// ClearSessionKey falls back to the device key
func (c *codec34) ClearSessionKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionKey = nil
}

// SessionKey returns the negotiated key, if any
func (c *codec34) SessionKey() ([KeySize]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var k [KeySize]byte
	if c.sessionKey == nil {
		return k, false
	}
	copy(k[:], c.sessionKey)
	return k, true
}

func (c *codec34) activeKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionKey != nil {
		return c.sessionKey
	}
	return c.deviceKey
}

// hasVersionTag34 lists commands whose plaintext carries the "3.4" tag
func hasVersionTag34(cmd Command) bool {
	switch cmd {
	case CmdDPQuery, CmdDPQueryNew, CmdHeartBeat,
		CmdSessKeyNegStart, CmdSessKeyNegResp, CmdSessKeyNegFinish:
		return false
	default:
		return true
	}
}

func (c *codec34) Encode(seq uint32, cmd Command, payload []byte) ([]byte, error) {
	key := c.activeKey()

	plain := payload
	if hasVersionTag34(cmd) {
		plain = append(versionHeader(V34), payload...)
	}
	enc, err := encryptECB(key, pkcs7Pad(plain))
	if err != nil {
		return nil, err
	}

	return buildFrame(seq, cmd, enc, HMACSize, func(prefix []byte) []byte {
		return hmacSHA256(key, prefix)
	}), nil
}

func (c *codec34) Decode(raw []byte) (*Message, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < HeaderSize+HMACSize+TailSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}

	key := c.activeKey()
	mark := len(raw) - TailSize - HMACSize
	expected := raw[mark : mark+HMACSize]
	actual := hmacSHA256(key, raw[:mark])
	if !hmac.Equal(expected, actual) {
		return nil, &IntegrityError{Stage: "frame", Expected: expected, Actual: actual}
	}

	msg := &Message{Sequence: f.Sequence, Command: f.Command}
	body := raw[HeaderSize:mark]
	msg.ReturnCode, msg.HasReturnCode, body = splitReturnCode(body)
	if len(body) == 0 {
		return msg, nil
	}

	plain, err := decryptECB(key, body)
	if err != nil {
		msg.Payload = body
		msg.DecryptErr = err
		return msg, nil
	}
	plain, err = pkcs7Unpad(plain)
	if err != nil {
		msg.Payload = body
		msg.DecryptErr = fmt.Errorf("%w: %v", ErrDecrypt, err)
		return msg, nil
	}
	msg.Payload, _ = stripVersionHeader(plain, V34)
	return msg, nil
}
