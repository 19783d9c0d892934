package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"io"
)

// NonceSize is the length of each side's 3.4 negotiation nonce
const NonceSize = 16

// Handshake carries one 3.4 session key negotiation:
//
//	client -> device  cmd 3  local nonce
//	device -> client  cmd 4  remote nonce + HMAC(deviceKey, local nonce)
//	client -> device  cmd 5  HMAC(deviceKey, remote nonce)
//
// Both sides then use AES-ECB(deviceKey, local XOR remote) as session key.
type Handshake struct {
	deviceKey [KeySize]byte
	local     [NonceSize]byte
	remote    [NonceSize]byte
}

// NewHandshake starts a negotiation with a fresh local nonce read from r.
// A nil r uses crypto/rand.
func NewHandshake(deviceKey []byte, r io.Reader) (*Handshake, error) {
	if len(deviceKey) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(deviceKey))
	}
	if r == nil {
		r = rand.Reader
	}
	h := &Handshake{}
	copy(h.deviceKey[:], deviceKey)
	if _, err := io.ReadFull(r, h.local[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return h, nil
}

// StartPayload is the body of the cmd 3 frame
func (h *Handshake) StartPayload() []byte {
	out := make([]byte, NonceSize)
	copy(out, h.local[:])
	return out
}

// LocalNonce returns a copy of the client nonce
func (h *Handshake) LocalNonce() [NonceSize]byte {
	return h.local
}

// Respond verifies the device's cmd 4 payload and returns the cmd 5 body
// together with the derived session key.
func (h *Handshake) Respond(payload []byte) (finish []byte, sessionKey [KeySize]byte, err error) {
	if len(payload) < NonceSize+HMACSize {
		return nil, sessionKey, fmt.Errorf("%w: negotiation response %d bytes", ErrShortFrame, len(payload))
	}
	copy(h.remote[:], payload[:NonceSize])

	proof := payload[NonceSize : NonceSize+HMACSize]
	want := hmacSHA256(h.deviceKey[:], h.local[:])
	if !hmac.Equal(proof, want) {
		return nil, sessionKey, &IntegrityError{Stage: "negotiation", Expected: want, Actual: append([]byte(nil), proof...)}
	}

	sessionKey, err = DeriveSessionKey(h.deviceKey[:], h.local, h.remote)
	if err != nil {
		return nil, sessionKey, err
	}
	return hmacSHA256(h.deviceKey[:], h.remote[:]), sessionKey, nil
}

// DeviceResponse builds the cmd 4 body a device sends for the given nonces.
func DeviceResponse(deviceKey []byte, local, remote [NonceSize]byte) []byte {
	out := make([]byte, 0, NonceSize+HMACSize)
	out = append(out, remote[:]...)
	return append(out, hmacSHA256(deviceKey, local[:])...)
}

// VerifyFinish checks a cmd 5 body against the device nonce.
func VerifyFinish(deviceKey []byte, remote [NonceSize]byte, finish []byte) error {
	want := hmacSHA256(deviceKey, remote[:])
	if !hmac.Equal(want, finish) {
		return &IntegrityError{Stage: "negotiation", Expected: want, Actual: append([]byte(nil), finish...)}
	}
	return nil
}

// DeriveSessionKey computes AES-ECB(deviceKey, local XOR remote). The
// nonces are copied, never modified in place.
func DeriveSessionKey(deviceKey []byte, local, remote [NonceSize]byte) ([KeySize]byte, error) {
	var mixed [NonceSize]byte
	for i := range mixed {
		mixed[i] = local[i] ^ remote[i]
	}

	var key [KeySize]byte
	enc, err := encryptECB(deviceKey, mixed[:])
	if err != nil {
		return key, err
	}
	copy(key[:], enc)
	return key, nil
}
