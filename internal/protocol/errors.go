package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrShortFrame         = errors.New("protocol: frame too short")
	ErrFrameTooLarge      = errors.New("protocol: frame too large")
	ErrBadMagic           = errors.New("protocol: bad frame marker")
	ErrLengthMismatch     = errors.New("protocol: declared length does not match frame")
	ErrBadCRC             = errors.New("protocol: crc mismatch")
	ErrDecrypt            = errors.New("protocol: decrypt failed")
	ErrBadPadding         = errors.New("protocol: bad padding")
	ErrInvalidKey         = errors.New("protocol: invalid key")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// IntegrityError reports an HMAC that did not verify. On 3.4 connections it
// means the two ends no longer agree on the session key.
type IntegrityError struct {
	Stage    string // "frame" or "negotiation"
	Expected []byte
	Actual   []byte
}

// Error implements the error interface
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("protocol: hmac mismatch during %s: expected %x, got %x", e.Stage, e.Expected, e.Actual)
}
