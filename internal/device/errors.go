package device

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/muurk/tuyalan/internal/protocol"
)

var (
	ErrConnectTimeout     = errors.New("device: connect timed out")
	ErrPingTimeout        = errors.New("device: ping timed out")
	ErrClosed             = errors.New("device: session closed")
	ErrNotConnected       = errors.New("device: not connected")
	ErrInsufficientConfig = errors.New("device: insufficient config")
	ErrUnknownDevice      = errors.New("device: unknown device")
	ErrDuplicateDevice    = errors.New("device: device already added")
)

// ErrorClass is the category of a socket fault. It decides how soon the
// session reconnects.
type ErrorClass int

const (
	// ClassOther is any fault not listed below
	ClassOther ErrorClass = iota
	// ClassReset is ECONNRESET
	ClassReset
	// ClassBrokenPipe is EPIPE
	ClassBrokenPipe
	// ClassEOF means the device closed the socket
	ClassEOF
	// ClassRefused is ECONNREFUSED
	ClassRefused
	// ClassTimeout covers connect, ping and I/O deadlines
	ClassTimeout
	// ClassResource is ENOBUFS
	ClassResource
	// ClassIntegrity is an HMAC mismatch on a 3.4 connection
	ClassIntegrity
	// ClassClosed means the session was closed by its owner
	ClassClosed
)

// String returns a short name for the class
func (c ErrorClass) String() string {
	switch c {
	case ClassOther:
		return "other"
	case ClassReset:
		return "reset"
	case ClassBrokenPipe:
		return "broken_pipe"
	case ClassEOF:
		return "eof"
	case ClassRefused:
		return "refused"
	case ClassTimeout:
		return "timeout"
	case ClassResource:
		return "resource"
	case ClassIntegrity:
		return "integrity"
	case ClassClosed:
		return "closed"
	default:
		return fmt.Sprintf("ErrorClass(%d)", int(c))
	}
}

// ClassifyError maps a socket or protocol error to its ErrorClass.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}

	var ie *protocol.IntegrityError
	if errors.As(err, &ie) {
		return ClassIntegrity
	}

	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, net.ErrClosed):
		return ClassClosed
	case errors.Is(err, syscall.ECONNRESET):
		return ClassReset
	case errors.Is(err, syscall.EPIPE):
		return ClassBrokenPipe
	case errors.Is(err, syscall.ENOBUFS):
		return ClassResource
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ClassEOF
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrPingTimeout), os.IsTimeout(err):
		return ClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		return ClassTimeout
	}
	return ClassOther
}

// Reconnect policy
var (
	reconnectDelay     = 5 * time.Second
	reconnectSlowDelay = 60 * time.Second
	attemptWindow      = 10 * time.Second
)

const attemptThreshold = 10

// retryDelay returns how long to wait before reconnecting after a fault of
// class c with attempts connection attempts in the current window.
// Resets, broken pipes, EOF and integrity faults reconnect at once unless
// the window is already busy.
func retryDelay(c ErrorClass, attempts int) time.Duration {
	switch c {
	case ClassReset, ClassBrokenPipe, ClassEOF, ClassIntegrity:
		if attempts < attemptThreshold {
			return 0
		}
	}
	if c == ClassResource || attempts > attemptThreshold {
		return reconnectSlowDelay
	}
	return reconnectDelay
}
