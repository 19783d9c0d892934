package apiclient

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrorType is the category of a failed request
type ErrorType int

const (
	ErrTypeNetwork ErrorType = iota
	ErrTypeTimeout
	ErrTypeConnectionRefused
	ErrTypeHTTP
	ErrTypeParse
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeNetwork:
		return "Network Error"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeConnectionRefused:
		return "Connection Refused"
	case ErrTypeHTTP:
		return "HTTP Error"
	case ErrTypeParse:
		return "Parse Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// Error is returned for every failed request
type Error struct {
	Type    ErrorType
	Status  int    // HTTP status, 0 for network errors
	Code    string // API error code such as "not_found"
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s (%d %s): %s", e.Type, e.Status, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newNetworkError classifies a transport failure
func newNetworkError(msg string, err error) *Error {
	t := ErrTypeNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		t = ErrTypeConnectionRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		t = ErrTypeTimeout
	}
	return &Error{Type: t, Message: msg, Err: err}
}

// IsRetryable reports whether repeating the request may succeed
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case ErrTypeNetwork, ErrTypeTimeout, ErrTypeConnectionRefused:
		return true
	case ErrTypeHTTP:
		return e.Status >= http.StatusInternalServerError
	default:
		return false
	}
}

// IsNotFound reports whether the bridge does not know the device
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// IsNotConnected reports whether the bridge has no live session to the device
func IsNotConnected(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusConflict
}
