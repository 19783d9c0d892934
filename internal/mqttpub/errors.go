package mqttpub

import "errors"

var (
	// ErrNoBroker is returned when the configuration names no broker URL.
	ErrNoBroker = errors.New("mqtt: no broker configured")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrBadTopic is returned for a command on a topic outside the set scheme.
	ErrBadTopic = errors.New("mqtt: not a set topic")
)
