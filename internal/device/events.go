package device

import (
	"time"

	"github.com/muurk/tuyalan/internal/protocol"
	"github.com/muurk/tuyalan/internal/pubsub"
)

// EventKind identifies what happened to a session
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventChange     EventKind = "change"
	EventDisconnect EventKind = "disconnect"
)

// Event is published by sessions to every subscriber of their broker.
type Event struct {
	Kind     EventKind
	DeviceID string
	Time     time.Time

	// change
	Changes protocol.DPS
	State   protocol.DPS

	// disconnect
	Err          error
	Class        ErrorClass
	RetryIn      time.Duration
	WasConnected bool
}

// Broker fans session events out to subscribers
type Broker = pubsub.Broker[Event]

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return pubsub.New[Event]("device")
}

// publish stamps ev with the session's id and the current time
func (s *Session) publish(ev Event) {
	ev.DeviceID = s.cfg.ID
	ev.Time = s.now()
	s.broker.Publish(ev)
}
