package device

import (
	"time"

	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/protocol"
)

// startFake brings an offline session up without touching the network.
func (s *Session) startFake() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.mu.Unlock()

	logging.Info("Fake device ready", s.fields()...)
	s.publish(Event{Kind: EventConnect})
	if s.cfg.NoIntro {
		s.publish(Event{
			Kind:    EventChange,
			Changes: protocol.DPS{},
			State:   s.state.Snapshot(),
		})
	}
}

// fakeUpdate echoes data points back as if the device had applied them.
func (s *Session) fakeUpdate(dps map[string]any) bool {
	s.mu.Lock()
	live := s.connected && !s.closed
	s.mu.Unlock()
	if !live {
		return false
	}

	points := protocol.FilterDataPoints(dps)
	if len(points) == 0 {
		return true
	}
	time.AfterFunc(fakeEchoDelay, func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.applyDPS(points)
		}
	})
	return true
}
