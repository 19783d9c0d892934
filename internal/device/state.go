package device

import (
	"reflect"
	"sync"

	"github.com/muurk/tuyalan/internal/protocol"
)

// State is the last known data point map of a device. It only changes
// through Apply, i.e. when the device reports values.
type State struct {
	mu  sync.RWMutex
	dps protocol.DPS
}

// NewState returns an empty state
func NewState() *State {
	return &State{dps: make(protocol.DPS)}
}

// Apply merges in and returns the entries that differ from the current
// state. An empty result means nothing changed.
func (s *State) Apply(in protocol.DPS) (changes protocol.DPS, full protocol.DPS) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes = make(protocol.DPS)
	for k, v := range in {
		old, ok := s.dps[k]
		if ok && reflect.DeepEqual(old, v) {
			continue
		}
		changes[k] = v
		s.dps[k] = v
	}
	return changes, s.snapshotLocked()
}

// Snapshot returns a copy of the current state
func (s *State) Snapshot() protocol.DPS {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() protocol.DPS {
	out := make(protocol.DPS, len(s.dps))
	for k, v := range s.dps {
		out[k] = v
	}
	return out
}
