package device

import (
	"testing"

	"github.com/muurk/tuyalan/internal/protocol"
)

func TestState_Apply(t *testing.T) {
	s := NewState()

	changes, full := s.Apply(protocol.DPS{"1": true, "2": float64(3)})
	if len(changes) != 2 || len(full) != 2 {
		t.Fatalf("first Apply = %v / %v", changes, full)
	}

	changes, _ = s.Apply(protocol.DPS{"1": true, "2": float64(3)})
	if len(changes) != 0 {
		t.Errorf("repeat Apply changes = %v, want none", changes)
	}

	changes, full = s.Apply(protocol.DPS{"2": float64(4), "3": "x"})
	if len(changes) != 2 || changes["2"] != float64(4) || len(full) != 3 {
		t.Errorf("third Apply = %v / %v", changes, full)
	}

	// snapshots are copies
	snap := s.Snapshot()
	snap["1"] = false
	if s.Snapshot()["1"] != true {
		t.Error("Snapshot aliases the state")
	}
}
