package device

import (
	"errors"
	"testing"
	"time"
)

func TestHub(t *testing.T) {
	override(t, &fakeEchoDelay, 10*time.Millisecond)

	h := NewHub()
	defer h.Close()

	events, cancel := h.Subscribe(0)
	defer cancel()

	for _, id := range []string{"b", "a"} {
		if _, err := h.Add(Config{ID: id, Fake: true}); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}
	if _, err := h.Add(Config{ID: "a", Fake: true}); !errors.Is(err, ErrDuplicateDevice) {
		t.Errorf("duplicate Add error = %v", err)
	}
	if _, err := h.Add(Config{ID: "c"}); !errors.Is(err, ErrInsufficientConfig) {
		t.Errorf("invalid Add error = %v", err)
	}

	sessions := h.Sessions()
	if len(sessions) != 2 || sessions[0].ID() != "a" || sessions[1].ID() != "b" {
		t.Fatalf("Sessions() = %v", sessions)
	}

	seen := map[string]bool{}
	for len(seen) < 2 {
		seen[waitEvent(t, events, EventConnect).DeviceID] = true
	}

	sent, err := h.Update("b", map[string]any{"1": true})
	if err != nil || !sent {
		t.Fatalf("Update(b) = %v, %v", sent, err)
	}
	ev := waitEvent(t, events, EventChange)
	if ev.DeviceID != "b" || ev.Changes["1"] != true {
		t.Errorf("change = %+v", ev)
	}

	if _, err := h.Update("zz", nil); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Update(zz) error = %v", err)
	}

	if err := h.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.Get("a"); ok {
		t.Error("removed session still registered")
	}
	if err := h.Remove("a"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second Remove error = %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Add(Config{ID: "d", Fake: true}); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after Close error = %v", err)
	}
}
