package device

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestConnectionTimers_SingleReconnect(t *testing.T) {
	var timers ConnectionTimers
	var fired atomic.Int32

	if !timers.armReconnect(time.Hour, func() { fired.Add(1) }) {
		t.Fatal("first armReconnect returned false")
	}
	if timers.armReconnect(0, func() { fired.Add(1) }) {
		t.Error("second armReconnect armed while one was pending")
	}

	timers.stopConnection()
	if timers.Reconnect == nil {
		t.Error("stopConnection cancelled the pending reconnect")
	}

	timers.stopAll()
	if timers.Reconnect != nil {
		t.Error("stopAll left the reconnect timer")
	}
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("reconnect callbacks fired %d times", fired.Load())
	}
}

func TestConnectionTimers_RearmReplaces(t *testing.T) {
	var timers ConnectionTimers
	var first, second atomic.Int32

	timers.armPing(30*time.Millisecond, func() { first.Add(1) })
	timers.armPing(time.Millisecond, func() { second.Add(1) })
	time.Sleep(60 * time.Millisecond)

	if first.Load() != 0 {
		t.Error("replaced ping timer still fired")
	}
	if second.Load() != 1 {
		t.Errorf("current ping timer fired %d times, want 1", second.Load())
	}
}

func TestAttemptCounter_Decays(t *testing.T) {
	a := newAttemptCounter(30 * time.Millisecond)
	a.add()
	if n := a.add(); n != 2 {
		t.Fatalf("add() = %d, want 2", n)
	}

	deadline := time.Now().Add(time.Second)
	for a.count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("count() = %d after the window, want 0", a.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
