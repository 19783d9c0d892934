package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/muurk/tuyalan/internal/protocol"
)

const eventTimeout = 2 * time.Second

func loopbackConfig() Config {
	return Config{
		PlainAddr:     "127.0.0.1:0",
		EncryptedAddr: "127.0.0.1:0",
		BindRetry:     20 * time.Millisecond,
		RebindDelay:   20 * time.Millisecond,
	}
}

// freePort reserves and releases a UDP port so a test can bind it by number
func freePort(t *testing.T) string {
	t.Helper()
	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := c.LocalAddr().String()
	c.Close()
	return addr
}

func send(t *testing.T, addr net.Addr, datagram []byte) {
	t.Helper()
	if addr == nil {
		t.Fatal("socket not bound")
	}
	c, err := net.Dial("udp4", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write(datagram); err != nil {
		t.Fatal(err)
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectQuiet(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListener_TargetSetEnds(t *testing.T) {
	l := NewListener(loopbackConfig())
	defer l.Close()
	events, cancel := l.Subscribe(0)
	defer cancel()

	l.Start(Options{IDs: []string{"devA"}})
	send(t, l.LocalAddr(true), announcement(t, `{"gwId":"devA","ip":"10.0.0.5"}`, true))

	ev := nextEvent(t, events)
	if ev.Kind != EventDiscover || ev.Record.ID != "devA" || ev.Record.IP != "10.0.0.5" {
		t.Fatalf("first event = %+v", ev)
	}
	if !ev.Record.Encrypted || ev.Record.DiscoveredAt.IsZero() {
		t.Errorf("record = %+v", ev.Record)
	}
	if ev := nextEvent(t, events); ev.Kind != EventEnd {
		t.Fatalf("second event = %+v, want end", ev)
	}

	if l.Running() {
		t.Error("listener still running after target set was found")
	}
	if got := l.Records(); len(got) != 0 {
		t.Errorf("Records() after end = %v, want none", got)
	}
	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	if err := l.Wait(ctx); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

func TestListener_Dedup(t *testing.T) {
	l := NewListener(loopbackConfig())
	defer l.Close()
	events, cancel := l.Subscribe(0)
	defer cancel()

	l.Start(Options{})
	plain := l.LocalAddr(false)
	send(t, plain, announcement(t, `{"gwId":"a","ip":"10.0.0.1"}`, false))
	send(t, plain, announcement(t, `{"gwId":"a","ip":"10.0.0.1"}`, false))
	send(t, plain, announcement(t, `{"gwId":"b","ip":"10.0.0.2"}`, false))

	for _, want := range []string{"a", "b"} {
		ev := nextEvent(t, events)
		if ev.Kind != EventDiscover || ev.Record.ID != want {
			t.Fatalf("event = %+v, want discover %s", ev, want)
		}
	}
	expectQuiet(t, events)

	// a device moving to the encrypted port is still the same device
	send(t, l.LocalAddr(true), announcement(t, `{"gwId":"a","ip":"10.0.0.1"}`, true))
	expectQuiet(t, events)

	if got := l.Records(); len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("Records() = %v", got)
	}
	if !l.Running() {
		t.Error("listener without targets stopped on its own")
	}
}

func TestListener_IgnoresJunk(t *testing.T) {
	l := NewListener(loopbackConfig())
	defer l.Close()
	events, cancel := l.Subscribe(0)
	defer cancel()

	l.Start(Options{})
	send(t, l.LocalAddr(false), []byte("not a frame"))
	send(t, l.LocalAddr(false), announcement(t, `{"ip":"10.0.0.1"}`, false))
	send(t, l.LocalAddr(true), announcement(t, `{"gwId":"ok","ip":"10.0.0.3"}`, true))

	if ev := nextEvent(t, events); ev.Record == nil || ev.Record.ID != "ok" {
		t.Fatalf("event = %+v, want discover ok", ev)
	}
}

func TestListener_StopKeepsRecords(t *testing.T) {
	l := NewListener(loopbackConfig())
	defer l.Close()
	events, cancel := l.Subscribe(0)
	defer cancel()

	l.Start(Options{})
	send(t, l.LocalAddr(false), announcement(t, `{"gwId":"a","ip":"10.0.0.1"}`, false))
	nextEvent(t, events)

	l.Stop()
	if l.Running() || l.LocalAddr(false) != nil {
		t.Fatal("listener still bound after Stop")
	}
	if len(l.Records()) != 1 {
		t.Errorf("Records() after Stop = %v", l.Records())
	}
	expectQuiet(t, events)

	// restart without Clear: a is not reported again
	l.Start(Options{})
	send(t, l.LocalAddr(false), announcement(t, `{"gwId":"a","ip":"10.0.0.1"}`, false))
	expectQuiet(t, events)

	l.Stop()
	l.Start(Options{Clear: true})
	send(t, l.LocalAddr(false), announcement(t, `{"gwId":"a","ip":"10.0.0.1"}`, false))
	if ev := nextEvent(t, events); ev.Record == nil || ev.Record.ID != "a" {
		t.Errorf("event after Clear = %+v", ev)
	}
}

func TestListener_RebindsAfterUnexpectedClose(t *testing.T) {
	cfg := loopbackConfig()
	cfg.PlainAddr = freePort(t)

	l := NewListener(cfg)
	defer l.Close()
	events, cancel := l.Subscribe(0)
	defer cancel()
	l.Start(Options{})

	addr := l.LocalAddr(false)
	l.mu.Lock()
	l.conns[0].Close()
	l.mu.Unlock()

	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		if l.LocalAddr(false) != nil {
			send(t, addr, announcement(t, `{"gwId":"back","ip":"10.0.0.4"}`, false))
			select {
			case ev := <-events:
				if ev.Record == nil || ev.Record.ID != "back" {
					t.Fatalf("event = %+v", ev)
				}
				return
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener did not rebind")
}

func TestListener_RetriesPortInUse(t *testing.T) {
	busy, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	cfg := loopbackConfig()
	cfg.PlainAddr = busy.LocalAddr().String()
	l := NewListener(cfg)
	defer l.Close()
	l.Start(Options{})

	if l.LocalAddr(false) != nil {
		busy.Close()
		t.Skip("platform allows sharing the port")
	}
	if l.LocalAddr(true) == nil {
		t.Error("encrypted port should bind independently")
	}
	busy.Close()

	deadline := time.Now().Add(eventTimeout)
	for l.LocalAddr(false) == nil {
		if time.Now().After(deadline) {
			t.Fatal("plain port was never retried")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListener_BadAddressStaysDown(t *testing.T) {
	cfg := loopbackConfig()
	cfg.PlainAddr = "not-an-address"
	l := NewListener(cfg)
	defer l.Close()

	l.Start(Options{})
	if l.LocalAddr(false) != nil {
		t.Error("plain socket bound to a bad address")
	}
	if l.LocalAddr(true) == nil {
		t.Error("encrypted socket should still be bound")
	}
}

func TestDiscover(t *testing.T) {
	cfg := loopbackConfig()
	cfg.EncryptedAddr = freePort(t)
	addr, err := net.ResolveUDPAddr("udp4", cfg.EncryptedAddr)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		// keep announcing until the scan picks it up
		for i := 0; i < 100; i++ {
			b, _ := protocol.EncodeBroadcast(0, []byte(`{"gwId":"devA","ip":"10.0.0.5"}`), true)
			if c, err := net.DialUDP("udp4", nil, addr); err == nil {
				c.Write(b)
				c.Close()
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	found, err := Discover(context.Background(), cfg, []string{"devA"}, eventTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != "devA" {
		t.Errorf("Discover() = %v", found)
	}
}
