package device

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/muurk/tuyalan/internal/protocol"
)

func TestSession_InjectedStatusChangesState(t *testing.T) {
	s := mustSession(t, Config{
		ID:       "abc123",
		Key:      testKey,
		IP:       "192.0.2.10",
		Version:  "3.3",
		Deferred: true,
	})
	events, cancel := s.Subscribe(0)
	defer cancel()

	codec, err := protocol.NewCodec(protocol.V33, []byte(testKey))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := codec.Encode(1, protocol.CmdStatus, []byte(`{"dps":{"1":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	inject(s, raw)

	ev := waitEvent(t, events, EventChange)
	if len(ev.Changes) != 1 || ev.Changes["1"] != true {
		t.Errorf("Changes = %v, want {1:true}", ev.Changes)
	}
	if ev.DeviceID != "abc123" {
		t.Errorf("DeviceID = %q", ev.DeviceID)
	}
	if got := s.State()["1"]; got != true {
		t.Errorf("State()[1] = %v, want true", got)
	}
}

func TestSession_ChangeIsIdempotent(t *testing.T) {
	s := mustSession(t, Config{ID: "abc123", Key: testKey, IP: "192.0.2.10", Version: "3.3", Deferred: true})
	events, cancel := s.Subscribe(0)
	defer cancel()

	codec, err := protocol.NewCodec(protocol.V33, []byte(testKey))
	if err != nil {
		t.Fatal(err)
	}
	same, _ := codec.Encode(1, protocol.CmdStatus, []byte(`{"dps":{"1":true,"2":40}}`))
	marker, _ := codec.Encode(2, protocol.CmdStatus, []byte(`{"dps":{"3":"done"}}`))

	inject(s, same)
	inject(s, same)
	inject(s, marker)

	var changes []Event
	for len(changes) == 0 || changes[len(changes)-1].Changes["3"] == nil {
		changes = append(changes, waitEvent(t, events, EventChange))
	}
	if len(changes) != 2 {
		t.Fatalf("got %d change events, want 2 (repeat must be silent)", len(changes))
	}
	if len(changes[0].Changes) != 2 {
		t.Errorf("first Changes = %v", changes[0].Changes)
	}
	if len(changes[1].Changes) != 1 || len(changes[1].State) != 3 {
		t.Errorf("marker event = %v / %v", changes[1].Changes, changes[1].State)
	}
}

func TestSession_OddFramesAreIgnored(t *testing.T) {
	s := mustSession(t, Config{ID: "abc123", Key: testKey, IP: "192.0.2.10", Version: "3.3", Deferred: true})
	events, cancel := s.Subscribe(0)
	defer cancel()

	codec, _ := protocol.NewCodec(protocol.V33, []byte(testKey))
	notJSON, _ := codec.Encode(1, protocol.CmdStatus, []byte(`not json`))
	unavailable, _ := codec.Encode(2, protocol.CmdDPQuery, []byte(protocol.StateUnavailable))
	corrupt, _ := codec.Encode(3, protocol.CmdStatus, []byte(`{"dps":{"9":1}}`))
	corrupt[len(corrupt)-5] ^= 0xff
	marker, _ := codec.Encode(4, protocol.CmdStatus, []byte(`{"dps":{"1":false}}`))

	for _, raw := range [][]byte{notJSON, unavailable, corrupt, []byte("garbage"), marker} {
		inject(s, raw)
	}

	ev := waitEvent(t, events, EventChange)
	if len(ev.Changes) != 1 || ev.Changes["1"] != false {
		t.Errorf("first change = %v, want only the marker", ev.Changes)
	}
}

func TestSession_SequenceNumbers(t *testing.T) {
	override(t, &firstPingDelay, time.Hour)

	dev := newFakeDevice(t, protocol.V33)
	s := mustSession(t, dev.config("seqdev"))
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	dc := dev.nextConn()
	waitEvent(t, events, EventConnect)
	if intro := dc.expect(t, protocol.CmdDPQuery); intro.Sequence != 1 {
		t.Errorf("intro query seq = %d, want 1", intro.Sequence)
	}

	for i := 2; i <= 6; i++ {
		if !s.Update(map[string]any{"1": i%2 == 0}) {
			t.Fatalf("Update %d returned false", i)
		}
		if msg := dc.expect(t, protocol.CmdControl); msg.Sequence != uint32(i) {
			t.Errorf("update seq = %d, want %d", msg.Sequence, i)
		}
	}

	// no data point keys: a state query with a fresh number
	if !s.Update(map[string]any{"power": true, "NaN": 1}) {
		t.Fatal("query Update returned false")
	}
	if msg := dc.expect(t, protocol.CmdDPQuery); msg.Sequence != 7 {
		t.Errorf("query seq = %d, want 7", msg.Sequence)
	}

	s.Update(map[string]any{"2": 10})
	if msg := dc.expect(t, protocol.CmdControl); msg.Sequence != 8 {
		t.Errorf("seq after query = %d, want 8", msg.Sequence)
	}
}

func TestSession_SendEmptyUpdate(t *testing.T) {
	override(t, &firstPingDelay, time.Hour)

	dev := newFakeDevice(t, protocol.V33)
	cfg := dev.config("emptydev")
	cfg.SendEmptyUpdate = true
	s := mustSession(t, cfg)
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	dc := dev.nextConn()
	waitEvent(t, events, EventConnect)
	dc.expect(t, protocol.CmdDPQuery)
	s.Update(map[string]any{"1": true})

	first := dc.expect(t, protocol.CmdControl)
	second := dc.expect(t, protocol.CmdControl)
	if len(first.Payload) == 0 {
		t.Error("first control has no payload")
	}
	if len(second.Payload) != 0 {
		t.Errorf("empty control payload = %q", second.Payload)
	}
	if first.Sequence != 2 || second.Sequence != 2 {
		t.Errorf("seqs = %d, %d, want 2, 2", first.Sequence, second.Sequence)
	}
}

func TestSession_DeviceStatusPush(t *testing.T) {
	override(t, &firstPingDelay, time.Hour)

	dev := newFakeDevice(t, protocol.V33)
	s := mustSession(t, dev.config("pushdev"))
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	dc := dev.nextConn()
	waitEvent(t, events, EventConnect)
	dc.expect(t, protocol.CmdDPQuery)

	dc.write(protocol.CmdDPQuery, []byte(`{"devId":"pushdev","dps":{"1":true,"2":25}}`))
	ev := waitEvent(t, events, EventChange)
	if ev.Changes["1"] != true || ev.Changes["2"] != float64(25) {
		t.Errorf("Changes = %v", ev.Changes)
	}

	dc.write(protocol.CmdStatus, []byte(`{"dps":{"2":26}}`))
	ev = waitEvent(t, events, EventChange)
	if len(ev.Changes) != 1 || ev.State["1"] != true || ev.State["2"] != float64(26) {
		t.Errorf("second event = %v / %v", ev.Changes, ev.State)
	}
}

func TestSession_HeartbeatKeepsSessionAlive(t *testing.T) {
	override(t, &firstPingDelay, 10*time.Millisecond)
	override(t, &pingRetryDeadline, 50*time.Millisecond)

	dev := newFakeDevice(t, protocol.V33)
	cfg := dev.config("pingdev")
	cfg.PingGap = 20 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond
	s := mustSession(t, cfg)
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	dc := dev.nextConn()
	waitEvent(t, events, EventConnect)
	for i := 0; i < 5; i++ {
		dc.expect(t, protocol.CmdHeartBeat)
		dc.write(protocol.CmdHeartBeat, nil)
	}

	if !s.Connected() {
		t.Fatal("session dropped while pongs were answered")
	}
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventDisconnect {
				t.Fatalf("unexpected disconnect: %v", ev.Err)
			}
		default:
			return
		}
	}
}

func TestSession_PingTimeout(t *testing.T) {
	override(t, &firstPingDelay, 10*time.Millisecond)
	override(t, &pingRetryDeadline, 20*time.Millisecond)
	override(t, &reconnectDelay, time.Hour)

	dev := newFakeDevice(t, protocol.V33)
	cfg := dev.config("silentdev")
	cfg.PingTimeout = 20 * time.Millisecond
	s := mustSession(t, cfg)
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	dc := dev.nextConn()
	waitEvent(t, events, EventConnect)

	ev := waitEvent(t, events, EventDisconnect)
	if !errors.Is(ev.Err, ErrPingTimeout) {
		t.Errorf("Err = %v, want ErrPingTimeout", ev.Err)
	}
	if ev.Class != ClassTimeout || !ev.WasConnected || ev.RetryIn != time.Hour {
		t.Errorf("event = %+v", ev)
	}

	// first ping and its retry
	dc.expect(t, protocol.CmdHeartBeat)
	dc.expect(t, protocol.CmdHeartBeat)
	if s.Connected() {
		t.Error("Connected() = true after ping timeout")
	}
}

func TestSession_ReconnectsAfterDeviceCloses(t *testing.T) {
	override(t, &firstPingDelay, time.Hour)

	dev := newFakeDevice(t, protocol.V33)
	s := mustSession(t, dev.config("flaky"))
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	first := dev.nextConn()
	waitEvent(t, events, EventConnect)
	first.expect(t, protocol.CmdDPQuery)
	s.Update(map[string]any{"1": true})
	first.expect(t, protocol.CmdControl)
	_ = first.conn.Close()

	ev := waitEvent(t, events, EventDisconnect)
	if ev.Class != ClassEOF && ev.Class != ClassReset {
		t.Errorf("Class = %s, want eof or reset", ev.Class)
	}
	if ev.RetryIn != 0 {
		t.Errorf("RetryIn = %v, want immediate", ev.RetryIn)
	}

	second := dev.nextConn()
	waitEvent(t, events, EventConnect)
	if msg := second.expect(t, protocol.CmdDPQuery); msg.Sequence != 1 {
		t.Errorf("intro seq on new socket = %d, want 1", msg.Sequence)
	}
}

func TestSession_ConnectTimeout(t *testing.T) {
	override(t, &reconnectDelay, time.Hour)

	hang := func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := mustSession(t, Config{
		ID:             "hang",
		Key:            testKey,
		IP:             "192.0.2.10",
		Version:        "3.3",
		ConnectTimeout: 20 * time.Millisecond,
		Deferred:       true,
	}, WithDialer(hang))
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	ev := waitEvent(t, events, EventDisconnect)
	if !errors.Is(ev.Err, ErrConnectTimeout) {
		t.Errorf("Err = %v, want ErrConnectTimeout", ev.Err)
	}
	if ev.WasConnected {
		t.Error("WasConnected = true for a socket that never opened")
	}
	if ev.RetryIn != time.Hour {
		t.Errorf("RetryIn = %v, want the base delay", ev.RetryIn)
	}
}

func TestSession_Handshake34(t *testing.T) {
	override(t, &firstPingDelay, time.Hour)

	dev := newFakeDevice(t, protocol.V34)
	s := mustSession(t, dev.config("dev34"))
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	dc := dev.nextConn()
	dc.expect(t, protocol.CmdSessKeyNegStart)
	dc.expect(t, protocol.CmdSessKeyNegFinish)
	waitEvent(t, events, EventConnect)
	if !s.Connected() {
		t.Fatal("Connected() = false after negotiation")
	}

	// the device only decodes this under the derived key
	dc.expect(t, protocol.CmdDPQueryNew)

	want, err := protocol.DeriveSessionKey([]byte(testKey), dc.local, dc.remote)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s.codec.(protocol.SessionKeyer).SessionKey()
	if !ok || got != want {
		t.Errorf("session key = %x (set=%v), want %x", got, ok, want)
	}

	dc.write(protocol.CmdStatus, []byte(`{"dps":{"20":true}}`))
	ev := waitEvent(t, events, EventChange)
	if ev.Changes["20"] != true {
		t.Errorf("Changes = %v", ev.Changes)
	}

	s.Update(map[string]any{"20": false})
	if msg := dc.expect(t, protocol.CmdControlNew); len(msg.Payload) == 0 {
		t.Error("control_new has no payload")
	}
}

func TestSession_IntegrityFailureRenegotiates(t *testing.T) {
	override(t, &firstPingDelay, time.Hour)

	dev := newFakeDevice(t, protocol.V34)
	s := mustSession(t, dev.config("dev34"))
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	dc := dev.nextConn()
	waitEvent(t, events, EventConnect)
	dc.expect(t, protocol.CmdDPQueryNew)

	// signed with the device key instead of the session key
	stale, _ := protocol.NewCodec(protocol.V34, []byte(testKey))
	raw, _ := stale.Encode(9, protocol.CmdStatus, []byte(`{"dps":{"1":true}}`))
	_, _ = dc.conn.Write(raw)

	ev := waitEvent(t, events, EventDisconnect)
	if ev.Class != ClassIntegrity || ev.RetryIn != 0 {
		t.Errorf("event = %s retry %v, want integrity retry 0", ev.Class, ev.RetryIn)
	}
	var ie *protocol.IntegrityError
	if !errors.As(ev.Err, &ie) {
		t.Errorf("Err = %v, want *IntegrityError", ev.Err)
	}

	again := dev.nextConn()
	again.expect(t, protocol.CmdSessKeyNegStart)
	waitEvent(t, events, EventConnect)
	if _, ok := s.State()["1"]; ok {
		t.Error("state changed from an unauthenticated frame")
	}
}

func TestSession_UpdateWhileDisconnected(t *testing.T) {
	s := mustSession(t, Config{ID: "x", Key: testKey, IP: "192.0.2.10", Version: "3.3", Deferred: true})
	if s.Update(map[string]any{"1": true}) {
		t.Error("Update() = true on an unconnected session")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	override(t, &firstPingDelay, time.Hour)

	dev := newFakeDevice(t, protocol.V33)
	s, err := New(dev.config("closer"))
	if err != nil {
		t.Fatal(err)
	}
	events, _ := s.Subscribe(0)
	s.Start()
	dev.nextConn()
	waitEvent(t, events, EventConnect)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events, EventDisconnect)
	if ev.Class != ClassClosed {
		t.Errorf("Class = %s, want closed", ev.Class)
	}
	if _, ok := <-events; ok {
		t.Error("event channel still open after Close")
	}
	if s.Connected() || s.Update(map[string]any{"1": true}) {
		t.Error("closed session still reports connected")
	}
}

func TestSession_Fake(t *testing.T) {
	override(t, &fakeEchoDelay, 50*time.Millisecond)

	s := mustSession(t, Config{ID: "fake1", Fake: true, NoIntro: true, Deferred: true})
	events, cancel := s.Subscribe(0)
	defer cancel()
	s.Start()

	waitEvent(t, events, EventConnect)
	intro := waitEvent(t, events, EventChange)
	if len(intro.Changes) != 0 {
		t.Errorf("intro Changes = %v, want empty", intro.Changes)
	}

	if !s.Update(map[string]any{"1": true, "name": "ignored"}) {
		t.Fatal("Update() = false on fake session")
	}
	if len(s.State()) != 0 {
		t.Error("state changed before the echo")
	}
	ev := waitEvent(t, events, EventChange)
	if len(ev.Changes) != 1 || ev.Changes["1"] != true {
		t.Errorf("Changes = %v", ev.Changes)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"missing id", Config{Key: testKey, IP: "10.0.0.1"}, ErrInsufficientConfig},
		{"missing key", Config{ID: "a", IP: "10.0.0.1"}, ErrInsufficientConfig},
		{"missing ip", Config{ID: "a", Key: testKey}, ErrInsufficientConfig},
		{"bad key", Config{ID: "a", Key: "short", IP: "10.0.0.1"}, protocol.ErrInvalidKey},
		{"bad version", Config{ID: "a", Key: testKey, IP: "10.0.0.1", Version: "2.0"}, protocol.ErrUnsupportedVersion},
		{"fake needs only id", Config{ID: "a", Fake: true, Deferred: true}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("New() error: %v", err)
				}
				_ = s.Close()
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{ID: "a", Key: testKey, IP: "10.0.0.1"}.withDefaults()
	if cfg.Port != protocol.DefaultPort || cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Addr() != "10.0.0.1:6668" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if got := cfg.pingGap(protocol.V31); got != DefaultPingGap {
		t.Errorf("3.1 ping gap = %v, want %v", got, DefaultPingGap)
	}
	if got := cfg.pingGap(protocol.V33); got != modernPingGapCap {
		t.Errorf("3.3 ping gap = %v, want %v", got, modernPingGapCap)
	}
	cfg.PingGap = 2 * time.Second
	if got := cfg.pingGap(protocol.V34); got != 2*time.Second {
		t.Errorf("short ping gap = %v, want 2s", got)
	}
}
