package mqttpub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/protocol"
)

type published struct {
	topic    string
	retained bool
	payload  string
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) publish(topic string, retained bool, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic, retained, string(payload)})
	return nil
}

func (r *recorder) find(topic string) (published, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].topic == topic {
			return r.msgs[i], true
		}
	}
	return published{}, false
}

func newTestBridge(t *testing.T, prefix string) (*Bridge, *device.Hub, *recorder) {
	t.Helper()
	hub := device.NewHub()
	t.Cleanup(func() { hub.Close() })

	b, err := New(Config{Broker: "tcp://127.0.0.1:1883", TopicPrefix: prefix}, hub)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	b.publish = rec.publish
	return b, hub, rec
}

func TestNew(t *testing.T) {
	hub := device.NewHub()
	defer hub.Close()

	if _, err := New(Config{}, hub); !errors.Is(err, ErrNoBroker) {
		t.Errorf("New() without broker error = %v", err)
	}

	b, err := New(Config{Broker: "tcp://localhost:1883", TopicPrefix: "home/tuya/"}, hub)
	if err != nil {
		t.Fatal(err)
	}
	if b.Topics().Prefix != "home/tuya" {
		t.Errorf("prefix = %q", b.Topics().Prefix)
	}
	if b.cfg.ClientID != "tuyalan" {
		t.Errorf("ClientID = %q", b.cfg.ClientID)
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "tuyalan"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"status", topics.Status(), "tuyalan/status"},
		{"state", topics.State("bf01"), "tuyalan/bf01/state"},
		{"availability", topics.Availability("bf01"), "tuyalan/bf01/availability"},
		{"set", topics.Set("bf01"), "tuyalan/bf01/set"},
		{"all set", topics.AllSet(), "tuyalan/+/set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %s, want %s", tt.got, tt.want)
			}
		})
	}
}

func TestTopics_DeviceFromSet(t *testing.T) {
	topics := Topics{Prefix: "home/tuya"}

	tests := []struct {
		topic   string
		want    string
		wantErr bool
	}{
		{"home/tuya/bf01/set", "bf01", false},
		{"home/tuya/bf01/state", "", true},
		{"other/bf01/set", "", true},
		{"home/tuya//set", "", true},
		{"home/tuya/a/b/set", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := topics.DeviceFromSet(tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrBadTopic) {
					t.Errorf("error = %v, want ErrBadTopic", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("DeviceFromSet() = %q, %v", got, err)
			}
		})
	}
}

func TestHandleEvent(t *testing.T) {
	b, _, rec := newTestBridge(t, "")

	b.handleEvent(device.Event{Kind: device.EventConnect, DeviceID: "lamp"})
	if m, ok := rec.find("tuyalan/lamp/availability"); !ok || m.payload != Online || !m.retained {
		t.Errorf("availability after connect = %+v", m)
	}

	b.handleEvent(device.Event{
		Kind:     device.EventChange,
		DeviceID: "lamp",
		Changes:  protocol.DPS{"1": true},
		State:    protocol.DPS{"1": true, "2": 10.0},
	})
	m, ok := rec.find("tuyalan/lamp/state")
	if !ok || !m.retained {
		t.Fatalf("state = %+v", m)
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(m.payload), &state); err != nil {
		t.Fatal(err)
	}
	if state["1"] != true || state["2"] != 10.0 {
		t.Errorf("state payload = %s", m.payload)
	}

	// a failed first attempt was never online
	b.handleEvent(device.Event{Kind: device.EventDisconnect, DeviceID: "plug"})
	if _, ok := rec.find("tuyalan/plug/availability"); ok {
		t.Error("offline published for a device that never connected")
	}

	b.handleEvent(device.Event{Kind: device.EventDisconnect, DeviceID: "lamp", WasConnected: true})
	if m, _ := rec.find("tuyalan/lamp/availability"); m.payload != Offline {
		t.Errorf("availability after disconnect = %+v", m)
	}
}

func TestPublishAll(t *testing.T) {
	b, hub, rec := newTestBridge(t, "")
	if _, err := hub.Add(device.Config{ID: "lamp", Fake: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Add(device.Config{ID: "heater", Fake: true, Deferred: true}); err != nil {
		t.Fatal(err)
	}

	b.publishAll()

	if m, _ := rec.find("tuyalan/lamp/availability"); m.payload != Online {
		t.Errorf("lamp availability = %+v", m)
	}
	if m, _ := rec.find("tuyalan/lamp/state"); m.payload != "{}" {
		t.Errorf("lamp state = %+v", m)
	}
	if m, _ := rec.find("tuyalan/heater/availability"); m.payload != Offline {
		t.Errorf("heater availability = %+v", m)
	}
	if _, ok := rec.find("tuyalan/heater/state"); ok {
		t.Error("state published for an offline device")
	}
}

func TestHandleSet(t *testing.T) {
	b, hub, _ := newTestBridge(t, "")
	if _, err := hub.Add(device.Config{ID: "lamp", Fake: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Add(device.Config{ID: "heater", Fake: true, Deferred: true}); err != nil {
		t.Fatal(err)
	}
	events, cancel := hub.Subscribe(0)
	defer cancel()

	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"not a set topic", "tuyalan/lamp/state", `{"1":true}`, ErrBadTopic},
		{"unknown device", "tuyalan/nope/set", `{"1":true}`, device.ErrUnknownDevice},
		{"offline device", "tuyalan/heater/set", `{"1":true}`, device.ErrNotConnected},
		{"bad payload", "tuyalan/lamp/set", `on`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.handleSet(tt.topic, []byte(tt.payload))
			if err == nil {
				t.Fatal("handleSet() succeeded")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := b.handleSet("tuyalan/lamp/set", []byte(`{"1":true}`)); err != nil {
		t.Fatalf("handleSet() error = %v", err)
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == device.EventChange && ev.DeviceID == "lamp" {
				if ev.Changes["1"] != true {
					t.Errorf("changes = %v", ev.Changes)
				}
				return
			}
		case <-timeout:
			t.Fatal("no change event after set")
		}
	}
}
