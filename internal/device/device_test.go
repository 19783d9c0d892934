package device

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/muurk/tuyalan/internal/protocol"
)

const testKey = "0123456789abcdef"

// override sets *p to v for the duration of the test
func override[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

// fakeDevice accepts sessions on loopback and decodes what they send.
type fakeDevice struct {
	t       *testing.T
	ln      net.Listener
	version protocol.Version
	conns   chan *deviceConn
}

type deviceConn struct {
	conn  net.Conn
	codec protocol.Codec
	msgs  chan *protocol.Message

	mu     sync.Mutex
	seq    uint32
	local  [protocol.NonceSize]byte
	remote [protocol.NonceSize]byte
}

func newFakeDevice(t *testing.T, v protocol.Version) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDevice{t: t, ln: ln, version: v, conns: make(chan *deviceConn, 8)}
	t.Cleanup(func() { _ = ln.Close() })
	go d.accept()
	return d
}

func (d *fakeDevice) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

func (d *fakeDevice) config(id string) Config {
	return Config{
		ID:       id,
		Key:      testKey,
		IP:       "127.0.0.1",
		Port:     d.port(),
		Version:  string(d.version),
		Deferred: true,
	}
}

func (d *fakeDevice) accept() {
	for {
		c, err := d.ln.Accept()
		if err != nil {
			return
		}
		codec, err := protocol.NewCodec(d.version, []byte(testKey))
		if err != nil {
			_ = c.Close()
			return
		}
		dc := &deviceConn{conn: c, codec: codec, msgs: make(chan *protocol.Message, 64)}
		copy(dc.remote[:], bytes.Repeat([]byte{0x42}, protocol.NonceSize))
		go dc.read()
		d.conns <- dc
	}
}

// nextConn waits for the session to open a socket
func (d *fakeDevice) nextConn() *deviceConn {
	d.t.Helper()
	select {
	case dc := <-d.conns:
		d.t.Cleanup(func() { _ = dc.conn.Close() })
		return dc
	case <-time.After(2 * time.Second):
		d.t.Fatal("session never connected")
		return nil
	}
}

func (dc *deviceConn) read() {
	defer close(dc.msgs)
	var sp protocol.Splitter
	buf := make([]byte, 4096)
	for {
		n, err := dc.conn.Read(buf)
		for _, raw := range sp.Feed(buf[:n]) {
			msg, derr := dc.codec.Decode(raw)
			if derr != nil {
				continue
			}
			dc.negotiate(msg)
			dc.msgs <- msg
		}
		if err != nil {
			return
		}
	}
}

// negotiate plays the device side of the 3.4 key exchange
func (dc *deviceConn) negotiate(msg *protocol.Message) {
	switch msg.Command {
	case protocol.CmdSessKeyNegStart:
		copy(dc.local[:], msg.Payload)
		dc.write(protocol.CmdSessKeyNegResp, protocol.DeviceResponse([]byte(testKey), dc.local, dc.remote))
	case protocol.CmdSessKeyNegFinish:
		if err := protocol.VerifyFinish([]byte(testKey), dc.remote, msg.Payload); err != nil {
			return
		}
		key, err := protocol.DeriveSessionKey([]byte(testKey), dc.local, dc.remote)
		if err != nil {
			return
		}
		dc.codec.(protocol.SessionKeyer).SetSessionKey(key)
	}
}

func (dc *deviceConn) write(cmd protocol.Command, payload []byte) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.seq++
	raw, err := dc.codec.Encode(dc.seq, cmd, payload)
	if err != nil {
		return
	}
	_, _ = dc.conn.Write(raw)
}

// expect waits for the next frame carrying cmd, skipping heartbeats and
// negotiation frames.
func (dc *deviceConn) expect(t *testing.T, cmd protocol.Command) *protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-dc.msgs:
			if !ok {
				t.Fatalf("connection closed waiting for %s", cmd)
			}
			if msg.Command == cmd {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", cmd)
		}
	}
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func mustSession(t *testing.T, cfg Config, opts ...Option) *Session {
	t.Helper()
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// inject delivers raw to the decode worker as if read from the socket
func inject(s *Session, raw []byte) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.enqueue(gen, raw)
}
