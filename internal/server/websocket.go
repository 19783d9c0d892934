package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/discovery"
	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Per-client outbound buffer
	clientBuffer = 256
)

// Message types on the event stream
const (
	TypeSnapshot   = "snapshot"
	TypeConnect    = "connect"
	TypeChange     = "change"
	TypeDisconnect = "disconnect"
	TypeDiscover   = "discover"
)

// Message is one item on the /api/events stream
type Message struct {
	Type    string       `json:"type"`
	Device  string       `json:"device"`
	Time    time.Time    `json:"time"`
	Changes protocol.DPS `json:"changes,omitempty"`
	State   protocol.DPS `json:"state,omitempty"`

	// disconnect
	Error   string `json:"error,omitempty"`
	Class   string `json:"class,omitempty"`
	RetryIn string `json:"retry_in,omitempty"`

	// snapshot and discover
	Connected bool   `json:"connected,omitempty"`
	IP        string `json:"ip,omitempty"`
	Version   string `json:"version,omitempty"`
}

// MessageFromEvent converts a session event for the stream
func MessageFromEvent(ev device.Event) Message {
	m := Message{
		Type:   string(ev.Kind),
		Device: ev.DeviceID,
		Time:   ev.Time.UTC(),
	}
	switch ev.Kind {
	case device.EventChange:
		m.Changes = ev.Changes
		m.State = ev.State
	case device.EventDisconnect:
		if ev.Err != nil {
			m.Error = ev.Err.Error()
		}
		m.Class = ev.Class.String()
		m.RetryIn = ev.RetryIn.String()
	}
	return m
}

// MessageFromRecord converts a discovered device for the stream
func MessageFromRecord(rec *discovery.Record) Message {
	return Message{
		Type:    TypeDiscover,
		Device:  rec.ID,
		Time:    rec.DiscoveredAt.UTC(),
		IP:      rec.IP,
		Version: rec.Version(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// origins are handled by the CORS middleware
		return true
	},
}

type wsClient struct {
	stream *eventStream
	conn   *websocket.Conn
	send   chan []byte
	addr   string
}

// eventStream fans session events out to websocket clients
type eventStream struct {
	snapshot func() []Message

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newEventStream(snapshot func() []Message) *eventStream {
	return &eventStream{
		snapshot: snapshot,
		clients:  make(map[*wsClient]struct{}),
	}
}

func (e *eventStream) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Info("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &wsClient{
		stream: e,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		addr:   r.RemoteAddr,
	}
	if e.snapshot != nil {
		for _, m := range e.snapshot() {
			data, err := json.Marshal(m)
			if err != nil {
				continue
			}
			select {
			case c.send <- data:
			default:
			}
		}
	}
	if !e.register(c) {
		conn.Close()
		return
	}
	logging.LogConnection("", c.addr, "websocket_opened")

	go c.writePump()
	go c.readPump()
}

func (e *eventStream) register(c *wsClient) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.clients[c] = struct{}{}
	return true
}

// unregister removes c. Only the caller that removes it closes send.
func (e *eventStream) unregister(c *wsClient) {
	e.mu.Lock()
	_, existed := e.clients[c]
	delete(e.clients, c)
	e.mu.Unlock()
	if existed {
		close(c.send)
	}
}

func (e *eventStream) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		logging.Error("Failed to marshal event", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.clients {
		select {
		case c.send <- data:
		default:
			logging.Warn("Dropping event for slow websocket client", zap.String("remote_addr", c.addr))
		}
	}
}

func (e *eventStream) clientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

func (e *eventStream) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for c := range e.clients {
		close(c.send)
		delete(e.clients, c)
	}
}

// readPump discards client messages and keeps the read deadline fresh
func (c *wsClient) readPump() {
	defer func() {
		c.stream.unregister(c)
		c.conn.Close()
		logging.LogConnection("", c.addr, "websocket_closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Info("WebSocket read error", zap.String("remote_addr", c.addr), zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
