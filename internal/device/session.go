package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/protocol"
)

// Timings that tests shorten
var (
	firstPingDelay    = time.Second
	pingRetryDeadline = 5 * time.Second
	fakeEchoDelay     = time.Second
	writeTimeout      = 5 * time.Second
)

const (
	queueSize  = 32
	readBuffer = 4096
)

// DialFunc opens the TCP connection to a device
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option configures a Session
type Option func(*Session)

// WithBroker publishes the session's events on b instead of a private
// broker. Closing the session leaves b open.
func WithBroker(b *Broker) Option {
	return func(s *Session) {
		s.broker = b
	}
}

// WithDialer replaces the dialer used to reach the device
func WithDialer(d DialFunc) Option {
	return func(s *Session) {
		s.dial = d
	}
}

type inbound struct {
	gen uint64
	raw []byte
}

// Session is a reconnecting client for one device.
//
// Every socket gets a generation number. Timers, the read loop and queued
// frames carry the generation they belong to and are ignored once it is
// stale, so a late callback from an old socket can never touch the new one.
type Session struct {
	cfg     Config
	version protocol.Version
	key     []byte
	codec   protocol.Codec

	state      *State
	broker     *Broker
	ownsBroker bool
	dial       DialFunc
	attempts   *attemptCounter
	now        func() time.Time

	queue chan inbound
	done  chan struct{}
	wg    sync.WaitGroup

	// writeMu orders sequence allocation with the socket write. It is
	// always taken before mu.
	writeMu sync.Mutex

	mu         sync.Mutex
	timers     ConnectionTimers
	conn       net.Conn
	cancelDial context.CancelFunc
	gen        uint64
	connID     string
	seq        uint32
	connected  bool
	started    bool
	closed     bool
	handshake  *protocol.Handshake
}

// New creates a session for cfg and starts connecting unless cfg.Deferred
// is set.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	version, err := protocol.ParseVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
	}

	s := &Session{
		cfg:      cfg,
		version:  version,
		state:    NewState(),
		attempts: newAttemptCounter(attemptWindow),
		now:      time.Now,
		queue:    make(chan inbound, queueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = NewBroker()
		s.ownsBroker = true
	}
	if s.dial == nil {
		var d net.Dialer
		s.dial = d.DialContext
	}

	if !cfg.Fake {
		s.key, err = protocol.ParseKey(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
		}
		s.codec, err = protocol.NewCodec(version, s.key)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
		}
	}

	s.wg.Add(1)
	go s.worker()

	if !cfg.Deferred {
		s.Start()
	}
	return s, nil
}

// Start begins connecting. It is a no-op after the first call.
func (s *Session) Start() {
	s.mu.Lock()
	if s.closed || s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Fake {
		s.startFake()
		return
	}
	s.connect()
}

// ID returns the device id
func (s *Session) ID() string {
	return s.cfg.ID
}

// Config returns the session configuration with defaults applied
func (s *Session) Config() Config {
	return s.cfg
}

// Version returns the protocol version in use
func (s *Session) Version() protocol.Version {
	return s.version
}

// Connected reports whether the session is live. On 3.4 this includes a
// completed key negotiation.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// State returns a copy of the last reported data points
func (s *Session) State() protocol.DPS {
	return s.state.Snapshot()
}

// Subscribe returns a channel of this session's events. With a shared
// broker the channel also carries events of other sessions.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.broker.Subscribe(buffer)
}

// Update sends data points to the device and reports whether a send was
// attempted. Keys that are not data point ids are ignored; when none are
// left a state query is sent instead. The local state only changes once
// the device reports the new values.
func (s *Session) Update(dps map[string]any) bool {
	if s.cfg.Fake {
		return s.fakeUpdate(dps)
	}

	s.mu.Lock()
	connected, gen := s.connected, s.gen
	s.mu.Unlock()
	if !connected {
		return false
	}

	points := protocol.FilterDataPoints(dps)
	if len(points) == 0 {
		s.sendQuery(gen)
		return true
	}

	cmd, body, err := protocol.BuildControl(s.version, s.cfg.ID, s.now(), points)
	if err != nil {
		logging.Error("Failed to build control", append(s.fields(), zap.Error(err))...)
		return false
	}
	if err := s.send(gen, cmd, body); err != nil {
		logging.Debug("Update not sent", append(s.fields(), zap.Error(err))...)
		return true
	}
	if s.cfg.SendEmptyUpdate {
		_ = s.send(gen, cmd, nil)
	}
	return true
}

// Close stops the session and releases its socket and timers. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	conn := s.conn
	s.conn = nil
	cancel := s.cancelDial
	s.cancelDial = nil
	wasConnected := s.connected
	s.connected = false
	s.handshake = nil
	s.timers.stopAll()
	s.clearSessionKey()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	close(s.done)
	s.wg.Wait()

	if wasConnected {
		s.publish(Event{
			Kind:         EventDisconnect,
			Err:          ErrClosed,
			Class:        ClassClosed,
			WasConnected: true,
		})
	}
	if s.ownsBroker {
		s.broker.Close()
	}
	logging.Debug("Session closed", s.fields()...)
	return nil
}

// connect opens a new socket generation. It runs from Start and from the
// reconnect timer.
func (s *Session) connect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers.Reconnect = nil
	if s.closed {
		return
	}

	s.gen++
	gen := s.gen
	s.connID = uuid.NewString()
	s.seq = 0
	s.connected = false
	s.handshake = nil
	s.timers.stopConnection()
	s.clearSessionKey()

	attempt := s.attempts.add()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	s.timers.armConnect(s.cfg.ConnectTimeout, func() {
		s.fail(gen, ErrConnectTimeout)
	})

	logging.Debug("Connecting", append(s.fieldsLocked(),
		zap.String("addr", s.cfg.Addr()),
		zap.Int("attempt", attempt),
	)...)

	go s.dialAndRun(ctx, gen)
}

func (s *Session) dialAndRun(ctx context.Context, gen uint64) {
	conn, err := s.dial(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		s.fail(gen, err)
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	connID := s.connID
	s.mu.Unlock()

	logging.LogConnection(s.cfg.ID, conn.RemoteAddr().String(), "socket_connected",
		zap.String("conn_id", connID))

	go s.readLoop(gen, conn)

	if s.version == protocol.V34 {
		s.startHandshake(gen)
		return
	}
	s.markLive(gen)
}

func (s *Session) readLoop(gen uint64, conn net.Conn) {
	var splitter protocol.Splitter
	buf := make([]byte, readBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, raw := range splitter.Feed(buf[:n]) {
				if !s.enqueue(gen, raw) {
					return
				}
			}
		}
		if err != nil {
			s.fail(gen, err)
			return
		}
	}
}

// enqueue hands a frame to the decode worker. It returns false once the
// session is closed.
func (s *Session) enqueue(gen uint64, raw []byte) bool {
	select {
	case s.queue <- inbound{gen: gen, raw: raw}:
		return true
	case <-s.done:
		return false
	}
}

// worker decodes frames one at a time in arrival order
func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case in := <-s.queue:
			s.handleFrame(in)
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleFrame(in inbound) {
	s.mu.Lock()
	current := s.gen
	s.mu.Unlock()
	if in.gen != current {
		return
	}

	msg, err := s.codec.Decode(in.raw)
	if err != nil {
		var ie *protocol.IntegrityError
		if errors.As(err, &ie) {
			logging.Warn("Frame failed authentication, renegotiating", append(s.fields(), zap.Error(err))...)
			s.fail(in.gen, err)
			return
		}
		logging.Info("Dropping malformed frame", append(s.fields(), zap.Error(err))...)
		logging.LogRawBytes("Malformed frame", in.raw)
		return
	}
	logging.LogFrame("recv", s.cfg.ID, msg.Command, msg.Sequence, in.raw)

	switch msg.Command {
	case protocol.CmdHeartBeat:
		s.onPong(in.gen)
		return
	case protocol.CmdSessKeyNegResp:
		s.onNegotiationResponse(in.gen, msg)
		return
	}

	payload := bytes.TrimSpace(msg.Payload)
	if len(payload) == 0 {
		return
	}
	if string(payload) == protocol.StateUnavailable {
		logging.Info("Device reported its state as unavailable", s.fields()...)
		return
	}
	if msg.DecryptErr != nil {
		logging.Info("Odd message", append(s.fields(),
			zap.Stringer("cmd", msg.Command),
			zap.Error(msg.DecryptErr),
		)...)
		return
	}

	p, err := protocol.ParsePayload(payload)
	if err != nil {
		logging.Info("Odd message", append(s.fields(),
			zap.Stringer("cmd", msg.Command),
			zap.Error(err),
		)...)
		return
	}
	if p.DPS != nil {
		s.applyDPS(p.DPS)
	}
}

func (s *Session) applyDPS(dps protocol.DPS) {
	changes, full := s.state.Apply(dps)
	if len(changes) == 0 {
		return
	}
	s.publish(Event{
		Kind:    EventChange,
		Changes: changes,
		State:   full,
	})
}

func (s *Session) startHandshake(gen uint64) {
	hs, err := protocol.NewHandshake(s.key, nil)
	if err != nil {
		s.fail(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.handshake = hs
	s.mu.Unlock()

	logging.Debug("Starting key negotiation", s.fields()...)
	_ = s.send(gen, protocol.CmdSessKeyNegStart, hs.StartPayload())
}

func (s *Session) onNegotiationResponse(gen uint64, msg *protocol.Message) {
	s.mu.Lock()
	hs := s.handshake
	s.handshake = nil
	s.mu.Unlock()

	if hs == nil {
		logging.Info("Unexpected negotiation response", s.fields()...)
		return
	}

	finish, key, err := hs.Respond(msg.Payload)
	if err != nil {
		logging.Warn("Key negotiation failed", append(s.fields(), zap.Error(err))...)
		s.fail(gen, err)
		return
	}
	if err := s.send(gen, protocol.CmdSessKeyNegFinish, finish); err != nil {
		return
	}
	if sk, ok := s.codec.(protocol.SessionKeyer); ok {
		sk.SetSessionKey(key)
	}
	logging.Debug("Key negotiation complete", s.fields()...)
	s.markLive(gen)
}

// markLive flags the socket as usable, announces it and sends the intro
// query.
func (s *Session) markLive(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.connected = true
	stopTimer(&s.timers.Connect)
	s.timers.armPing(firstPingDelay, func() { s.ping(gen) })
	s.mu.Unlock()

	logging.Info("Device connected", s.fields()...)
	s.publish(Event{Kind: EventConnect})
	if s.cfg.NoIntro {
		s.publish(Event{
			Kind:    EventChange,
			Changes: protocol.DPS{},
			State:   s.state.Snapshot(),
		})
	}
	s.sendQuery(gen)
}

func (s *Session) sendQuery(gen uint64) {
	cmd, body, err := protocol.BuildQuery(s.version, s.cfg.ID)
	if err != nil {
		logging.Error("Failed to build query", append(s.fields(), zap.Error(err))...)
		return
	}
	_ = s.send(gen, cmd, body)
}

// ping sends a heartbeat. An unanswered heartbeat is retried once; the
// retry gets pingRetryDeadline before the socket is torn down.
func (s *Session) ping(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timers.armPong(s.cfg.PingTimeout, func() { s.retryPing(gen) })
	s.mu.Unlock()

	_ = s.send(gen, protocol.CmdHeartBeat, nil)
}

func (s *Session) retryPing(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timers.armPong(pingRetryDeadline, func() { s.fail(gen, ErrPingTimeout) })
	s.mu.Unlock()

	logging.Debug("Ping unanswered, retrying", s.fields()...)
	_ = s.send(gen, protocol.CmdHeartBeat, nil)
}

func (s *Session) onPong(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.connected {
		return
	}
	stopTimer(&s.timers.Pong)
	s.timers.armPing(s.cfg.pingGap(s.version), func() { s.ping(gen) })
}

// send frames and writes one command on socket generation gen.
func (s *Session) send(gen uint64, cmd protocol.Command, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	if protocol.AdvancesSequence(cmd, payload) {
		s.seq++
	}
	seq := s.seq
	s.mu.Unlock()

	raw, err := s.codec.Encode(seq, cmd, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", cmd, err)
	}
	logging.LogFrame("send", s.cfg.ID, cmd, seq, raw)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(raw); err != nil {
		s.fail(gen, err)
		return fmt.Errorf("failed to write %s: %w", cmd, err)
	}
	return nil
}

// fail tears down socket generation gen and schedules a reconnect.
func (s *Session) fail(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	conn := s.conn
	s.conn = nil
	cancel := s.cancelDial
	s.cancelDial = nil
	wasConnected := s.connected
	s.connected = false
	s.handshake = nil
	s.timers.stopConnection()
	s.clearSessionKey()

	class := ClassifyError(cause)
	attempts := s.attempts.count()
	delay := retryDelay(class, attempts)
	armed := s.timers.armReconnect(delay, s.connect)
	fields := append(s.fieldsLocked(),
		zap.Error(cause),
		zap.Stringer("class", class),
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", delay),
		zap.Bool("reconnect_armed", armed),
	)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	level := zapcore.InfoLevel
	if class == ClassResource || class == ClassIntegrity || delay == reconnectSlowDelay {
		level = zapcore.WarnLevel
	}
	if ce := logging.GetLogger().Check(level, "Connection lost"); ce != nil {
		ce.Write(fields...)
	}

	s.publish(Event{
		Kind:         EventDisconnect,
		Err:          cause,
		Class:        class,
		RetryIn:      delay,
		WasConnected: wasConnected,
	})
}

// clearSessionKey drops a negotiated 3.4 key. Callers hold mu.
func (s *Session) clearSessionKey() {
	if sk, ok := s.codec.(protocol.SessionKeyer); ok {
		sk.ClearSessionKey()
	}
}

func (s *Session) fields() []zap.Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fieldsLocked()
}

func (s *Session) fieldsLocked() []zap.Field {
	return []zap.Field{
		zap.String("device_id", s.cfg.ID),
		zap.String("device_name", s.cfg.DisplayName()),
		zap.String("version", string(s.version)),
		zap.String("conn_id", s.connID),
	}
}
