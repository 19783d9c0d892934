package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/pubsub"
)

const (
	// PlainPort carries cleartext JSON announcements
	PlainPort = 6666

	// EncryptedPort carries announcements encrypted with the discovery key
	EncryptedPort = 6667

	// DefaultBindRetry is how long to wait before retrying a port in use
	DefaultBindRetry = 15 * time.Second

	// DefaultRebindDelay is how long to wait before rebinding a socket that
	// closed while the listener was running
	DefaultRebindDelay = time.Second

	maxDatagram = 4096
)

// Config controls where and how the listener binds
type Config struct {
	PlainAddr     string
	EncryptedAddr string
	BindRetry     time.Duration
	RebindDelay   time.Duration
}

// DefaultConfig listens on all interfaces on the standard ports
func DefaultConfig() Config {
	return Config{
		PlainAddr:     fmt.Sprintf(":%d", PlainPort),
		EncryptedAddr: fmt.Sprintf(":%d", EncryptedPort),
		BindRetry:     DefaultBindRetry,
		RebindDelay:   DefaultRebindDelay,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PlainAddr == "" {
		c.PlainAddr = d.PlainAddr
	}
	if c.EncryptedAddr == "" {
		c.EncryptedAddr = d.EncryptedAddr
	}
	if c.BindRetry <= 0 {
		c.BindRetry = d.BindRetry
	}
	if c.RebindDelay <= 0 {
		c.RebindDelay = d.RebindDelay
	}
	return c
}

// Options are passed to Start
type Options struct {
	// IDs, when set, ends the listener once every id has been discovered
	IDs []string

	// Clear forgets previously discovered devices so they are reported again
	Clear bool
}

// EventKind identifies a listener event
type EventKind string

const (
	EventDiscover EventKind = "discover"
	EventEnd      EventKind = "end"
)

// Event is published for every newly discovered device and once when the
// listener ends. Record is nil for EventEnd.
type Event struct {
	Kind   EventKind
	Record *Record
}

type port struct {
	addr      string
	encrypted bool
}

// Listener collects device announcements on the two discovery ports. Each
// device id is reported once for the lifetime of the listener.
type Listener struct {
	cfg    Config
	ports  [2]port
	broker *pubsub.Broker[Event]
	now    func() time.Time

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	conns      [2]net.PacketConn
	discovered map[string]*Record
	targets    map[string]struct{}
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewListener creates a stopped listener
func NewListener(cfg Config) *Listener {
	cfg = cfg.withDefaults()
	done := make(chan struct{})
	close(done)
	return &Listener{
		cfg: cfg,
		ports: [2]port{
			{addr: cfg.PlainAddr},
			{addr: cfg.EncryptedAddr, encrypted: true},
		},
		broker:     pubsub.New[Event]("discovery"),
		now:        time.Now,
		discovered: make(map[string]*Record),
		done:       done,
	}
}

// Subscribe returns a channel of listener events. Subscribe before Start to
// see every event.
func (l *Listener) Subscribe(buffer int) (<-chan Event, func()) {
	return l.broker.Subscribe(buffer)
}

// Start binds both ports. A port that cannot be bound for any reason other
// than being in use is logged and left down. Starting a running listener
// only updates its target set.
func (l *Listener) Start(opts Options) *Listener {
	l.mu.Lock()
	defer l.mu.Unlock()

	if opts.Clear {
		l.discovered = make(map[string]*Record)
	}
	l.targets = nil
	if len(opts.IDs) > 0 {
		l.targets = make(map[string]struct{}, len(opts.IDs))
		for _, id := range opts.IDs {
			l.targets[id] = struct{}{}
		}
	}
	if l.running {
		return l
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})

	for i, p := range l.ports {
		conn, retry := l.bind(ctx, p)
		if conn == nil && retry == 0 {
			continue
		}
		l.conns[i] = conn
		l.wg.Add(1)
		go l.run(ctx, i, conn, retry)
	}

	logging.Info("Discovery listener started",
		zap.String("plain", l.ports[0].addr),
		zap.String("encrypted", l.ports[1].addr),
		zap.Int("targets", len(l.targets)),
	)
	return l
}

// Stop closes both sockets and keeps everything discovered so far
func (l *Listener) Stop() *Listener {
	l.mu.Lock()
	l.stopLocked()
	l.mu.Unlock()
	l.wg.Wait()
	return l
}

// End stops the listener, forgets all discovered devices and publishes
// EventEnd.
func (l *Listener) End() *Listener {
	l.mu.Lock()
	l.endLocked()
	l.mu.Unlock()
	l.wg.Wait()
	return l
}

// Close ends the listener and closes every subscription
func (l *Listener) Close() {
	l.End()
	l.broker.Close()
}

// Running reports whether the listener is bound or trying to bind
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Wait blocks until the listener stops or ctx is done
func (l *Listener) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Records returns the devices discovered so far, ordered by id
func (l *Listener) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Record, 0, len(l.discovered))
	for _, r := range l.discovered {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LocalAddr returns the bound address of the plain or encrypted socket, or
// nil when it is not bound.
func (l *Listener) LocalAddr(encrypted bool) net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := 0
	if encrypted {
		i = 1
	}
	if l.conns[i] == nil {
		return nil
	}
	return l.conns[i].LocalAddr()
}

func (l *Listener) stopLocked() bool {
	if !l.running {
		return false
	}
	l.running = false
	l.cancel()
	for i, c := range l.conns {
		if c != nil {
			c.Close()
			l.conns[i] = nil
		}
	}
	close(l.done)
	logging.Info("Discovery listener stopped", zap.Int("discovered", len(l.discovered)))
	return true
}

func (l *Listener) endLocked() {
	l.stopLocked()
	l.discovered = make(map[string]*Record)
	l.targets = nil
	l.broker.Publish(Event{Kind: EventEnd})
}

// bind opens one discovery socket. A nil conn with a non-zero delay means
// the port is in use and should be retried after that delay.
func (l *Listener) bind(ctx context.Context, p port) (net.PacketConn, time.Duration) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", p.addr)
	if err == nil {
		logging.Debug("Discovery socket bound",
			zap.String("addr", conn.LocalAddr().String()),
			zap.Bool("encrypted", p.encrypted),
		)
		return conn, 0
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		logging.Info("Discovery port in use, will retry",
			zap.String("addr", p.addr),
			zap.Duration("retry_in", l.cfg.BindRetry),
		)
		return nil, l.cfg.BindRetry
	}
	logging.Error("Discovery socket failed", zap.String("addr", p.addr), zap.Error(err))
	return nil, 0
}

// run serves one port until ctx is cancelled. It rebinds after an
// unexpected close and keeps retrying while the port is in use.
func (l *Listener) run(ctx context.Context, i int, conn net.PacketConn, retry time.Duration) {
	defer l.wg.Done()
	p := l.ports[i]

	for {
		if conn == nil {
			if !sleep(ctx, retry) {
				return
			}
			conn, retry = l.bind(ctx, p)
			if conn == nil {
				if retry == 0 {
					return
				}
				continue
			}
			if !l.setConn(ctx, i, conn) {
				conn.Close()
				return
			}
		}

		l.serve(ctx, conn, p)

		l.mu.Lock()
		if l.conns[i] == conn {
			l.conns[i] = nil
		}
		l.mu.Unlock()
		conn.Close()
		conn = nil

		if ctx.Err() != nil {
			return
		}
		logging.Warn("Discovery socket closed unexpectedly, rebinding",
			zap.String("addr", p.addr),
			zap.Duration("retry_in", l.cfg.RebindDelay),
		)
		retry = l.cfg.RebindDelay
	}
}

func (l *Listener) setConn(ctx context.Context, i int, conn net.PacketConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	l.conns[i] = conn
	return true
}

func (l *Listener) serve(ctx context.Context, conn net.PacketConn, p port) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil {
				logging.Info("Discovery read failed", zap.String("addr", p.addr), zap.Error(err))
			}
			return
		}
		l.handle(buf[:n], p.encrypted, from)
	}
}

func (l *Listener) handle(datagram []byte, encrypted bool, from net.Addr) {
	rec, err := ParseAnnouncement(datagram, encrypted)
	if err != nil {
		logging.Debug("Ignoring datagram",
			zap.Stringer("from", from),
			zap.Bool("encrypted", encrypted),
			zap.Error(err),
		)
		logging.LogRawBytes("datagram", datagram)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	if _, seen := l.discovered[rec.ID]; seen {
		return
	}
	rec.DiscoveredAt = l.now()
	l.discovered[rec.ID] = rec

	logging.Info("Discovered device",
		zap.String("device_id", rec.ID),
		zap.String("ip", rec.IP),
		zap.String("version", rec.Version()),
		zap.Bool("encrypted", encrypted),
	)
	l.broker.Publish(Event{Kind: EventDiscover, Record: rec})

	if l.targetsSeenLocked() {
		l.endLocked()
	}
}

func (l *Listener) targetsSeenLocked() bool {
	if len(l.targets) == 0 {
		return false
	}
	for id := range l.targets {
		if _, ok := l.discovered[id]; !ok {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Discover listens until every id in ids is found or timeout elapses and
// returns what was seen. With no ids it always waits for the full timeout.
func Discover(ctx context.Context, cfg Config, ids []string, timeout time.Duration) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := NewListener(cfg)
	events, unsubscribe := l.Subscribe(0)
	defer unsubscribe()
	defer l.Close()

	l.Start(Options{IDs: ids})

	var found []*Record
	for {
		select {
		case ev, ok := <-events:
			if !ok || ev.Kind == EventEnd {
				return found, nil
			}
			found = append(found, ev.Record)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return found, nil
			}
			return found, ctx.Err()
		}
	}
}
