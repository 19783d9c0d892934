package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/discovery"
	"github.com/muurk/tuyalan/internal/logging"
)

// shutdownTimeout bounds graceful HTTP shutdown
const shutdownTimeout = 10 * time.Second

// Config holds the server configuration
type Config struct {
	Listen   string // host:port for the HTTP API
	CertPath string // serve HTTPS when both CertPath and KeyPath are set
	KeyPath  string
	MDNS     bool   // advertise the API over mDNS
	Instance string // mDNS instance name, defaults to the hostname
	Version  string // reported by /api/health and in mDNS TXT records
}

// Server exposes a device hub over HTTP and a WebSocket event stream
type Server struct {
	cfg       Config
	hub       *device.Hub
	events    *eventStream
	handler   http.Handler
	tlsConfig *tls.Config

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// New creates a server for hub. The hub stays owned by the caller.
func New(cfg Config, hub *device.Hub) (*Server, error) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	s := &Server{
		cfg:   cfg,
		hub:   hub,
		ready: make(chan struct{}),
	}
	s.events = newEventStream(s.snapshot)
	s.handler = s.routes()

	if cfg.CertPath != "" || cfg.KeyPath != "" {
		tlsConfig, err := NewTLSConfig(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		s.tlsConfig = tlsConfig
	}
	return s, nil
}

// Handler returns the API handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound listen address once Run has started listening
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once the listener is bound
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run serves until ctx is cancelled or serving fails. It relays hub events
// to websocket clients and, when listener is not nil, discovery events too.
func (s *Server) Run(ctx context.Context, listener *discovery.Listener) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logging.Info("Starting API server",
		zap.String("addr", ln.Addr().String()),
		zap.Any("tls", GetTLSInfo(s.tlsConfig)),
		zap.Int("devices", len(s.hub.Sessions())),
	)

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// subscribe before serving so no event after Ready is missed
	devEvents, cancelDev := s.hub.Subscribe(0)
	defer cancelDev()
	var discEvents <-chan discovery.Event
	if listener != nil {
		var cancelDisc func()
		discEvents, cancelDisc = listener.Subscribe(0)
		defer cancelDisc()
	}

	close(s.ready)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.relayDevices(ctx, devEvents)
		return nil
	})

	if listener != nil {
		g.Go(func() error {
			s.relayDiscovery(ctx, discEvents)
			return nil
		})
	}

	if s.cfg.MDNS {
		g.Go(func() error {
			return s.advertise(ctx, ln.Addr())
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logging.Info("Shutting down API server...")
		s.events.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Shutdown timeout, forcing close", zap.Error(err))
			return httpServer.Close()
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) relayDevices(ctx context.Context, events <-chan device.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.events.broadcast(MessageFromEvent(ev))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) relayDiscovery(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == discovery.EventDiscover {
				s.events.broadcast(MessageFromRecord(ev.Record))
			}
		case <-ctx.Done():
			return
		}
	}
}

// snapshot describes every device for a newly connected websocket client
func (s *Server) snapshot() []Message {
	sessions := s.hub.Sessions()
	out := make([]Message, 0, len(sessions))
	now := time.Now().UTC()
	for _, sess := range sessions {
		out = append(out, Message{
			Type:      TypeSnapshot,
			Device:    sess.ID(),
			Time:      now,
			State:     sess.State(),
			Connected: sess.Connected(),
			IP:        sess.Config().IP,
			Version:   string(sess.Version()),
		})
	}
	return out
}
