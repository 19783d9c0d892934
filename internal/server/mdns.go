package server

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/discovery"
	"github.com/muurk/tuyalan/internal/logging"
)

// advertise registers the API over mDNS until ctx is done
func (s *Server) advertise(ctx context.Context, addr net.Addr) error {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("cannot advertise non-TCP address %v", addr)
	}

	instance := s.cfg.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "tuyalan"
		}
		instance = host
	}

	srv, err := zeroconf.Register(instance, discovery.BridgeService, discovery.BridgeDomain, tcp.Port, s.txtRecords(), nil)
	if err != nil {
		// a missing multicast route should not take the API down
		logging.Warn("mDNS registration failed", zap.Error(err))
		return nil
	}
	logging.Info("Advertising over mDNS",
		zap.String("instance", instance),
		zap.String("service", discovery.BridgeService),
		zap.Int("port", tcp.Port),
	)

	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (s *Server) txtRecords() []string {
	txt := []string{fmt.Sprintf("devices=%d", len(s.hub.Sessions()))}
	if s.cfg.Version != "" {
		txt = append(txt, "version="+s.cfg.Version)
	}
	if s.tlsConfig != nil {
		txt = append(txt, "scheme=https")
	}
	return txt
}
