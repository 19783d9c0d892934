package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// BridgeService is the mDNS service type tuyalan-server registers
	BridgeService = "_tuyalan._tcp"

	// BridgeDomain is the mDNS domain
	BridgeDomain = "local."

	// DefaultBrowseTimeout bounds BrowseBridges when no timeout is given
	DefaultBrowseTimeout = 5 * time.Second
)

// Bridge is a tuyalan-server found via mDNS
type Bridge struct {
	// Instance is the advertised instance name
	Instance string

	// Hostname is the mDNS hostname (e.g., "pi.local.")
	Hostname string

	IP   string
	Port int

	// Metadata contains the TXT records, such as "version" and "devices"
	Metadata map[string]string

	DiscoveredAt time.Time
}

// String returns a human-readable representation of the bridge
func (b *Bridge) String() string {
	return fmt.Sprintf("Bridge %s at %s", b.Instance, net.JoinHostPort(b.IP, strconv.Itoa(b.Port)))
}

// BaseURL returns the HTTP base URL of the bridge API
func (b *Bridge) BaseURL() string {
	scheme := "http"
	if b.GetMetadata("scheme") == "https" {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(b.IP, strconv.Itoa(b.Port))
}

// GetMetadata retrieves a TXT value by key, or "" when absent
func (b *Bridge) GetMetadata(key string) string {
	if b.Metadata == nil {
		return ""
	}
	return b.Metadata[key]
}

// BrowseBridges collects bridges advertised on the network until ctx is
// done or timeout elapses.
func BrowseBridges(ctx context.Context, timeout time.Duration) ([]*Bridge, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	var (
		mu      sync.Mutex
		bridges []*Bridge
	)
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if b := parseBridgeEntry(entry); b != nil {
				mu.Lock()
				bridges = append(bridges, b)
				mu.Unlock()
			}
		}
	}()

	if err := resolver.Browse(ctx, BridgeService, BridgeDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return append([]*Bridge(nil), bridges...), nil
}

// parseBridgeEntry converts a zeroconf service entry to a Bridge. It returns
// nil for entries without an address.
func parseBridgeEntry(entry *zeroconf.ServiceEntry) *Bridge {
	if entry == nil {
		return nil
	}

	// prefer IPv4
	var ip string
	for _, addr := range entry.AddrIPv4 {
		ip = addr.String()
		break
	}
	if ip == "" && len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" || entry.Port == 0 {
		return nil
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[key] = value
	}

	return &Bridge{
		Instance:     entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}
