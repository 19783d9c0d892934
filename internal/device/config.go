package device

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/muurk/tuyalan/internal/protocol"
)

// Default tunables
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultPingTimeout    = 30 * time.Second
	DefaultPingGap        = 20 * time.Second

	// modernPingGapCap bounds the ping gap for 3.2+ firmware, which drops
	// idle sockets sooner.
	modernPingGapCap = 9 * time.Second
)

// Config describes one device. It is read-only once a Session is created.
type Config struct {
	ID      string
	Name    string
	Key     string // 16-character local key or its 32-character hex form
	IP      string
	Port    int
	Version string

	ConnectTimeout time.Duration
	PingTimeout    time.Duration
	PingGap        time.Duration

	// NoIntro emits an empty change event as soon as the session is live
	NoIntro bool

	// SendEmptyUpdate follows every data point update with a body-less
	// control frame; some firmware only reports back after one.
	SendEmptyUpdate bool

	// Fake skips all networking and echoes updates back as changes
	Fake bool

	// Deferred leaves the session unconnected until Start is called
	Deferred bool
}

// Validate checks the fields required to talk to a device.
func (c Config) Validate() error {
	if c.Fake {
		if c.ID == "" {
			return fmt.Errorf("%w: id is required", ErrInsufficientConfig)
		}
		return nil
	}
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: id is required", ErrInsufficientConfig)
	case c.Key == "":
		return fmt.Errorf("%w: key is required for %s", ErrInsufficientConfig, c.ID)
	case c.IP == "":
		return fmt.Errorf("%w: ip is required for %s", ErrInsufficientConfig, c.ID)
	}
	if _, err := protocol.ParseKey(c.Key); err != nil {
		return fmt.Errorf("device %s: %w", c.ID, err)
	}
	if _, err := protocol.ParseVersion(c.Version); err != nil {
		return fmt.Errorf("device %s: %w", c.ID, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("device %s: port %d out of range", c.ID, c.Port)
	}
	return nil
}

// withDefaults fills zero tunables
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = protocol.DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.PingGap <= 0 {
		c.PingGap = DefaultPingGap
	}
	return c
}

// Addr returns the host:port of the device
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = protocol.DefaultPort
	}
	return net.JoinHostPort(c.IP, strconv.Itoa(port))
}

// pingGap returns the steady-state ping interval for version v.
func (c Config) pingGap(v protocol.Version) time.Duration {
	if v.Modern() && c.PingGap > modernPingGapCap {
		return modernPingGapCap
	}
	return c.PingGap
}

// DisplayName returns Name, falling back to ID
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
