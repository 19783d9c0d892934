package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/discovery"
)

// SchemaVersion is the only registry layout this package reads
const SchemaVersion = 1

// Registry represents the entire user configuration file: the devices the
// user owns, CLI preferences and the bridge server settings.
type Registry struct {
	Version     int                `yaml:"version"`
	Devices     map[string]*Device `yaml:"devices,omitempty"` // Keyed by device id
	Preferences *Preferences       `yaml:"preferences,omitempty"`
	Server      *Server            `yaml:"server,omitempty"`

	path string
}

// Device holds everything needed to open a session with one device. Key is
// the device's local key and is required for anything but fake devices.
type Device struct {
	Name    string `yaml:"name,omitempty"`
	Key     string `yaml:"key,omitempty"`
	IP      string `yaml:"ip,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	Version string `yaml:"version,omitempty"` // "3.1", "3.3" or "3.4"

	ConnectTimeout  time.Duration `yaml:"connect_timeout,omitempty"`
	PingTimeout     time.Duration `yaml:"ping_timeout,omitempty"`
	PingGap         time.Duration `yaml:"ping_gap,omitempty"`
	NoIntro         bool          `yaml:"no_intro,omitempty"`
	SendEmptyUpdate bool          `yaml:"send_empty_update,omitempty"`
	Fake            bool          `yaml:"fake,omitempty"`

	// Filled in by discovery
	ProductKey string    `yaml:"product_key,omitempty"`
	LastSeen   time.Time `yaml:"last_seen,omitempty"`
}

// Preferences represents CLI-wide user preferences.
type Preferences struct {
	DiscoverTimeout int    `yaml:"discover_timeout"`    // UDP discovery timeout in seconds
	LogLevel        string `yaml:"log_level,omitempty"` // Used when TUYALAN_LOG_LEVEL is unset
}

// Server configures tuyalan-server
type Server struct {
	Listen string `yaml:"listen,omitempty"` // HTTP listen address
	MDNS   bool   `yaml:"mdns"`             // Advertise the API over mDNS
	MQTT   *MQTT  `yaml:"mqtt,omitempty"`   // Disabled when nil or Broker is empty

	// Discovery keeps the UDP listener running and fills in device IPs
	Discovery bool `yaml:"discovery"`
}

// MQTT configures the MQTT bridge
type MQTT struct {
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
}

// Defaults used when fields are missing
const (
	DefaultDiscoverTimeout = 10
	DefaultListen          = ":8080"
	DefaultTopicPrefix     = "tuyalan"
)

func defaultPreferences() *Preferences {
	return &Preferences{DiscoverTimeout: DefaultDiscoverTimeout}
}

func defaultServer() *Server {
	return &Server{Listen: DefaultListen, MDNS: true, Discovery: true}
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:     SchemaVersion,
		Devices:     make(map[string]*Device),
		Preferences: defaultPreferences(),
		Server:      defaultServer(),
	}
}

// Path returns the file the registry was loaded from, or "" for a new one
func (r *Registry) Path() string {
	return r.path
}

// GetDevice retrieves a device by id.
// Returns nil if the device doesn't exist in the registry.
func (r *Registry) GetDevice(id string) *Device {
	return r.Devices[id]
}

// EnsureDevice returns the entry for id, creating an empty one if needed.
func (r *Registry) EnsureDevice(id string) *Device {
	if r.Devices == nil {
		r.Devices = make(map[string]*Device)
	}
	if d, exists := r.Devices[id]; exists {
		return d
	}
	d := &Device{}
	r.Devices[id] = d
	return d
}

// DeviceIDs returns every configured id, sorted
func (r *Registry) DeviceIDs() []string {
	ids := make([]string, 0, len(r.Devices))
	for id := range r.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecordDiscovery stores the address, version and product key a device
// announced. It reports whether anything changed.
func (r *Registry) RecordDiscovery(rec *discovery.Record) bool {
	d := r.EnsureDevice(rec.ID)
	changed := d.IP != rec.IP
	d.IP = rec.IP
	if v := rec.Version(); v != "" && v != d.Version {
		d.Version = v
		changed = true
	}
	if pk := rec.ProductKey(); pk != "" && pk != d.ProductKey {
		d.ProductKey = pk
		changed = true
	}
	d.LastSeen = rec.DiscoveredAt
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
	return changed
}

// DeviceConfig converts the entry for id into a session config. The result
// is validated so callers get configuration errors before dialing.
func (r *Registry) DeviceConfig(id string) (device.Config, error) {
	d := r.GetDevice(id)
	if d == nil {
		return device.Config{}, fmt.Errorf("%w: %s", device.ErrUnknownDevice, id)
	}
	cfg := device.Config{
		ID:              id,
		Name:            d.Name,
		Key:             d.Key,
		IP:              d.IP,
		Port:            d.Port,
		Version:         d.Version,
		ConnectTimeout:  d.ConnectTimeout,
		PingTimeout:     d.PingTimeout,
		PingGap:         d.PingGap,
		NoIntro:         d.NoIntro,
		SendEmptyUpdate: d.SendEmptyUpdate,
		Fake:            d.Fake,
	}
	if err := cfg.Validate(); err != nil {
		return device.Config{}, err
	}
	return cfg, nil
}

// DeviceConfigs converts every usable entry, returning the ids that were
// skipped along with the reason.
func (r *Registry) DeviceConfigs() ([]device.Config, map[string]error) {
	var cfgs []device.Config
	skipped := make(map[string]error)
	for _, id := range r.DeviceIDs() {
		cfg, err := r.DeviceConfig(id)
		if err != nil {
			skipped[id] = err
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, skipped
}

// DiscoverTimeout returns the configured discovery timeout
func (r *Registry) DiscoverTimeout() time.Duration {
	if r.Preferences == nil || r.Preferences.DiscoverTimeout <= 0 {
		return DefaultDiscoverTimeout * time.Second
	}
	return time.Duration(r.Preferences.DiscoverTimeout) * time.Second
}
