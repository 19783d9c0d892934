package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/muurk/tuyalan/internal/protocol"
)

// ErrIncompleteAnnouncement is returned for announcements without gwId or ip
var ErrIncompleteAnnouncement = errors.New("discovery: announcement lacks gwId or ip")

// Record is one device found on the network
type Record struct {
	// ID is the device id, announced as gwId
	ID string `json:"id"`

	// IP is the address the device reports for itself
	IP string `json:"ip"`

	// Extra holds every other announced field, such as productKey,
	// version and encrypt
	Extra map[string]any `json:"extra,omitempty"`

	// Encrypted is true when the announcement arrived on the encrypted port
	Encrypted bool `json:"encrypted"`

	// DiscoveredAt is when the first announcement was received
	DiscoveredAt time.Time `json:"discovered_at"`
}

// String returns a human-readable representation of the record
func (r *Record) String() string {
	if v := r.Version(); v != "" {
		return fmt.Sprintf("Device %s at %s (v%s)", r.ID, r.IP, v)
	}
	return fmt.Sprintf("Device %s at %s", r.ID, r.IP)
}

// Version returns the announced protocol version, or "" when absent
func (r *Record) Version() string {
	return r.stringField("version")
}

// ProductKey returns the announced product key, or "" when absent
func (r *Record) ProductKey() string {
	return r.stringField("productKey")
}

func (r *Record) stringField(key string) string {
	if r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

// ParseAnnouncement decodes one broadcast datagram. encrypted selects the
// fixed discovery key used on port 6667.
func ParseAnnouncement(datagram []byte, encrypted bool) (*Record, error) {
	payload, err := protocol.DecodeBroadcast(datagram, encrypted)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("discovery: announcement is not JSON: %w", err)
	}

	id, _ := fields["gwId"].(string)
	ip, _ := fields["ip"].(string)
	if id == "" || ip == "" {
		return nil, ErrIncompleteAnnouncement
	}
	delete(fields, "gwId")
	delete(fields, "ip")

	return &Record{
		ID:        id,
		IP:        ip,
		Extra:     fields,
		Encrypted: encrypted,
	}, nil
}
