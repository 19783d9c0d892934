package mqttpub

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix roots every topic when Config.TopicPrefix is empty
const DefaultTopicPrefix = "tuyalan"

// Availability payloads
const (
	Online  = "online"
	Offline = "offline"
)

// Topics builds the topic names under one prefix:
//
//	<prefix>/status               bridge availability (retained, also the LWT)
//	<prefix>/<id>/state           full data point map (retained)
//	<prefix>/<id>/availability    online or offline (retained)
//	<prefix>/<id>/set             JSON object of data points to send
type Topics struct {
	Prefix string
}

// Status returns the bridge's own availability topic
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// State returns the retained state topic of a device
func (t Topics) State(id string) string {
	return fmt.Sprintf("%s/%s/state", t.Prefix, id)
}

// Availability returns the retained availability topic of a device
func (t Topics) Availability(id string) string {
	return fmt.Sprintf("%s/%s/availability", t.Prefix, id)
}

// Set returns the command topic of a device
func (t Topics) Set(id string) string {
	return fmt.Sprintf("%s/%s/set", t.Prefix, id)
}

// AllSet matches the command topic of every device
func (t Topics) AllSet() string {
	return t.Prefix + "/+/set"
}

// DeviceFromSet extracts the device id from a command topic
func (t Topics) DeviceFromSet(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	return id, nil
}
