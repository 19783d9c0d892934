package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DPS maps data point ids to values (bool, number or string)
type DPS map[string]any

// StateUnavailable is what some devices answer to a query instead of JSON
const StateUnavailable = "json obj data unvalid"

// IsDataPointKey reports whether key looks like a data point id
func IsDataPointKey(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" || key[0] == '+' {
		return false
	}
	_, err := strconv.ParseUint(key, 10, 32)
	return err == nil
}

// FilterDataPoints keeps the entries of in whose keys are data point ids
func FilterDataPoints(in map[string]any) DPS {
	out := make(DPS)
	for k, v := range in {
		if IsDataPointKey(k) {
			out[strings.TrimSpace(k)] = v
		}
	}
	return out
}

// DecodeDPS reads one JSON object of data points from r. Integral numbers
// become int64 so devices expecting integers do not receive 25.0.
func DecodeDPS(r io.Reader) (DPS, error) {
	var raw map[string]any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode data points: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode data points: not an object")
	}
	for k, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			raw[k] = i
		} else if f, err := n.Float64(); err == nil {
			raw[k] = f
		}
	}
	return DPS(raw), nil
}

type controlBody struct {
	DevID string `json:"devId"`
	UID   string `json:"uid"`
	T     string `json:"t"`
	DPS   DPS    `json:"dps"`
}

type controlEnvelope34 struct {
	Protocol int         `json:"protocol"`
	T        string      `json:"t"`
	Data     controlBody `json:"data"`
}

type queryBody struct {
	GwID  string `json:"gwId"`
	DevID string `json:"devId"`
}

// BuildControl returns the command and JSON body that set dps on a device.
func BuildControl(v Version, devID string, now time.Time, dps DPS) (Command, []byte, error) {
	t := strconv.FormatInt(now.Unix(), 10)
	body := controlBody{DevID: devID, T: t, DPS: dps}

	if v == V34 {
		b, err := json.Marshal(controlEnvelope34{Protocol: 5, T: t, Data: body})
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal control: %w", err)
		}
		return CmdControlNew, b, nil
	}

	b, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal control: %w", err)
	}
	return CmdControl, b, nil
}

// BuildQuery returns the command and JSON body of a full state query.
func BuildQuery(v Version, devID string) (Command, []byte, error) {
	b, err := json.Marshal(queryBody{GwID: devID, DevID: devID})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	if v == V34 {
		return CmdDPQueryNew, b, nil
	}
	return CmdDPQuery, b, nil
}

// Payload is the decoded JSON body of an inbound message
type Payload struct {
	DPS    DPS
	T      any
	Fields map[string]any
}

// ParsePayload decodes a JSON message body. A 3.4 style envelope
// {"data": {...}, "t": ...} is flattened so DPS is found either way.
func ParsePayload(b []byte) (*Payload, error) {
	b = bytes.TrimSpace(b)
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	if inner, ok := fields["data"].(map[string]any); ok {
		if t, ok := fields["t"]; ok {
			inner["t"] = t
		}
		fields = inner
	}

	p := &Payload{Fields: fields, T: fields["t"]}
	if dps, ok := fields["dps"].(map[string]any); ok {
		p.DPS = DPS(dps)
	}
	return p, nil
}
