package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/muurk/tuyalan/internal/config"
	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/discovery"
	"github.com/muurk/tuyalan/internal/protocol"
)

// resolveConfig builds the session config for id. A registered device
// without an address is located by discovery first and the address saved.
func resolveConfig(ctx context.Context, reg *config.Registry, id string) (device.Config, error) {
	d := reg.GetDevice(id)
	if d == nil {
		return device.Config{}, fmt.Errorf("%w: %s (add it to %s)", device.ErrUnknownDevice, id, reg.Path())
	}
	if d.IP == "" && !d.Fake {
		records, err := discovery.Discover(ctx, discovery.DefaultConfig(), []string{id}, reg.DiscoverTimeout())
		if err != nil {
			return device.Config{}, fmt.Errorf("locating %s: %w", id, err)
		}
		for _, rec := range records {
			if rec.ID == id && reg.RecordDiscovery(rec) {
				if err := reg.Save(); err != nil {
					return device.Config{}, err
				}
			}
		}
	}
	return reg.DeviceConfig(id)
}

// openSession creates a session for cfg and subscribes before it starts so
// the first events are not lost.
func openSession(cfg device.Config) (*device.Session, <-chan device.Event, func(), error) {
	cfg.Deferred = true
	sess, err := device.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	events, unsubscribe := sess.Subscribe(0)
	sess.Start()
	closeFn := func() {
		unsubscribe()
		_ = sess.Close()
	}
	return sess, events, closeFn, nil
}

// awaitConnect waits for the session to go live. The first failed attempt
// is reported instead of waiting for a reconnect.
func awaitConnect(ctx context.Context, events <-chan device.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return device.ErrClosed
			}
			switch ev.Kind {
			case device.EventConnect:
				return nil
			case device.EventDisconnect:
				if ev.Err != nil {
					return ev.Err
				}
				return device.ErrNotConnected
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return device.ErrConnectTimeout
			}
			return ctx.Err()
		}
	}
}

// awaitChange waits for a change event touching any of keys, or any
// non-empty change when keys is empty.
func awaitChange(ctx context.Context, events <-chan device.Event, keys []string) (device.Event, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return device.Event{}, device.ErrClosed
			}
			switch ev.Kind {
			case device.EventChange:
				if len(keys) == 0 && len(ev.State) > 0 {
					return ev, nil
				}
				for _, k := range keys {
					if _, hit := ev.Changes[k]; hit {
						return ev, nil
					}
				}
			case device.EventDisconnect:
				if ev.Err != nil {
					return device.Event{}, ev.Err
				}
				return device.Event{}, device.ErrNotConnected
			}
		case <-ctx.Done():
			return device.Event{}, ctx.Err()
		}
	}
}

// parseAssignments turns ["1=true", "2=25", "3=cold"] into data points.
// Values are JSON where they parse as JSON and strings otherwise.
func parseAssignments(args []string) (protocol.DPS, error) {
	dps := make(protocol.DPS, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || !protocol.IsDataPointKey(key) {
			return nil, fmt.Errorf("invalid assignment %q, want <dp>=<value>", arg)
		}
		value, err := decodeValue(raw)
		if err != nil {
			// not JSON, send as a string
			dps[key] = raw
			continue
		}
		dps[key] = value
	}
	return dps, nil
}

// decodeValue parses raw as exactly one JSON value. Trailing input after the
// value makes the whole thing invalid.
func decodeValue(raw string) (any, error) {
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("not a JSON value: %q", raw)
	}
	decoded, err := protocol.DecodeDPS(strings.NewReader(`{"v":` + raw + `}`))
	if err != nil {
		return nil, err
	}
	return decoded["v"], nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func printJSONLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
