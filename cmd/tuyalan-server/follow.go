package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/config"
	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/discovery"
	"github.com/muurk/tuyalan/internal/logging"
)

// follower moves sessions to the address a registered device announces.
// Devices on DHCP leases change address; the registry is updated too.
type follower struct {
	reg  *config.Registry
	hub  *device.Hub
	save func() error
}

func newFollower(reg *config.Registry, hub *device.Hub) *follower {
	return &follower{reg: reg, hub: hub, save: reg.Save}
}

func (f *follower) run(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == discovery.EventDiscover {
				f.handle(ev.Record)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *follower) handle(rec *discovery.Record) {
	if f.reg.GetDevice(rec.ID) == nil {
		logging.Debug("Unregistered device announced", zap.String("device_id", rec.ID), zap.String("ip", rec.IP))
		return
	}
	if !f.reg.RecordDiscovery(rec) {
		return
	}
	if err := f.save(); err != nil {
		logging.Warn("Failed to save registry", zap.Error(err))
	}

	cfg, err := f.reg.DeviceConfig(rec.ID)
	if err != nil {
		logging.Debug("Announced device not usable", zap.String("device_id", rec.ID), zap.Error(err))
		return
	}
	if sess, ok := f.hub.Get(rec.ID); ok {
		old := sess.Config()
		if old.IP == cfg.IP && old.Version == cfg.Version {
			return
		}
		if err := f.hub.Remove(rec.ID); err != nil {
			logging.Warn("Failed to remove session", zap.String("device_id", rec.ID), zap.Error(err))
			return
		}
		logging.Info("Device moved",
			zap.String("device_id", rec.ID),
			zap.String("from", old.IP),
			zap.String("to", cfg.IP),
		)
	}
	if _, err := f.hub.Add(cfg); err != nil {
		logging.Warn("Failed to start session", zap.String("device_id", rec.ID), zap.Error(err))
	}
}
