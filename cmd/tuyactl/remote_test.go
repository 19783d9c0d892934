package main

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/muurk/tuyalan/internal/apiclient"
	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/protocol"
	"github.com/muurk/tuyalan/internal/server"
)

func TestRemoteCommands(t *testing.T) {
	hub := device.NewHub()
	defer hub.Close()
	if _, err := hub.Add(device.Config{ID: "lamp", Fake: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Add(device.Config{ID: "heater", Fake: true, Deferred: true}); err != nil {
		t.Fatal(err)
	}
	srv, err := server.New(server.Config{}, hub)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	bridgeURL = ts.URL
	jsonOutput = true
	defer func() {
		bridgeURL = ""
		jsonOutput = false
	}()
	ctx := context.Background()

	if err := remoteDevices(ctx); err != nil {
		t.Errorf("remoteDevices() error: %v", err)
	}
	if err := remoteGet(ctx, "lamp"); err != nil {
		t.Errorf("remoteGet() error: %v", err)
	}
	if err := remoteGet(ctx, "nope"); !apiclient.IsNotFound(err) {
		t.Errorf("remoteGet(unknown) error = %v, want not found", err)
	}
	if err := remoteSet(ctx, "lamp", protocol.DPS{"1": true}); err != nil {
		t.Errorf("remoteSet() error: %v", err)
	}
	if err := remoteSet(ctx, "heater", protocol.DPS{"1": true}); !apiclient.IsNotConnected(err) {
		t.Errorf("remoteSet(offline) error = %v, want not connected", err)
	}
}
