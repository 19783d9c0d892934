package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/protocol"
	"github.com/muurk/tuyalan/internal/server"
)

func newBridge(t *testing.T) *Client {
	t.Helper()
	hub := device.NewHub()
	t.Cleanup(func() { hub.Close() })
	if _, err := hub.Add(device.Config{ID: "lamp", Name: "Desk lamp", Fake: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Add(device.Config{ID: "heater", Fake: true, Deferred: true}); err != nil {
		t.Fatal(err)
	}
	srv, err := server.New(server.Config{Version: "test"}, hub)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL + "/")
}

func TestClient_AgainstBridge(t *testing.T) {
	c := newBridge(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Version != "test" || h.Devices != 2 {
		t.Errorf("Health() = %+v", h)
	}

	devices, err := c.Devices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0].ID != "heater" || devices[1].Name != "Desk lamp" {
		t.Errorf("Devices() = %+v", devices)
	}

	d, err := c.Device(ctx, "lamp")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Connected {
		t.Errorf("Device(lamp) = %+v", d)
	}

	if _, err := c.State(ctx, "lamp"); err != nil {
		t.Errorf("State(lamp) error = %v", err)
	}

	if err := c.SetDPS(ctx, "lamp", protocol.DPS{"1": true}); err != nil {
		t.Errorf("SetDPS(lamp) error = %v", err)
	}
}

func TestClient_Errors(t *testing.T) {
	c := newBridge(t)
	ctx := context.Background()

	_, err := c.Device(ctx, "nope")
	if !IsNotFound(err) {
		t.Errorf("Device(nope) error = %v, want not found", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != server.ErrCodeNotFound {
		t.Errorf("error = %#v", err)
	}

	err = c.SetDPS(ctx, "heater", protocol.DPS{"1": true})
	if !IsNotConnected(err) {
		t.Errorf("SetDPS(heater) error = %v, want not connected", err)
	}
}

func TestClient_Retries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","devices":0}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	c.SetRetry(3, time.Millisecond)

	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	c.SetRetry(3, time.Millisecond)

	_, err := c.Health(context.Background())
	if err == nil || IsRetryable(err) {
		t.Fatalf("Health() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := NewClient(url)
	c.SetRetry(1, time.Millisecond)

	_, err := c.Health(context.Background())
	if !IsRetryable(err) {
		t.Errorf("Health() on a closed port error = %v, want retryable", err)
	}
}

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		t    ErrorType
		want string
	}{
		{ErrTypeNetwork, "Network Error"},
		{ErrTypeConnectionRefused, "Connection Refused"},
		{ErrTypeHTTP, "HTTP Error"},
		{ErrorType(42), "ErrorType(42)"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}
