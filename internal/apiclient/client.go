package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/protocol"
	"github.com/muurk/tuyalan/internal/server"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for failed requests
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the default delay between retry attempts
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultMaxRetryDelay is the maximum delay for exponential backoff
	DefaultMaxRetryDelay = 5 * time.Second

	maxResponseSize = 1 << 20
)

// Client talks to the HTTP API of a tuyalan-server
type Client struct {
	// BaseURL is the bridge root, e.g. "http://192.168.1.5:8080"
	BaseURL string

	HTTPClient *http.Client

	// MaxRetries is the maximum number of retry attempts for failed requests
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts; it doubles up
	// to MaxRetryDelay
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// NewClient creates a client for the bridge at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:       strings.TrimSuffix(baseURL, "/"),
		HTTPClient:    &http.Client{Timeout: DefaultTimeout},
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
	}
}

// SetRetry configures retry behavior
func (c *Client) SetRetry(maxRetries int, retryDelay time.Duration) {
	c.MaxRetries = maxRetries
	c.RetryDelay = retryDelay
}

// Health describes a running bridge
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Devices int    `json:"devices"`
	Clients int    `json:"clients"`
}

// Health checks that the bridge is up
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Devices lists every device the bridge has a session for
func (c *Client) Devices(ctx context.Context) ([]server.DeviceView, error) {
	var out []server.DeviceView
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Device returns one device
func (c *Client) Device(ctx context.Context, id string) (*server.DeviceView, error) {
	var out server.DeviceView
	if err := c.do(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// State returns the data points of one device
func (c *Client) State(ctx context.Context, id string) (protocol.DPS, error) {
	var out protocol.DPS
	if err := c.do(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(id)+"/state", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetDPS sends data points to a device through the bridge. It is not
// retried: a repeated write could toggle twice on devices that treat
// updates as events.
func (c *Client) SetDPS(ctx context.Context, id string, dps protocol.DPS) error {
	body, err := json.Marshal(dps)
	if err != nil {
		return &Error{Type: ErrTypeParse, Message: "failed to encode data points", Err: err}
	}
	var out struct {
		Sent bool `json:"sent"`
	}
	return c.attempt(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(id)+"/dps", body, &out)
}

// do runs a request with retries and exponential backoff
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	delay := c.RetryDelay

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastErr
			}
			delay = min(delay*2, c.MaxRetryDelay)
		}

		err := c.attempt(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		logging.Debug("Bridge request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}

// attempt performs a single request
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &Error{Type: ErrTypeNetwork, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return newNetworkError(method+" "+path+" failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return newNetworkError("failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		e := &Error{Type: ErrTypeHTTP, Status: resp.StatusCode, Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode)}
		var apiErr server.Error
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			e.Code = apiErr.Code
			e.Message = apiErr.Message
		}
		return e
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Type: ErrTypeParse, Message: "failed to parse response", Err: err}
		}
	}
	return nil
}
