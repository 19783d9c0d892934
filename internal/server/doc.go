// Package server exposes a device hub over HTTP.
//
// Routes (all JSON):
//
//	GET  /api/health                  status, version, device and client counts
//	GET  /api/devices                 every device with connection state and data points
//	GET  /api/devices/{id}            one device
//	GET  /api/devices/{id}/state      the data point map only
//	POST /api/devices/{id}/dps        send {"1": true, ...} to the device
//	GET  /api/events                  WebSocket stream of device and discovery events
//
// A POST answers 409 when the device is offline. Its response only confirms
// that a frame was written; the device's own report arrives later on the
// event stream as a "change" message.
//
// # Event Stream
//
// A new WebSocket client first receives one "snapshot" message per device,
// then "connect", "change", "disconnect" and "discover" messages as they
// happen. Clients that fall behind lose messages rather than stall the hub.
//
// # mDNS
//
// With Config.MDNS set the server registers itself as _tuyalan._tcp so that
// tuyactl bridges can find it. TXT records carry the version and the device
// count.
//
// # TLS
//
// Setting both CertPath and KeyPath serves HTTPS with TLS 1.2 or later.
package server
