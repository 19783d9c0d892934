// Package apiclient is a client for the HTTP API of tuyalan-server.
//
// tuyactl uses it with --bridge to read and write devices through a running
// bridge instead of opening its own LAN session. Devices accept a single
// local connection, so going through the bridge is the only way to control
// a device the bridge already holds.
//
// Reads are retried with exponential backoff on network errors and 5xx
// responses. Writes are sent once.
//
//	c := apiclient.NewClient("http://192.168.1.5:8080")
//	state, err := c.State(ctx, "bf1234567890abcdef")
//	if apiclient.IsNotFound(err) { ... }
package apiclient
