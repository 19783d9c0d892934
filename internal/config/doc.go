// Package config manages the tuyalan device registry.
//
// The registry is a YAML file listing the devices the user owns (id, local
// key, address, protocol version and session tunables), CLI preferences
// and the settings for tuyalan-server.
//
// # Configuration File Location
//
// The registry is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/tuyalan/devices.yaml or $HOME/.config/tuyalan/devices.yaml
//   - macOS: $HOME/.config/tuyalan/devices.yaml
//   - Windows: %LOCALAPPDATA%\tuyalan\devices.yaml
//
// TUYALAN_CONFIG overrides the location.
//
// # Example
//
//	version: 1
//	devices:
//	  bf1234567890abcdef:
//	    name: Desk lamp
//	    key: 0123456789abcdef
//	    ip: 192.168.1.40
//	    version: "3.3"
//	    ping_gap: 9s
//	server:
//	  listen: :8080
//	  mdns: true
//	  discovery: true
//	  mqtt:
//	    broker: tcp://localhost:1883
//	    topic_prefix: tuyalan
//
// # Security
//
// Local keys grant full control of a device. The file is written with 0600
// permissions inside a 0700 directory.
//
// # Thread Safety
//
// The global registry uses sync.Once for safe initialization across goroutines.
// File operations are protected by a mutex and writes go through a temporary
// file and rename.
package config
