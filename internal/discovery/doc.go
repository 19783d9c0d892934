// Package discovery finds devices on the local network by listening for the
// announcements they broadcast.
//
// Devices announce themselves every few seconds over UDP. Older firmware
// sends cleartext JSON to port 6666; newer firmware encrypts the same JSON
// with a fixed key shared by every device and sends it to port 6667. Both
// carry the usual 0x000055AA frame around the payload.
//
// # Usage
//
//	l := discovery.NewListener(discovery.DefaultConfig())
//	events, cancel := l.Subscribe(0)
//	defer cancel()
//
//	l.Start(discovery.Options{IDs: []string{"bf1234567890abcdef"}})
//	for ev := range events {
//	    if ev.Kind == discovery.EventEnd {
//	        break
//	    }
//	    fmt.Println(ev.Record)
//	}
//
// Every device id is reported once for the lifetime of a listener; Options.Clear
// forgets what was seen. When Options.IDs is set the listener ends itself as
// soon as all of them have been found. Discover wraps this for one-shot scans.
//
// # Sockets
//
// The two ports are bound independently. A port already in use is retried
// every 15 seconds, a socket that closes unexpectedly is rebound after one
// second, and any other bind failure is logged and leaves that port down.
// On unix the sockets set SO_REUSEADDR so other tools can listen alongside.
//
// # Bridges
//
// BrowseBridges uses mDNS to find tuyalan-server instances that advertise
// their HTTP API on the network.
package discovery
