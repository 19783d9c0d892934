// Package device maintains live sessions with LAN devices.
//
// A Session owns one TCP socket to one device. It picks the codec for the
// device's protocol version once, negotiates a session key on 3.4, keeps
// the socket alive with heartbeats and reconnects after any fault. Inbound
// frames are decoded by a single worker in arrival order, so handlers for
// one device never interleave.
//
// # Usage
//
//	s, err := device.New(device.Config{
//	    ID:      "bf0123456789abcdef",
//	    Key:     "0123456789abcdef",
//	    IP:      "192.168.1.40",
//	    Version: "3.3",
//	})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	events, cancel := s.Subscribe(0)
//	defer cancel()
//	for ev := range events {
//	    if ev.Kind == device.EventChange {
//	        fmt.Println(ev.Changes)
//	    }
//	}
//
// # Reconnect Policy
//
// Every connection attempt is remembered for ten seconds. Resets, broken
// pipes, EOF and HMAC failures reconnect immediately while fewer than ten
// attempts were made in that window. Other faults wait five seconds, or a
// minute for ENOBUFS and busy windows. Only one reconnect is ever pending.
//
// # Events
//
// Subscribers receive connect, change and disconnect events. A change is
// only published when a reported value differs from the known state.
// Disconnect events carry the classified cause and the retry delay, which
// lets callers tell a device that never answered from one that dropped.
//
// # Thread Safety
//
// Session and Hub methods are safe for concurrent use.
package device
