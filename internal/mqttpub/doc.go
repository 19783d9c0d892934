// Package mqttpub publishes device state to an MQTT broker and accepts
// commands from it.
//
// With the default prefix "tuyalan":
//
//	tuyalan/status                 online while the bridge runs (will: offline)
//	tuyalan/<id>/availability      online or offline, retained
//	tuyalan/<id>/state             {"1":true,"2":25}, retained
//	tuyalan/<id>/set               publish {"1":false} here to switch a device
//
// Everything is published at QoS 1. State and availability are republished
// after every reconnect since the client uses a clean session.
package mqttpub
