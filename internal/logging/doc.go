// Package logging provides structured logging for the tuyalan tools.
//
// This package wraps a package-global zap logger with convenience functions
// for the logging patterns used by device sessions, the discovery listener
// and the bridge server.
//
// # Log Levels
//
//   - Debug: frame hex dumps, handshake steps, ping/pong
//   - Info: connections, reconnect decisions, dropped frames
//   - Warn: resource exhaustion, widened backoff, integrity failures
//   - Error: startup failures
//
// # Configuration
//
// Logging is silent unless a level is given, either explicitly or through
// the TUYALAN_LOG_LEVEL environment variable:
//
//	if err := logging.InitializeFromEnv(); err != nil {
//	    return err
//	}
//	defer logging.Sync()
//
// # Structured Logging
//
// Session log lines carry the device id and a per-socket connection id:
//
//	logging.Info("Reconnecting",
//	    zap.String("device_id", "bf1234"),
//	    zap.String("conn_id", connID),
//	    zap.Duration("delay", 5*time.Second),
//	)
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. Initialize and
// SetLogger are meant to be called once at startup.
package logging
