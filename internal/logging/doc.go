// Package logging provides structured logging for the telemetry tools.
//
// This package wraps a global zap logger with convenience functions for
// the logging patterns shared by the serial decoder, the broadcast relay
// and the HTTP/WebSocket server.
//
// # Log Levels
//
//   - Debug: hex dumps of packets and WebSocket payloads, frame details
//   - Info: connections, descriptor loads, relay clients coming and going
//   - Warn: dropped packets, error counters climbing towards their limit
//   - Error: upstream or storage failures, startup failures
//
// # Structured Logging
//
//	logging.Info("Descriptor set loaded",
//	    zap.String("set", "bms"),
//	    zap.Int("descriptors", 12),
//	)
//
// # Specialized Logging
//
//	logging.LogConnection(remoteAddr, "websocket_upgraded")
//	logging.LogWebSocketMessage(remoteAddr, "sent", opcode, payload)
//	logging.LogPacketError(packet, err)
//	logging.LogRawBytes("serial chunk", data)
//
// # Configuration
//
// Logging is silent unless a level is passed to Initialize or
// TELEMETRY_LOG_LEVEL is set:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    return err
//	}
//	defer logging.Sync()
//
// Output goes to stderr in console format so that commands which print
// data to stdout (watch, ports) stay pipeable. Long-running services can
// switch to JSON lines instead:
//
//	logging.Configure(logging.Options{Level: "info", Format: logging.FormatJSON})
package logging
