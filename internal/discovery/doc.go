// Package discovery advertises and finds telemetry endpoints over mDNS.
//
// Two service types are used:
//   - "_xsp-relay._tcp" for the broadcast relay, which streams the raw
//     serial bytes to every TCP client
//   - "_xsp-telemetry._tcp" for the HTTP/WebSocket server
//
// TXT records carry "version=<build version>" and, for relays, the
// upstream "port=" and "baud=".
//
// # Usage Example
//
//	adv, err := discovery.Advertise("pit-laptop", discovery.RelayService, 6543,
//	    []string{"version=" + version.Version})
//	if err != nil {
//	    return err
//	}
//	defer adv.Shutdown()
//
//	relays, err := discovery.NewScanner(discovery.RelayService).Scan(ctx)
package discovery
