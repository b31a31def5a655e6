package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Endpoint is a relay or telemetry server found on the local network.
type Endpoint struct {
	// Instance is the advertised instance name (e.g. "pit-laptop")
	Instance string

	// Service is the mDNS service type the endpoint answered for
	Service string

	// Hostname is the mDNS hostname (e.g. "pit-laptop.local.")
	Hostname string

	// IP is the first advertised address, IPv4 preferred
	IP string

	Port int

	// Metadata holds the TXT record, e.g. "version=1.2.0", "baud=115200"
	Metadata map[string]string

	DiscoveredAt time.Time
}

// String returns a human-readable description of the endpoint.
func (e *Endpoint) String() string {
	return fmt.Sprintf("%s %q (%s) at %s", Kind(e.Service), e.Instance, e.Hostname, e.Addr())
}

// Addr returns host:port suitable for net.Dial.
func (e *Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// BaseURL returns the HTTP base URL of a telemetry server, using the
// scheme it advertised.
func (e *Endpoint) BaseURL() string {
	scheme := e.GetMetadata("scheme")
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + e.Addr()
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (e *Endpoint) GetMetadata(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// Kind names a service type for display.
func Kind(service string) string {
	switch service {
	case RelayService:
		return "relay"
	case ServerService:
		return "server"
	default:
		return service
	}
}
