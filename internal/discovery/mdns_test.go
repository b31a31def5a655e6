package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func entry(instance, host string, port int, v4, v6 []net.IP, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, RelayService, ServiceDomain)
	e.HostName = host
	e.Port = port
	e.AddrIPv4 = v4
	e.AddrIPv6 = v6
	e.Text = txt
	return e
}

func TestScanner_parseServiceEntry(t *testing.T) {
	scanner := NewScanner(RelayService)

	tests := []struct {
		name         string
		entry        *zeroconf.ServiceEntry
		wantNil      bool
		wantInstance string
		wantIP       string
		wantPort     int
	}{
		{
			name:         "relay with IPv4",
			entry:        entry("pit-laptop", "pit-laptop.local.", 6543, []net.IP{net.ParseIP("192.168.4.16")}, nil, "version=1.0"),
			wantInstance: "pit-laptop",
			wantIP:       "192.168.4.16",
			wantPort:     6543,
		},
		{
			name:         "escaped instance name",
			entry:        entry(`chase\ car`, "chase.local.", 7000, []net.IP{net.ParseIP("10.0.0.5")}, nil),
			wantInstance: "chase car",
			wantIP:       "10.0.0.5",
			wantPort:     7000,
		},
		{
			name:         "IPv6 only",
			entry:        entry("solar", "solar.local.", 6543, nil, []net.IP{net.ParseIP("fe80::1")}),
			wantInstance: "solar",
			wantIP:       "fe80::1",
			wantPort:     6543,
		},
		{
			name:         "both families prefers IPv4",
			entry:        entry("solar", "solar.local.", 6543, []net.IP{net.ParseIP("192.168.1.50")}, []net.IP{net.ParseIP("fe80::2")}),
			wantInstance: "solar",
			wantIP:       "192.168.1.50",
			wantPort:     6543,
		},
		{
			name:    "no address",
			entry:   entry("solar", "solar.local.", 6543, nil, nil),
			wantNil: true,
		},
		{
			name:    "no port",
			entry:   entry("solar", "solar.local.", 0, []net.IP{net.ParseIP("192.168.1.1")}, nil),
			wantNil: true,
		},
		{
			name:    "nil entry",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := scanner.parseServiceEntry(tt.entry)

			if tt.wantNil {
				if ep != nil {
					t.Errorf("parseServiceEntry() = %v, want nil", ep)
				}
				return
			}
			if ep == nil {
				t.Fatal("parseServiceEntry() = nil, want an endpoint")
			}
			if ep.Instance != tt.wantInstance {
				t.Errorf("Instance = %q, want %q", ep.Instance, tt.wantInstance)
			}
			if ep.IP != tt.wantIP {
				t.Errorf("IP = %v, want %v", ep.IP, tt.wantIP)
			}
			if ep.Port != tt.wantPort {
				t.Errorf("Port = %v, want %v", ep.Port, tt.wantPort)
			}
			if ep.Service != RelayService {
				t.Errorf("Service = %q, want %q", ep.Service, RelayService)
			}
			if time.Since(ep.DiscoveredAt) > time.Second {
				t.Errorf("DiscoveredAt is not recent: %v", ep.DiscoveredAt)
			}
		})
	}
}

func TestScanner_parseServiceEntry_Metadata(t *testing.T) {
	scanner := NewScanner(RelayService)
	ep := scanner.parseServiceEntry(entry("pit", "pit.local.", 6543,
		[]net.IP{net.ParseIP("192.168.4.16")}, nil,
		"version=1.0", "port=/dev/ttyUSB0", "flag", "baud=115200=x"))
	if ep == nil {
		t.Fatal("parseServiceEntry() = nil, want an endpoint")
	}

	tests := []struct {
		key  string
		want string
	}{
		{"version", "1.0"},
		{"port", "/dev/ttyUSB0"},
		{"flag", ""},
		{"baud", "115200=x"},
		{"missing", ""},
	}
	for _, tt := range tests {
		if got := ep.GetMetadata(tt.key); got != tt.want {
			t.Errorf("GetMetadata(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
	if _, ok := ep.Metadata["flag"]; !ok {
		t.Error("key without value should still be recorded")
	}
}

func TestEndpointAddr(t *testing.T) {
	tests := []struct {
		ep       Endpoint
		wantAddr string
		wantURL  string
	}{
		{Endpoint{IP: "192.168.1.5", Port: 8000}, "192.168.1.5:8000", "http://192.168.1.5:8000"},
		{Endpoint{IP: "fe80::1", Port: 6543}, "[fe80::1]:6543", "http://[fe80::1]:6543"},
		{Endpoint{IP: "10.0.0.2", Port: 443, Metadata: map[string]string{"scheme": "https"}}, "10.0.0.2:443", "https://10.0.0.2:443"},
	}
	for _, tt := range tests {
		if got := tt.ep.Addr(); got != tt.wantAddr {
			t.Errorf("Addr() = %q, want %q", got, tt.wantAddr)
		}
		if got := tt.ep.BaseURL(); got != tt.wantURL {
			t.Errorf("BaseURL() = %q, want %q", got, tt.wantURL)
		}
	}
}

func TestEndpointString(t *testing.T) {
	ep := &Endpoint{Instance: "pit", Service: ServerService, Hostname: "pit.local.", IP: "10.0.0.2", Port: 8000}
	want := `server "pit" (pit.local.) at 10.0.0.2:8000`
	if got := ep.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestKind(t *testing.T) {
	tests := map[string]string{
		RelayService:  "relay",
		ServerService: "server",
		"_http._tcp":  "_http._tcp",
	}
	for service, want := range tests {
		if got := Kind(service); got != want {
			t.Errorf("Kind(%q) = %q, want %q", service, got, want)
		}
	}
}

func TestAdvertisementShutdownNil(t *testing.T) {
	var a *Advertisement
	a.Shutdown()
}
