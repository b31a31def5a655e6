package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/logging"
)

const (
	// RelayService is advertised by the broadcast relay; clients read the
	// raw XSP byte stream from it.
	RelayService = "_xsp-relay._tcp"

	// ServerService is advertised by the HTTP/WebSocket telemetry server.
	ServerService = "_xsp-telemetry._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for discovery
	DefaultScanTimeout = 5 * time.Second
)

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers instance under service on every interface until
// Shutdown is called. txt entries are "key=value" strings.
func Advertise(instance, service string, port int, txt []string) (*Advertisement, error) {
	server, err := zeroconf.Register(instance, service, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service %s: %w", service, err)
	}
	logging.Info("Advertising over mDNS",
		zap.String("instance", instance),
		zap.String("service", service),
		zap.Int("port", port),
	)
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	logging.Debug("mDNS advertisement withdrawn")
}

// Scanner handles mDNS discovery of one service type
type Scanner struct {
	// Service is the mDNS service type to browse
	Service string

	// Timeout is the maximum time to wait for answers
	Timeout time.Duration
}

// NewScanner creates a scanner for service with default settings
func NewScanner(service string) *Scanner {
	return &Scanner{
		Service: service,
		Timeout: DefaultScanTimeout,
	}
}

// Scan collects every endpoint that answers before the timeout.
func (s *Scanner) Scan(ctx context.Context) ([]*Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		wg        sync.WaitGroup
		endpoints []*Endpoint
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen := make(map[string]bool)
		for entry := range entries {
			ep := s.parseServiceEntry(entry)
			if ep == nil || seen[ep.Instance] {
				continue
			}
			seen[ep.Instance] = true
			endpoints = append(endpoints, ep)
		}
	}()

	if err := resolver.Browse(ctx, s.Service, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	// The resolver closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()
	return endpoints, nil
}

// WaitFor returns the first endpoint whose instance name matches, or the
// first endpoint at all when instance is empty.
func (s *Scanner) WaitFor(ctx context.Context, instance string) (*Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan *Endpoint, 1)
	go func() {
		for entry := range entries {
			ep := s.parseServiceEntry(entry)
			if ep != nil && (instance == "" || ep.Instance == instance) {
				found <- ep
				cancel()
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, s.Service, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	select {
	case ep := <-found:
		return ep, nil
	case <-ctx.Done():
		select {
		case ep := <-found:
			return ep, nil
		default:
		}
		if instance == "" {
			return nil, fmt.Errorf("no %s found within %s", Kind(s.Service), s.Timeout)
		}
		return nil, fmt.Errorf("%s %q not found within %s", Kind(s.Service), instance, s.Timeout)
	}
}

// parseServiceEntry converts a zeroconf service entry to an Endpoint.
// Returns nil if the entry carries no usable address.
func (s *Scanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Endpoint {
	if entry == nil || entry.Port == 0 {
		return nil
	}

	// Prefer IPv4
	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[key] = value
	}

	return &Endpoint{
		Instance:     unescapeInstance(entry.Instance),
		Service:      s.Service,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}

// unescapeInstance undoes the DNS escaping zeroconf leaves in instance
// names ("pit\ laptop").
func unescapeInstance(s string) string {
	return strings.ReplaceAll(s, `\`, "")
}

// FindRelay waits for the named relay (any relay when instance is empty).
func FindRelay(ctx context.Context, instance string, timeout time.Duration) (*Endpoint, error) {
	scanner := NewScanner(RelayService)
	if timeout > 0 {
		scanner.Timeout = timeout
	}
	return scanner.WaitFor(ctx, instance)
}
