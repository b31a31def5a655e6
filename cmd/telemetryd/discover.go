package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/calsol/telemetry/internal/discovery"
	"github.com/calsol/telemetry/internal/serialport"
	"github.com/calsol/telemetry/internal/ui"
)

// Discover command flags
var discoverTimeout int

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find relays and telemetry servers on the network",
	Long: `Find relays and telemetry servers using mDNS/DNS-SD discovery.

Relays and servers started with --advertise announce themselves on the
local network. This command lists every one that answers in time.`,
	Example: `  # Scan for 5 seconds (default)
  telemetryd discover

  # Longer scan for busy networks
  telemetryd discover --timeout 15`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runDiscover,
}

var portsCmd = &cobra.Command{
	Use:               "ports",
	Short:             "List serial ports",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runPorts,
}

func init() {
	discoverCmd.Flags().IntVar(&discoverTimeout, "timeout", int(discovery.DefaultScanTimeout/time.Second), "Scan timeout in seconds")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(portsCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	fmt.Printf("Scanning for relays and servers (timeout: %ds)...\n\n", discoverTimeout)

	ctx, stop := signalContext()
	defer stop()

	services := []string{discovery.RelayService, discovery.ServerService}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		found []*discovery.Endpoint
		errs  []error
	)
	for _, service := range services {
		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			endpoints, err := scanService(ctx, service)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			found = append(found, endpoints...)
		}(service)
	}
	wg.Wait()

	printer := ui.NewPrinter(os.Stdout)
	if len(found) == 0 {
		if len(errs) > 0 {
			printer.PrintError("Scan failed", errs[0], nil)
			return errs[0]
		}
		printer.PrintWarning("Nothing found", nil)
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Start the relay or server with --advertise")
		fmt.Println("  - Check that this machine is on the same network")
		fmt.Println("  - Try increasing --timeout for slower networks")
		return nil
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Service != found[j].Service {
			return found[i].Service < found[j].Service
		}
		return found[i].Instance < found[j].Instance
	})
	fmt.Printf("Found %d:\n\n", len(found))
	for i, ep := range found {
		fmt.Printf("%d. %s\n", i+1, ep.String())
		for _, k := range sortedKeys(ep.Metadata) {
			fmt.Printf("   %s: %s\n", k, ep.Metadata[k])
		}
		if ep.Service == discovery.ServerService {
			fmt.Printf("   url: %s\n", ep.BaseURL())
		}
		fmt.Println()
	}
	return nil
}

func scanService(ctx context.Context, service string) ([]*discovery.Endpoint, error) {
	scanner := discovery.NewScanner(service)
	scanner.Timeout = time.Duration(discoverTimeout) * time.Second
	return scanner.Scan(ctx)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := serialport.List()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}
	for _, p := range ports {
		line := p.Name
		if p.IsUSB {
			details := []string{fmt.Sprintf("USB %s:%s", p.VID, p.PID)}
			if p.Product != "" {
				details = append(details, p.Product)
			}
			if p.SerialNumber != "" {
				details = append(details, "serial "+p.SerialNumber)
			}
			line += "  (" + strings.Join(details, ", ") + ")"
		}
		fmt.Println(line)
	}
	return nil
}
