package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/discovery"
	"github.com/calsol/telemetry/internal/ingest"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/serialport"
	"github.com/calsol/telemetry/internal/storage/sqlite"
	"github.com/calsol/telemetry/internal/xsp"
)

// Upstream selection flags, shared by log and monitor
var (
	serialPort   string
	baudRate     int
	relayAddr    string
	findRelay    bool
	relayName    string
	scanTimeout  time.Duration
	escapePolicy string
)

// Log command flags
var intervalName string

func addUpstreamFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serialPort, "port", "", "Serial port, or \"auto\" for the first USB adapter (default from config)")
	cmd.Flags().IntVar(&baudRate, "baud", 0, "Serial baud rate (default from config)")
	cmd.Flags().StringVar(&relayAddr, "relay", "", "Read from a relay at host:port instead of a serial port")
	cmd.Flags().BoolVar(&findRelay, "find-relay", false, "Find a relay on the local network over mDNS")
	cmd.Flags().StringVar(&relayName, "relay-name", "", "Relay instance to wait for with --find-relay (default any)")
	cmd.Flags().DurationVar(&scanTimeout, "scan-timeout", discovery.DefaultScanTimeout, "How long --find-relay waits")
	cmd.Flags().StringVar(&escapePolicy, "escape-errors", "strict", "Escape error policy (strict, ignore, replace)")
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Decode the serial stream into the database",
	Long: `Read the XSP stream, decode every CAN packet and store each message.

The stream comes from a serial port by default. Use --relay or
--find-relay to read a relay's broadcast instead, which lets the
logger run on a different machine from the radio.

The logger gives up after too many consecutive read or storage
failures; both limits are set in the config file.`,
	Example: `  # Log from the first USB serial adapter
  telemetryd log

  # Log from a specific port at a custom rate
  telemetryd log --port /dev/ttyUSB1 --baud 57600

  # Log from a relay found on the local network, naming the run
  telemetryd log --find-relay --interval "endurance day 2"`,
	RunE: runLog,
}

func init() {
	addUpstreamFlags(logCmd)
	logCmd.Flags().StringVar(&intervalName, "interval", "", "Record the run as a named interval")

	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	policy, err := xsp.ParseErrorPolicy(escapePolicy)
	if err != nil {
		return err
	}
	table, err := loadDescriptors()
	if err != nil {
		return err
	}
	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// Closing twice is harmless if the storage limit already closed it.
	defer func() { _ = store.Close() }()

	ctx, stop := signalContext()
	defer stop()

	port, err := openUpstream(ctx)
	if err != nil {
		return err
	}

	settings := cfg.IngestSettings()
	if intervalName != "" {
		settings.IntervalName = intervalName
	}
	in := ingest.New(xsp.NewHandler(table, xsp.WithErrorPolicy(policy)), store, settings)

	logging.Info("Logging telemetry",
		zap.String("upstream", upstreamName(port)),
		zap.String("database", cfg.Storage.Path),
	)
	err = in.Run(ctx, port)
	stats := in.Stats()
	logging.Info("Logger stopped",
		zap.Uint64("stored", stats.Stored),
		zap.Uint64("serial_errors", stats.SerialErrors),
		zap.Uint64("storage_errors", stats.StorageErrors),
	)
	return err
}

// openUpstream opens the relay or serial port the flags select.
func openUpstream(ctx context.Context) (ingest.Port, error) {
	if findRelay && relayAddr == "" {
		ep, err := discovery.FindRelay(ctx, relayName, scanTimeout)
		if err != nil {
			return nil, fmt.Errorf("no relay found: %w", err)
		}
		logging.Info("Found relay", zap.String("relay", ep.String()))
		relayAddr = ep.Addr()
	}
	if relayAddr != "" {
		return serialport.Dial(ctx, relayAddr, cfg.Serial.ReadTimeout)
	}

	name := cfg.Serial.Port
	if serialPort != "" {
		name = serialPort
	}
	baud := cfg.Serial.Baud
	if baudRate > 0 {
		baud = baudRate
	}
	return serialport.Open(name, baud, cfg.Serial.ReadTimeout)
}

func upstreamName(port ingest.Port) string {
	if named, ok := port.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "unknown"
}
