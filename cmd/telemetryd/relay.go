package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/discovery"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/relay"
	"github.com/calsol/telemetry/internal/serialport"
	"github.com/calsol/telemetry/internal/version"
)

// Relay command flags
var (
	relayListen    string
	relayLogFile   string
	relayAdvertise bool
	relayInstance  string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Broadcast the raw serial stream to network clients",
	Long: `Read the serial port and send every byte to each connected TCP client.

Clients that fall too far behind are dropped. The stream can also be
recorded to a capture file for later import; a .zst or .lz4 extension
compresses it.

The first interrupt stops accepting clients and exits once every
client has received what was already read. A second interrupt closes
everything immediately.`,
	Example: `  # Relay the first USB adapter on the default address
  telemetryd relay

  # Relay on every interface, record a compressed capture, and advertise
  telemetryd relay --listen 0.0.0.0:6543 --log-file run.xsp.zst --advertise`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&serialPort, "port", "", "Serial port, or \"auto\" for the first USB adapter (default from config)")
	relayCmd.Flags().IntVar(&baudRate, "baud", 0, "Serial baud rate (default from config)")
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Listen address (default from config)")
	relayCmd.Flags().StringVar(&relayLogFile, "log-file", "", "Record the raw stream to this capture file")
	relayCmd.Flags().BoolVar(&relayAdvertise, "advertise", false, "Advertise the relay over mDNS")
	relayCmd.Flags().StringVar(&relayInstance, "instance", "", "mDNS instance name (default is the hostname)")

	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	settings := cfg.RelaySettings()
	if relayListen != "" {
		settings.Addr = relayListen
	}
	if relayLogFile != "" {
		settings.LogFile = relayLogFile
	}

	name := cfg.Serial.Port
	if serialPort != "" {
		name = serialPort
	}
	baud := cfg.Serial.Baud
	if baudRate > 0 {
		baud = baudRate
	}
	port, err := serialport.Open(name, baud, cfg.Serial.ReadTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = port.Close() }()

	srv := relay.New(settings, port)
	if err := srv.Listen(); err != nil {
		return err
	}

	if relayAdvertise || cfg.Relay.Advertise {
		instance := relayInstance
		if instance == "" {
			instance = cfg.Relay.Instance
		}
		if instance == "" {
			instance, _ = os.Hostname()
		}
		adv, err := discovery.Advertise(instance, discovery.RelayService, srv.Addr().(*net.TCPAddr).Port, []string{
			"serial=" + port.Name(),
			"version=" + version.Version,
		})
		if err != nil {
			logging.Warn("mDNS advertisement failed", zap.Error(err))
		}
		defer adv.Shutdown()
	}

	// Each interrupt is one Shutdown; the second forces the close.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigs:
				logging.Info("Signal received, shutting down relay", zap.String("signal", sig.String()))
				srv.Shutdown()
			case <-done:
				return
			}
		}
	}()

	err = srv.Run(cmd.Context())
	stats := srv.Stats()
	logging.Info("Relay stopped",
		zap.Uint64("clients_accepted", stats.Accepted),
		zap.Uint64("bytes_read", stats.BytesRead),
	)
	if err != nil {
		return fmt.Errorf("serial source failed: %w", err)
	}
	return nil
}
