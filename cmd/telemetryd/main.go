// Telemetryd records and serves car telemetry decoded from an XSP serial
// CAN stream.
//
// It reads the stream from a serial port or a relay, decodes it against
// the CAN descriptor files, stores every message in SQLite and serves the
// stored data over HTTP and WebSocket.
//
// Usage:
//
//	telemetryd [command] [flags]
//
// See 'telemetryd --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calsol/telemetry/internal/config"
	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Global flags
var (
	configPath string
	logLevel   string
)

// cfg is loaded before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "telemetryd",
	Short: "CalSol Telemetry Daemon",
	Long: `Records and serves telemetry from the car's XSP serial CAN stream.

The car's radio link delivers CAN packets framed and escaped by XSP. This
tool decodes them against the CAN descriptor files, stores each message in
SQLite, and serves the data to dashboards over HTTP and WebSocket.

A relay can share one serial port with several readers on the network.`,
	Version:           version.Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default is the user config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if err := logging.Configure(logging.Options{Level: c.LogLevel, Format: c.LogFormat}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg = c
	return nil
}

// loadDescriptors loads the configured descriptor directory into a table.
func loadDescriptors() (*descriptor.Table, error) {
	set, err := descriptor.LoadDir(cfg.Descriptors.Dir)
	if err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		logging.Warn("No CAN descriptors loaded; every packet will be dropped")
	}
	return descriptor.NewTable(set), nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// The version needs no config.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("telemetryd %s\n", version.Full())
	},
}
