package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/discovery"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/server"
	"github.com/calsol/telemetry/internal/storage/sqlite"
	"github.com/calsol/telemetry/internal/version"
)

// Serve command flags
var (
	serveAddr       string
	serveCaptureDir string
	serveCertPath   string
	serveKeyPath    string
	serveAdvertise  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored telemetry over HTTP and WebSocket",
	Long: `Serve the telemetry database to dashboards.

Plain GET requests return stored records as JSON (or CBOR with
?encoding=cbor). The same data paths upgrade to WebSocket, where the
server sends the query result and then pushes new records as they are
stored.

To capture WebSocket frames for debugging, use the --capture-dir flag
to specify a directory where one JSONL file per session will be written.`,
	Example: `  # Serve on the configured address
  telemetryd serve

  # Serve on a custom port with frame capture
  telemetryd serve --addr :9000 --capture-dir ./captures

  # Serve over TLS and advertise on the local network
  telemetryd serve --cert fullchain.pem --key privkey.pem --advertise`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveCaptureDir, "capture-dir", "", "Directory to write WebSocket frame captures (disabled if not specified)")
	serveCmd.Flags().StringVar(&serveCertPath, "cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&serveKeyPath, "key", "", "Path to TLS private key file")
	serveCmd.Flags().BoolVar(&serveAdvertise, "advertise", false, "Advertise the server over mDNS")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	settings := cfg.ServerSettings()
	if serveAddr != "" {
		settings.Addr = serveAddr
	}
	if serveCaptureDir != "" {
		settings.CaptureDir = serveCaptureDir
	}
	if serveCertPath != "" || serveKeyPath != "" {
		if serveCertPath == "" || serveKeyPath == "" {
			return fmt.Errorf("both --cert and --key must be provided together")
		}
		settings.CertPath, settings.KeyPath = serveCertPath, serveKeyPath
	}

	if settings.CaptureDir != "" {
		info, err := os.Stat(settings.CaptureDir)
		if os.IsNotExist(err) {
			return fmt.Errorf("capture directory does not exist: %s", settings.CaptureDir)
		}
		if err != nil {
			return fmt.Errorf("cannot access capture directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("capture path is not a directory: %s", settings.CaptureDir)
		}
	}

	table, err := loadDescriptors()
	if err != nil {
		return err
	}
	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	if serveAdvertise || cfg.Server.Advertise {
		adv, err := advertiseServer(settings)
		if err != nil {
			logging.Warn("mDNS advertisement failed", zap.Error(err))
		}
		defer adv.Shutdown()
	}

	ctx, stop := signalContext()
	defer stop()

	srv := server.New(settings, store, table)
	return srv.Start(ctx)
}

func advertiseServer(settings server.Config) (*discovery.Advertisement, error) {
	port, err := listenPort(settings.Addr)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	scheme := "http"
	if settings.CertPath != "" {
		scheme = "https"
	}
	return discovery.Advertise(host, discovery.ServerService, port, []string{
		"scheme=" + scheme,
		"version=" + version.Version,
	})
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen address %q has no fixed port", addr)
	}
	return port, nil
}
