package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/calsol/telemetry/internal/downsample"
	"github.com/calsol/telemetry/internal/ingest"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/relay"
	"github.com/calsol/telemetry/internal/serialport"
	"github.com/calsol/telemetry/internal/server"
	"github.com/calsol/telemetry/internal/xsp"
)

// CurrentVersion is the config file format version.
const CurrentVersion = 1

// Config is the whole configuration file. Every field can be overridden
// from the environment with the TELEMETRY_ prefix, e.g.
// TELEMETRY_SERVER_ADDR or TELEMETRY_INGEST_DB_ERROR_LIMIT.
type Config struct {
	Version     int              `yaml:"version"`
	LogLevel    string           `yaml:"log_level,omitempty" env:"LOG_LEVEL"`
	LogFormat   string           `yaml:"log_format,omitempty" env:"LOG_FORMAT"`
	Server      ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Serial      SerialConfig     `yaml:"serial" envPrefix:"SERIAL_"`
	Storage     StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Descriptors DescriptorConfig `yaml:"descriptors" envPrefix:"DESCRIPTORS_"`
	Relay       RelayConfig      `yaml:"relay" envPrefix:"RELAY_"`
	Ingest      IngestConfig     `yaml:"ingest" envPrefix:"INGEST_"`
	Downsample  DownsampleConfig `yaml:"downsample" envPrefix:"DOWNSAMPLE_"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	LiveInterval time.Duration `yaml:"live_interval" env:"LIVE_INTERVAL"`
	LatestWindow time.Duration `yaml:"latest_window" env:"LATEST_WINDOW"`
	CaptureDir   string        `yaml:"capture_dir,omitempty" env:"CAPTURE_DIR"`
	CertPath     string        `yaml:"cert,omitempty" env:"CERT"`
	KeyPath      string        `yaml:"key,omitempty" env:"KEY"`
	Advertise    bool          `yaml:"advertise" env:"ADVERTISE"`
}

// SerialConfig selects the upstream serial port. Port "auto" picks the
// first USB serial adapter.
type SerialConfig struct {
	Port        string        `yaml:"port" env:"PORT"`
	Baud        int           `yaml:"baud" env:"BAUD"`
	ReadSize    int           `yaml:"read_size" env:"READ_SIZE"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
}

type StorageConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type DescriptorConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
}

// RelayConfig configures the broadcast relay. LogFile captures the raw
// stream; a .zst or .lz4 suffix compresses it.
type RelayConfig struct {
	Addr            string `yaml:"addr" env:"ADDR"`
	LogFile         string `yaml:"log_file,omitempty" env:"LOG_FILE"`
	Advertise       bool   `yaml:"advertise" env:"ADVERTISE"`
	Instance        string `yaml:"instance,omitempty" env:"INSTANCE"`
	MaxClientBuffer int    `yaml:"max_client_buffer" env:"MAX_CLIENT_BUFFER"`
}

type IngestConfig struct {
	SerialErrorLimit int    `yaml:"serial_error_limit" env:"SERIAL_ERROR_LIMIT"`
	DBErrorLimit     int    `yaml:"db_error_limit" env:"DB_ERROR_LIMIT"`
	IntervalName     string `yaml:"interval_name,omitempty" env:"INTERVAL_NAME"`
}

// DownsampleConfig sets the screen the history endpoint reduces for.
type DownsampleConfig struct {
	Width   float64 `yaml:"width" env:"WIDTH"`
	Height  float64 `yaml:"height" env:"HEIGHT"`
	VMin    float64 `yaml:"vmin" env:"VMIN"`
	VMax    float64 `yaml:"vmax" env:"VMAX"`
	Epsilon float64 `yaml:"epsilon" env:"EPSILON"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Addr:         server.DefaultAddr,
			LiveInterval: server.DefaultLiveInterval,
			LatestWindow: server.DefaultLatestWindow,
		},
		Serial: SerialConfig{
			Port:        serialport.Auto,
			Baud:        serialport.DefaultBaud,
			ReadSize:    xsp.DefaultReadSize,
			ReadTimeout: serialport.DefaultReadTimeout,
		},
		Storage:     StorageConfig{Path: "telemetry.db"},
		Descriptors: DescriptorConfig{Dir: "config"},
		Relay: RelayConfig{
			Addr:            relay.DefaultAddr,
			MaxClientBuffer: relay.DefaultMaxClientBuffer,
		},
		Ingest: IngestConfig{
			SerialErrorLimit: ingest.DefaultSerialErrorLimit,
			DBErrorLimit:     ingest.DefaultDBErrorLimit,
		},
		Downsample: DownsampleConfig{
			Width:   downsample.DefaultWidth,
			Height:  downsample.DefaultHeight,
			VMin:    downsample.DefaultVMin,
			VMax:    downsample.DefaultVMax,
			Epsilon: downsample.DefaultEpsilon,
		},
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Version == CurrentVersion, "unsupported config version: %d (expected %d)", c.Version, CurrentVersion)
	if c.LogLevel != "" {
		_, err := logging.ParseLevel(c.LogLevel)
		check(err == nil, "log_level: %v", err)
	}
	check(c.LogFormat == "" || c.LogFormat == logging.FormatConsole || c.LogFormat == logging.FormatJSON,
		"log_format must be %q or %q, got %q", logging.FormatConsole, logging.FormatJSON, c.LogFormat)
	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.LiveInterval > 0, "server.live_interval must be positive, got %s", c.Server.LiveInterval)
	check(c.Server.LatestWindow > 0, "server.latest_window must be positive, got %s", c.Server.LatestWindow)
	check((c.Server.CertPath == "") == (c.Server.KeyPath == ""), "server.cert and server.key must be set together")
	check(c.Serial.Baud > 0, "serial.baud must be positive, got %d", c.Serial.Baud)
	check(c.Serial.ReadSize > 0, "serial.read_size must be positive, got %d", c.Serial.ReadSize)
	check(c.Serial.ReadTimeout > 0, "serial.read_timeout must be positive, got %s", c.Serial.ReadTimeout)
	check(c.Storage.Path != "", "storage.path is required")
	check(c.Relay.Addr != "", "relay.addr is required")
	check(c.Relay.MaxClientBuffer > 0, "relay.max_client_buffer must be positive, got %d", c.Relay.MaxClientBuffer)
	check(c.Ingest.SerialErrorLimit > 0, "ingest.serial_error_limit must be positive, got %d", c.Ingest.SerialErrorLimit)
	check(c.Ingest.DBErrorLimit > 0, "ingest.db_error_limit must be positive, got %d", c.Ingest.DBErrorLimit)
	check(c.Downsample.Width > 0 && c.Downsample.Height > 0, "downsample.width and downsample.height must be positive")
	check(c.Downsample.VMax > c.Downsample.VMin, "downsample.vmax must exceed downsample.vmin")
	check(c.Downsample.Epsilon > 0, "downsample.epsilon must be positive, got %g", c.Downsample.Epsilon)
	return errors.Join(errs...)
}

// ServerSettings converts the file settings into a server.Config.
func (c *Config) ServerSettings() server.Config {
	return server.Config{
		Addr:          c.Server.Addr,
		LiveInterval:  c.Server.LiveInterval,
		LatestWindow:  c.Server.LatestWindow,
		CaptureDir:    c.Server.CaptureDir,
		DescriptorDir: c.Descriptors.Dir,
		CertPath:      c.Server.CertPath,
		KeyPath:       c.Server.KeyPath,
		VMin:          c.Downsample.VMin,
		VMax:          c.Downsample.VMax,
		Width:         c.Downsample.Width,
		Height:        c.Downsample.Height,
		Epsilon:       c.Downsample.Epsilon,
	}
}

// RelaySettings converts the file settings into a relay.Config.
func (c *Config) RelaySettings() relay.Config {
	return relay.Config{
		Addr:            c.Relay.Addr,
		LogFile:         c.Relay.LogFile,
		ReadSize:        c.Serial.ReadSize,
		MaxClientBuffer: c.Relay.MaxClientBuffer,
	}
}

// IngestSettings converts the file settings into an ingest.Config.
func (c *Config) IngestSettings() ingest.Config {
	cfg := ingest.DefaultConfig()
	cfg.SerialErrorLimit = c.Ingest.SerialErrorLimit
	cfg.DBErrorLimit = c.Ingest.DBErrorLimit
	cfg.ReadSize = c.Serial.ReadSize
	cfg.IntervalName = c.Ingest.IntervalName
	return cfg
}
