package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestGetConfigDir(t *testing.T) {
	if runtime.GOOS != "windows" && runtime.GOOS != "darwin" {
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		dir, err := GetConfigDir()
		if err != nil {
			t.Fatalf("GetConfigDir() error = %v", err)
		}
		if dir != filepath.Join("/tmp/xdg", "telemetry") {
			t.Errorf("GetConfigDir() = %v, want /tmp/xdg/telemetry", dir)
		}
	}

	path, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("GetConfigPath() should end with 'config.yaml', got: %v", path)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"bad version", func(c *Config) { c.Version = 2 }, "version"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"no addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"zero interval", func(c *Config) { c.Server.LiveInterval = 0 }, "live_interval"},
		{"cert without key", func(c *Config) { c.Server.CertPath = "cert.pem" }, "server.cert"},
		{"zero baud", func(c *Config) { c.Serial.Baud = 0 }, "serial.baud"},
		{"no storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"db limit", func(c *Config) { c.Ingest.DBErrorLimit = 0 }, "db_error_limit"},
		{"inverted range", func(c *Config) { c.Downsample.VMin = 200 }, "vmax"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}

	cfg := Default()
	cfg.Serial.Baud = 0
	cfg.Storage.Path = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "serial.baud") || !strings.Contains(err.Error(), "storage.path") {
		t.Errorf("Validate() = %v, want both problems reported", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != Default().Server.Addr {
		t.Errorf("Server.Addr = %q, want default", cfg.Server.Addr)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `version: 1
server:
  addr: ":9000"
  live_interval: 250ms
serial:
  port: /dev/ttyUSB1
ingest:
  serial_error_limit: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("TELEMETRY_SERIAL_PORT", "/dev/ttyACM0")
	t.Setenv("TELEMETRY_INGEST_DB_ERROR_LIMIT", "9")
	t.Setenv("TELEMETRY_RELAY_ADVERTISE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want :9000 from the file", cfg.Server.Addr)
	}
	if cfg.Server.LiveInterval != 250*time.Millisecond {
		t.Errorf("Server.LiveInterval = %v, want 250ms", cfg.Server.LiveInterval)
	}
	if cfg.Serial.Port != "/dev/ttyACM0" {
		t.Errorf("Serial.Port = %q, want the env override", cfg.Serial.Port)
	}
	if cfg.Ingest.SerialErrorLimit != 3 || cfg.Ingest.DBErrorLimit != 9 {
		t.Errorf("Ingest = %+v, want 3 from the file and 9 from env", cfg.Ingest)
	}
	if !cfg.Relay.Advertise {
		t.Error("Relay.Advertise = false, want true from env")
	}
	// Untouched fields keep their defaults.
	if cfg.Serial.Baud != Default().Serial.Baud {
		t.Errorf("Serial.Baud = %d, want default", cfg.Serial.Baud)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"syntax":  "server: [",
		"invalid": "version: 1\nserial:\n  baud: -1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			if err := os.WriteFile(path, []byte(body), 0600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() error = nil, want an error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Server.LatestWindow = 5 * time.Minute
	cfg.Relay.LogFile = "raw.zst"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(string(data), "# Telemetry configuration") {
		t.Error("saved file is missing its header")
	}
	if !strings.Contains(string(data), "latest_window: 5m0s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.LatestWindow != 5*time.Minute || loaded.Relay.LogFile != "raw.zst" {
		t.Errorf("Load() after Save() = %+v", loaded)
	}
}

func TestSettingsConversion(t *testing.T) {
	cfg := Default()
	cfg.Descriptors.Dir = "descr"
	cfg.Serial.ReadSize = 512

	if s := cfg.ServerSettings(); s.DescriptorDir != "descr" || s.Width != cfg.Downsample.Width {
		t.Errorf("ServerSettings() = %+v", s)
	}
	if r := cfg.RelaySettings(); r.ReadSize != 512 || r.Addr != cfg.Relay.Addr {
		t.Errorf("RelaySettings() = %+v", r)
	}
	if i := cfg.IngestSettings(); i.ReadSize != 512 || i.Idle <= 0 {
		t.Errorf("IngestSettings() = %+v", i)
	}
}
