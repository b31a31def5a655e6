package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestConfigureJSONToFile(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })
	path := filepath.Join(t.TempDir(), "telemetry.log")

	if err := Configure(Options{Level: "warn", Format: FormatJSON, Output: path}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	Info("not written")
	Warn("Dropped XSP packet", zap.Int("length", 3))
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1:\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["msg"] != "Dropped XSP packet" || entry["length"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
}

func TestConfigureSilentWithoutLevel(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })
	t.Setenv(LogLevelEnvVar, "")

	if err := Configure(Options{}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if GetLogger().Core().Enabled(zap.ErrorLevel) {
		t.Error("logger should be silent when no level is set")
	}
}

func TestConfigureRejectsUnknownFormat(t *testing.T) {
	if err := Configure(Options{Level: "info", Format: "xml"}); err == nil {
		t.Error("Configure(format=xml) error = nil")
	}
}

func TestParseLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := ParseLevel(level); err != nil {
			t.Errorf("ParseLevel(%q) error = %v", level, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) error = nil")
	}
}

func TestDumps(t *testing.T) {
	if got := asciiDump([]byte{'A', 0xE7, 'z'}); got != "A.z" {
		t.Errorf("asciiDump() = %q, want A.z", got)
	}
	long := make([]byte, 300)
	if got := hexDump(long); !strings.HasSuffix(got, "...") || len(got) != 512+3 {
		t.Errorf("hexDump() of 300 bytes has length %d", len(got))
	}
}
