package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/calsol/telemetry/internal/logging"
)

const (
	// JSONSuffix marks JSON (comments and trailing commas allowed) descriptor files.
	JSONSuffix = ".can.json"
	// YAMLSuffix marks YAML descriptor files.
	YAMLSuffix = ".can.yaml"
)

// SetName derives a group name from a descriptor file path.
func SetName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, JSONSuffix)
	return strings.TrimSuffix(base, YAMLSuffix)
}

// LoadDir loads every descriptor file in dir into a new Set. Files that fail
// to parse and entries with bad ids or formats are logged and skipped, so
// one broken node file never takes the others down. It is an error only if
// dir itself cannot be read.
func LoadDir(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, JSONSuffix) || strings.HasSuffix(name, YAMLSuffix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	set := NewSet()
	if len(files) == 0 {
		logging.Warn("No CAN descriptor files found", zap.String("dir", dir))
		return set, nil
	}

	for _, path := range files {
		n, err := loadFile(set, path)
		if err != nil {
			logging.Error("Failed to load descriptor file",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		logging.Info("Descriptor set loaded",
			zap.String("set", SetName(path)),
			zap.Int("descriptors", n),
		)
	}
	return set, nil
}

func loadFile(set *Set, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	raw, err := parseFile(path, data)
	if err != nil {
		return 0, err
	}

	group := SetName(path)
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	loaded := 0
	for _, key := range keys {
		d, err := raw[key].compile(key, group)
		if err != nil {
			logging.Error("Bad CAN descriptor",
				zap.String("set", group),
				zap.String("id", key),
				zap.Error(err),
			)
			continue
		}
		if err := set.Add(d); err != nil {
			logging.Error("Duplicate CAN descriptor", zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded, nil
}

// parseFile decodes one descriptor file; the format is chosen by suffix.
func parseFile(path string, data []byte) (map[string]entry, error) {
	raw := make(map[string]entry)
	if strings.HasSuffix(path, YAMLSuffix) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return raw, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return raw, nil
}
