// Package config loads the telemetry configuration.
//
// Settings are resolved in order: built-in defaults, the YAML file, then
// TELEMETRY_* environment variables. Command-line flags are applied last
// by the CLI.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/telemetry/config.yaml or $HOME/.config/telemetry/config.yaml
//   - macOS: $HOME/.config/telemetry/config.yaml
//   - Windows: %LOCALAPPDATA%\telemetry\config.yaml
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := server.New(cfg.ServerSettings(), store, table)
//
// Saves go through a temporary file and a rename so a crash never leaves
// a half-written file behind.
package config
