// Package config provides TOML configuration file loading and parsing for
// the bridge. The configuration file lives at ~/.neurobridge/config.toml by
// default, but can be overridden with the --config flag. CLI flags always
// take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the bridge configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// Addr is the host:port for the hub's WebSocket/HTTP server.
	// Default: 127.0.0.1:7170
	Addr string `toml:"addr"`

	// RequireAuth enables bearer-token authentication for channel connects.
	// Default: false
	RequireAuth bool `toml:"require_auth"`

	// TokenStore is the path to the SQLite database for registered devices.
	// Default: ~/.neurobridge/neurobridge.db
	TokenStore string `toml:"token_store"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// MdnsEnabled advertises the hub on the LAN via DNS-SD.
	// Default: false
	MdnsEnabled bool `toml:"mdns"`

	// PairingTimeoutSeconds is how long an unanswered outbound pairing
	// request stays in the waiting state before returning to idle.
	// Default: 120. Use a negative value to disable the timeout.
	PairingTimeoutSeconds int `toml:"pairing_timeout_seconds"`

	// ResyncIntervalSeconds re-emits a time-sync request on this interval
	// while the experiment channel is connected. Default: 0 (disabled).
	ResyncIntervalSeconds int `toml:"resync_interval_seconds"`

	// EEGMaxFramesPerSecond caps inbound EEG frames per client on the hub.
	// Frames beyond the cap are dropped, not queued. Default: 500.
	EEGMaxFramesPerSecond int `toml:"eeg_max_frames_per_second"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".neurobridge", "config.toml"), nil
}

// DefaultTokenStorePath returns the default device registry location.
func DefaultTokenStorePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".neurobridge", "neurobridge.db"), nil
}

// Load reads the configuration file at the given path.
// If path is empty, the default location is used. A missing file is not
// an error: an empty Config is returned so defaults and CLI flags apply.
func Load(path string) (*Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return cfg, nil
}
