// Package config loads and saves the daemon's on-disk configuration: the
// main config.toml (shell, log directory, daemon network/auth settings,
// metrics cadence, restart-policy defaults) and servers.toml (the set of
// remote daemons a client can target by name).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const configDirName = ".pmc"

// DaemonConfig holds the HTTP/WebSocket listener settings.
type DaemonConfig struct {
	Port  int    `toml:"port" mapstructure:"port"`
	Bind  string `toml:"bind" mapstructure:"bind"`
	Token string `toml:"token" mapstructure:"token"`
}

// MetricsConfig holds the Metrics Sampler's cadence.
type MetricsConfig struct {
	IntervalMS int `toml:"interval_ms" mapstructure:"interval_ms"`
}

// RestartConfig holds the Restart Policy Engine's defaults, overridable
// per-process via ProcessSpec.
type RestartConfig struct {
	BaseMS   int `toml:"base_ms" mapstructure:"base_ms"`
	CapMS    int `toml:"cap_ms" mapstructure:"cap_ms"`
	WindowMS int `toml:"window_ms" mapstructure:"window_ms"`
}

// Config is the parsed shape of config.toml.
type Config struct {
	Shell   string        `toml:"shell" mapstructure:"shell"`
	LogDir  string        `toml:"log_dir" mapstructure:"log_dir"`
	Daemon  DaemonConfig  `toml:"daemon" mapstructure:"daemon"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Restart RestartConfig `toml:"restart" mapstructure:"restart"`

	// History describes optional audit sinks (C12); absent means none.
	History *HistoryConfig `toml:"history,omitempty" mapstructure:"history"`
}

// HistoryConfig configures the optional Audit Sink (C12). DSN selects the
// backend: sqlite (default, path-based), postgres://..., clickhouse://...
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

// Default returns the built-in defaults used when config.toml is absent or
// a key is unset, matching the documented defaults exactly.
func Default() *Config {
	return &Config{
		Shell:  "/bin/sh",
		LogDir: "",
		Daemon: DaemonConfig{
			Port: 9696,
			Bind: "127.0.0.1",
		},
		Metrics: MetricsConfig{IntervalMS: 1000},
		Restart: RestartConfig{BaseMS: 1000, CapMS: 30000, WindowMS: 60000},
	}
}

// DefaultConfigDir returns "<home>/.pmc".
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

// DefaultConfigPath returns "<home>/.pmc/config.toml".
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// LoadConfig reads config.toml at path, falling back to built-in defaults
// for any key that is absent; a missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Metrics.IntervalMS <= 0 {
		cfg.Metrics.IntervalMS = 1000
	}
	if cfg.Restart.BaseMS <= 0 {
		cfg.Restart.BaseMS = 1000
	}
	if cfg.Restart.CapMS <= 0 {
		cfg.Restart.CapMS = 30000
	}
	return cfg, nil
}

// Save writes cfg to path atomically-ish: config.toml is small and rewritten
// rarely (daemon init, `server` subcommands), so a plain write suffices;
// the larger process.dump snapshot gets the tmp+fsync+rename treatment in
// internal/persistence.
func Save(path string, cfg *Config) error {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}

// ServerEntry names one daemon a client can talk to.
type ServerEntry struct {
	Name    string `toml:"name" mapstructure:"name"`
	URL     string `toml:"url" mapstructure:"url"`
	Token   string `toml:"token" mapstructure:"token"`
	Default bool   `toml:"default" mapstructure:"default"`
}

// ServersConfig is the parsed shape of servers.toml.
type ServersConfig struct {
	Servers []ServerEntry `toml:"servers" mapstructure:"servers"`
}

// DefaultServersPath returns "<home>/.pmc/servers.toml".
func DefaultServersPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "servers.toml"), nil
}

// LoadServers reads servers.toml; a missing file yields an empty list.
func LoadServers(path string) (*ServersConfig, error) {
	sc := &ServersConfig{}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return sc, nil
		}
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read servers %s: %w", path, err)
	}
	if err := v.Unmarshal(sc); err != nil {
		return nil, fmt.Errorf("parse servers %s: %w", path, err)
	}
	return sc, nil
}

// SaveServers writes servers.toml, enforcing that at most one entry is
// marked default.
func SaveServers(path string, sc *ServersConfig) error {
	seenDefault := false
	for _, s := range sc.Servers {
		if s.Default {
			if seenDefault {
				return fmt.Errorf("servers config: more than one default server")
			}
			seenDefault = true
		}
	}
	b, err := toml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal servers: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}

// DefaultServer returns the entry marked default, or ok=false if none is.
func (sc *ServersConfig) DefaultServer() (ServerEntry, bool) {
	for _, s := range sc.Servers {
		if s.Default {
			return s, true
		}
	}
	return ServerEntry{}, false
}

// FindServer looks up a server entry by name.
func (sc *ServersConfig) FindServer(name string) (ServerEntry, bool) {
	for _, s := range sc.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerEntry{}, false
}
