// Package config loads buildd's TOML configuration and resolves state paths.
//
// Precedence per setting: environment variable, then config file, then
// built-in default. The config file lives at $BUILDD_HOME/config.toml
// (default ~/.buildd/config.toml); a missing file is not an error.
//
// Environment variables:
//   - BUILDD_HOME: base directory for all buildd state (default: ~/.buildd)
//   - BUILDD_DB_PATH: relay state database (default: $BUILDD_HOME/buildd.db)
//   - BUILDD_RELAY_URL: relay base URL for agents and observers
//   - BUILDD_TOKEN: viewer token for direct worker connections
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// DefaultRelayURL is where agents and observers look for the relay when
// nothing else is configured.
const DefaultRelayURL = "http://127.0.0.1:9700"

// Config is the parsed config file plus resolved paths.
type Config struct {
	// Home is the resolved state directory. Not read from the file.
	Home string `toml:"-"`

	Server    Server    `toml:"server"`
	Agent     Agent     `toml:"agent"`
	Dashboard Dashboard `toml:"dashboard"`
}

// Server configures `buildd serve`.
type Server struct {
	Addr           string   `toml:"addr"`
	DBPath         string   `toml:"db_path"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Agent configures `buildd agent`.
type Agent struct {
	RelayURL      string   `toml:"relay_url"`
	ListenAddr    string   `toml:"listen_addr"`
	Endpoint      string   `toml:"endpoint"`
	AccountID     string   `toml:"account_id"`
	AccountName   string   `toml:"account_name"`
	MaxConcurrent int      `toml:"max_concurrent"`
	Workspaces    []string `toml:"workspaces"`
	ViewerToken   string   `toml:"viewer_token"`
	RunCommand    []string `toml:"run_command"`
}

// Dashboard configures `buildd-dash`.
type Dashboard struct {
	RelayURL    string `toml:"relay_url"`
	Workspace   string `toml:"workspace"`
	ViewerToken string `toml:"viewer_token"`
}

// Load resolves the home directory, reads its config.toml if present, and
// applies env overrides and defaults.
func Load() (*Config, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Home: home}
	data, err := os.ReadFile(cfg.Path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", cfg.Path(), err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cfg.Path(), err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Path returns the config file path inside Home.
func (c *Config) Path() string {
	return filepath.Join(c.Home, protocol.ConfigFileName)
}

// EnsureHome creates the state directory if it does not exist.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.Home, 0o755); err != nil {
		return fmt.Errorf("create buildd home %s: %w", c.Home, err)
	}
	return nil
}

// applyEnv overlays the specific env vars. They beat the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BUILDD_DB_PATH"); v != "" {
		c.Server.DBPath = v
	}
	if v := os.Getenv("BUILDD_RELAY_URL"); v != "" {
		c.Agent.RelayURL = v
		c.Dashboard.RelayURL = v
	}
	if v := os.Getenv("BUILDD_TOKEN"); v != "" {
		c.Agent.ViewerToken = v
		c.Dashboard.ViewerToken = v
	}
}

// applyDefaults fills whatever the file and env left empty.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":9700"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = filepath.Join(c.Home, protocol.DBFileName)
	}
	if c.Agent.RelayURL == "" {
		c.Agent.RelayURL = DefaultRelayURL
	}
	if c.Agent.ListenAddr == "" {
		c.Agent.ListenAddr = ":9801"
	}
	if c.Agent.MaxConcurrent <= 0 {
		c.Agent.MaxConcurrent = 1
	}
	if c.Dashboard.RelayURL == "" {
		c.Dashboard.RelayURL = DefaultRelayURL
	}
}

// resolveHome returns the buildd home directory from BUILDD_HOME or ~/.buildd.
func resolveHome() (string, error) {
	if v := os.Getenv("BUILDD_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.BuilddDir), nil
}
