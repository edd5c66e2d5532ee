// Package config loads runtime configuration from the environment with an
// optional YAML overlay file. Environment variables use the VIYV_ prefix;
// flags parsed in the binaries override both.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Socket  SocketConfig
	Agent   AgentConfig
	Ops     OpsConfig
	Logging LogConfig
	Store   StoreConfig
}

// SocketConfig holds the local stream socket settings.
type SocketConfig struct {
	// Path is the well-known rendezvous point between server and bridge.
	Path string `envconfig:"VIYV_BROWSER_SOCKET" default:"/tmp/viyv-browser.sock" yaml:"path"`
}

// AgentConfig holds the default agent identity.
type AgentConfig struct {
	Name string `envconfig:"VIYV_AGENT_NAME" default:"default" yaml:"name"`
}

// OpsConfig holds the optional localhost observer/metrics surface.
type OpsConfig struct {
	Enabled bool   `envconfig:"VIYV_OPS_ENABLED" default:"false" yaml:"enabled"`
	Addr    string `envconfig:"VIYV_OPS_ADDR" default:"127.0.0.1:7465" yaml:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"VIYV_LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"VIYV_LOG_DEV" default:"false" yaml:"development"`
}

// StoreConfig holds the worker's durable state location.
type StoreConfig struct {
	Path string `envconfig:"VIYV_STORE_PATH" default:"" yaml:"path"`
}

// Load reads configuration from VIYV_-prefixed environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile overlays a YAML config file on top of cfg. Missing files are
// not an error so binaries can point at an optional well-known path.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{Path: "/tmp/viyv-browser.sock"},
		Agent:  AgentConfig{Name: "default"},
		Ops:    OpsConfig{Enabled: false, Addr: "127.0.0.1:7465"},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
