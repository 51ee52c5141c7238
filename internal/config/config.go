// Package config loads nfc-wedge configuration from defaults, an optional
// YAML file and NFC_WEDGE_* environment variables. Command-line flags are
// applied on top by main.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/mqtt"
	"github.com/SimplyPrint/nfc-wedge/internal/output"
)

// DefaultPort is the status API port.
const DefaultPort = 32146

// Config is the main configuration structure.
type Config struct {
	// Output mode: x11, uinput, stdout, or empty for the platform default
	Mode string `yaml:"mode"`

	// Pause between reader enumerations while none is attached
	Backoff time.Duration `yaml:"backoff"`

	// Bound on each status-change wait
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	LogLevel string `yaml:"log_level"`

	// Status API settings
	API APIConfig `yaml:"api"`

	// MQTT publishing settings
	MQTT mqtt.Config `yaml:"mqtt"`
}

// APIConfig holds status server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	MDNS    bool   `yaml:"mdns"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backoff:     core.DefaultBackoff,
		WaitTimeout: core.DefaultWaitTimeout,
		LogLevel:    "info",
		API: APIConfig{
			Host: "127.0.0.1",
			Port: DefaultPort,
		},
	}
}

// DefaultPath returns <UserConfigDir>/nfc-wedge/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "nfc-wedge", "config.yaml"), nil
}

// Load builds the configuration. An empty path reads the default file if
// it exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			logging.Debug(logging.CatSystem, "No user config directory", map[string]any{
				"error": err.Error(),
			})
		}
		path = p
	}

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		} else {
			logging.Debug(logging.CatSystem, "Config file loaded", map[string]any{
				"path": path,
			})
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// An empty file decodes to io.EOF and leaves the defaults in place
	if err := yaml.NewDecoder(f).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("NFC_WEDGE_MODE"); ok {
		c.Mode = v
	}
	if v, ok := lookup("NFC_WEDGE_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("NFC_WEDGE_BACKOFF"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NFC_WEDGE_BACKOFF: %w", err)
		}
		c.Backoff = d
	}
	if v, ok := lookup("NFC_WEDGE_WAIT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NFC_WEDGE_WAIT_TIMEOUT: %w", err)
		}
		c.WaitTimeout = d
	}
	if v, ok := lookup("NFC_WEDGE_HOST"); ok {
		c.API.Host = v
	}
	if v, ok := lookup("NFC_WEDGE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NFC_WEDGE_PORT: %w", err)
		}
		c.API.Port = port
	}
	if v, ok := lookup("NFC_WEDGE_MQTT_HOST"); ok {
		c.MQTT.Host = v
	}
	return nil
}

// Address returns the status API listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// OutputMode returns the parsed output mode.
func (c *Config) OutputMode() (output.Mode, error) {
	return output.ParseMode(c.Mode)
}

// Validate checks the configuration for values the watcher cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backoff <= 0 {
		errs = append(errs, fmt.Errorf("backoff must be positive, got %s", c.Backoff))
	}
	if c.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("wait timeout must be positive, got %s", c.WaitTimeout))
	}
	if _, err := c.OutputMode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("api port out of range: %d", c.API.Port))
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt port out of range: %d", c.MQTT.Port))
	}
	return errors.Join(errs...)
}
