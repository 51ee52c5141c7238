// Package settings persists user preferences that survive restarts.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool   `json:"crashReporting"`  // Whether to send crash reports to Sentry
	Mode           string `json:"mode,omitempty"` // Output mode remembered with --remember
}

var (
	current      *Settings
	mu           sync.RWMutex
	pathOverride string
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
	}
}

// SetPath overrides the settings file location. An empty path restores
// the default.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOverride = path
	current = nil
}

// getSettingsPath returns the path to the settings file.
func getSettingsPath() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "nfc-wedge", "settings.json"), nil
}

// Load reads settings from disk and returns a copy. A missing file yields
// defaults; an unreadable or corrupt one yields defaults and the error.
func Load() (Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	err := loadLocked()
	return *current, err
}

func loadLocked() error {
	current = DefaultSettings()

	path, err := getSettingsPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("corrupt settings file %s: %w", path, err)
	}
	current = s
	return nil
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := getSettingsPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		_ = loadLocked()
	}
	return *current
}

// update applies fn to the loaded settings and saves them. A corrupt
// file is replaced rather than blocking every later change.
func update(fn func(s *Settings)) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		_ = loadLocked()
	}
	fn(current)
	return saveLocked()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return update(func(s *Settings) { s.CrashReporting = enabled })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

// SetMode remembers the output mode used when no mode flag is given.
func SetMode(mode string) error {
	return update(func(s *Settings) { s.Mode = mode })
}

// Mode returns the remembered output mode, or "" if none was saved.
func Mode() string {
	return Get().Mode
}
