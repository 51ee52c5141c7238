//go:build linux

package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// linuxService manages an XDG autostart entry. The wedge needs the user's
// display for xdotool, so it starts with the desktop session rather than
// as a systemd system unit.
type linuxService struct {
	launch    Launch
	configDir string
	run       runFunc
}

// New returns the autostart manager for launch.
func New(launch Launch) Service {
	return &linuxService{launch: launch, run: runCommand}
}

func (s *linuxService) autostartPath() string {
	dir := s.configDir
	if dir == "" {
		dir = os.Getenv("XDG_CONFIG_HOME")
	}
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "autostart", appName+".desktop")
}

func (s *linuxService) Install() error {
	err := writeEntry(s.autostartPath(), func(w io.Writer) error {
		return renderDesktopEntry(w, s.launch)
	})
	if err != nil && err != ErrAlreadyInstalled {
		return fmt.Errorf("failed to write autostart entry: %w", err)
	}
	return err
}

func (s *linuxService) Uninstall() error {
	path := s.autostartPath()
	if !fileExists(path) {
		return ErrNotInstalled
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart entry: %w", err)
	}
	return nil
}

func (s *linuxService) IsInstalled() bool {
	return fileExists(s.autostartPath())
}

func (s *linuxService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	if _, err := s.run("pgrep", "-x", appName); err == nil {
		return "running (autostart)", nil
	}
	return "installed (autostart) but not running", nil
}
