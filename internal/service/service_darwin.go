//go:build darwin

package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

const launchAgentLabel = "com.simplyprint.nfc-wedge"

// darwinService manages a per-user LaunchAgent so the wedge runs inside
// the login session that holds the Accessibility grant.
type darwinService struct {
	launch Launch
	home   string
	run    runFunc
}

// New returns the LaunchAgent manager for launch.
func New(launch Launch) Service {
	home, _ := os.UserHomeDir()
	return &darwinService{launch: launch, home: home, run: runCommand}
}

func (s *darwinService) plistPath() string {
	return filepath.Join(s.home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) domain() string {
	return "gui/" + strconv.Itoa(os.Getuid())
}

func (s *darwinService) Install() error {
	// stdout/stderr land next to the crash reports
	logDir := logging.CrashLogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	wasLoaded := s.IsInstalled()
	err := writeEntry(s.plistPath(), func(w io.Writer) error {
		return renderLaunchAgent(w, launchAgentLabel, s.launch, logDir)
	})
	if err != nil {
		if err == ErrAlreadyInstalled {
			return err
		}
		return fmt.Errorf("failed to write launch agent: %w", err)
	}

	// A changed plist only takes effect after the old job is removed.
	if wasLoaded {
		_, _ = s.run("launchctl", "bootout", s.domain()+"/"+launchAgentLabel)
	}
	if out, err := s.run("launchctl", "bootstrap", s.domain(), s.plistPath()); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Not loaded is fine, the file is what matters.
	_, _ = s.run("launchctl", "bootout", s.domain()+"/"+launchAgentLabel)

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove launch agent: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	return fileExists(s.plistPath())
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	out, err := s.run("launchctl", "list", launchAgentLabel)
	if err != nil {
		return "installed but not loaded", nil
	}
	if pid := launchctlPID(string(out)); pid != "" {
		return "running (pid " + pid + ")", nil
	}
	return "loaded but not running", nil
}
