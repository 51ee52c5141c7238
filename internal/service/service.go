// Package service installs nfc-wedge to start automatically when the
// user logs in.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

const appName = "nfc-wedge"

var (
	ErrAlreadyInstalled = errors.New("autostart is already installed")
	ErrNotInstalled     = errors.New("autostart is not installed")
	ErrUnsupported      = errors.New("autostart is not supported on this platform")
)

// Service manages the autostart entry.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

type runFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// writeEntry renders an autostart file and replaces path with it. An
// identical existing file yields ErrAlreadyInstalled, so re-running
// install with a different mode updates the entry in place.
func writeEntry(path string, render func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, buf.Bytes()) {
		return ErrAlreadyInstalled
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+appName+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Launch describes the command the autostart entry runs.
type Launch struct {
	Executable string
	Args       []string
}

// CurrentLaunch returns the running binary with args, symlinks resolved.
func CurrentLaunch(args []string) (Launch, error) {
	execPath, err := os.Executable()
	if err != nil {
		return Launch{}, fmt.Errorf("failed to get executable path: %w", err)
	}

	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return Launch{}, fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return Launch{Executable: execPath, Args: args}, nil
}

// XDG Autostart desktop entry, runs as part of the graphical session so
// keystrokes reach the user's display.
const desktopTemplate = `[Desktop Entry]
Type=Application
Name=NFC Wedge
Comment=Types NFC card IDs into the focused application
Exec={{.Exec}}
Terminal=false
Categories=Utility;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Arguments}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/nfc-wedge.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/nfc-wedge.err</string>
</dict>
</plist>
`

func renderDesktopEntry(w io.Writer, l Launch) error {
	tmpl, err := template.New("desktop").Parse(desktopTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse desktop template: %w", err)
	}

	parts := make([]string, 0, len(l.Args)+1)
	for _, p := range append([]string{l.Executable}, l.Args...) {
		parts = append(parts, quoteExecArg(p))
	}
	return tmpl.Execute(w, struct{ Exec string }{strings.Join(parts, " ")})
}

// quoteExecArg quotes an argument for a desktop entry Exec key.
func quoteExecArg(s string) string {
	if !strings.ContainsAny(s, " \t\"'\\$`") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", `$`, `\$`)
	return `"` + r.Replace(s) + `"`
}

func renderLaunchAgent(w io.Writer, label string, l Launch, logPath string) error {
	tmpl, err := template.New("plist").Parse(plistTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse plist template: %w", err)
	}

	args := make([]string, 0, len(l.Args)+1)
	for _, a := range append([]string{l.Executable}, l.Args...) {
		args = append(args, xmlEscape(a))
	}
	return tmpl.Execute(w, struct {
		Label     string
		Arguments []string
		LogPath   string
	}{
		Label:     label,
		Arguments: args,
		LogPath:   xmlEscape(logPath),
	})
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;").Replace(s)
}

// launchctlPID extracts the PID from `launchctl list <label>` output.
func launchctlPID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, `"PID"`) {
			continue
		}
		_, v, _ := strings.Cut(line, "=")
		return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), ";"))
	}
	return ""
}
