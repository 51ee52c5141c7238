package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// injectTimeout bounds one helper run so a hung helper cannot stall the
// watcher.
const injectTimeout = 5 * time.Second

var (
	// ErrInjectorNotFound is returned when the helper program that types
	// the keystrokes is not installed.
	ErrInjectorNotFound = errors.New("keystroke helper not found")

	// ErrModeRequired is returned on Linux when neither x11 nor uinput
	// was chosen.
	ErrModeRequired = errors.New("you must specify either --x11 or --uinput or --stdout")

	// ErrUnsupportedPlatform is returned when no keystroke backend exists
	// for the host.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// TextInjector types text into the focused application.
type TextInjector interface {
	Name() string
	Inject(text string) error
}

// runFunc runs a program until it exits or ctx is done and returns its
// stderr.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	// Children of the helper may keep stderr open after it is killed.
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	return stderr.Bytes(), err
}

// commandInjector shells out to a helper program once per injection.
type commandInjector struct {
	name     string
	bin      string
	hint     string
	args     func(text string) []string
	lookPath func(string) (string, error)
	run      runFunc
	timeout  time.Duration
}

func (c *commandInjector) Name() string { return c.name }

func (c *commandInjector) Inject(text string) error {
	if _, err := c.lookPath(c.bin); err != nil {
		return missingHelper(c.bin, c.hint)
	}
	timeout := c.timeout
	if timeout <= 0 {
		timeout = injectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stderr, err := c.run(ctx, c.bin, c.args(text)...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("failed to simulate keypress: %s did not finish within %s: %w", c.bin, timeout, context.DeadlineExceeded)
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return missingHelper(c.bin, c.hint)
		}
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return fmt.Errorf("failed to simulate keypress: %s: %w", msg, err)
		}
		return fmt.Errorf("failed to simulate keypress: %w", err)
	}
	return nil
}

// Available reports whether the helper program can be found.
func (c *commandInjector) Available() error {
	if _, err := c.lookPath(c.bin); err != nil {
		return missingHelper(c.bin, c.hint)
	}
	return nil
}

func missingHelper(bin, hint string) error {
	if hint != "" {
		return fmt.Errorf("%w: could not find command %q, please install it on your system, e.g.:\n\n    $ %s", ErrInjectorNotFound, bin, hint)
	}
	return fmt.Errorf("%w: could not find command %q, please install it on your system", ErrInjectorNotFound, bin)
}

func newXdotool() *commandInjector {
	return &commandInjector{
		name: "xdotool",
		bin:  "xdotool",
		hint: "sudo apt-get install xdotool",
		args: func(text string) []string {
			return []string{"type", "--delay", "0", text}
		},
		lookPath: exec.LookPath,
		run:      runCommand,
	}
}

func newYdotool() *commandInjector {
	return &commandInjector{
		name: "ydotool",
		bin:  "ydotool",
		hint: "sudo apt-get install ydotoold ydotool",
		args: func(text string) []string {
			return []string{"type", "--next-delay", "0", "--key-delay", "0", text}
		},
		lookPath: exec.LookPath,
		run:      runCommand,
	}
}

func newOsascript(control bool) *commandInjector {
	name := "osascript"
	if control {
		name = "osascript+control"
	}
	return &commandInjector{
		name: name,
		bin:  "osascript",
		args: func(text string) []string {
			script := `tell application "System Events" to keystroke "` + escapeAppleScript(text) + `"`
			if control {
				script += " using control down"
			}
			return []string{"-e", script}
		},
		lookPath: exec.LookPath,
		run:      runCommand,
	}
}

func newSendKeys() *commandInjector {
	return &commandInjector{
		name: "sendkeys",
		bin:  "powershell",
		args: func(text string) []string {
			script := "Add-Type -AssemblyName System.Windows.Forms; " +
				"[System.Windows.Forms.SendKeys]::SendWait('" + escapeSendKeys(text) + "')"
			return []string{"-NoProfile", "-NonInteractive", "-Command", script}
		},
		lookPath: exec.LookPath,
		run:      runCommand,
	}
}

// NewInjector selects the keystroke backend for platform and mode.
func NewInjector(platform Platform, mode Mode) (TextInjector, error) {
	switch platform {
	case PlatformDarwin:
		return newOsascript(false), nil
	case PlatformWindows:
		return newSendKeys(), nil
	case PlatformLinux:
		switch mode {
		case ModeX11:
			return newXdotool(), nil
		case ModeUinput:
			return newYdotool(), nil
		default:
			return nil, ErrModeRequired
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
}

// NewPermissionProbe returns the macOS injector that presses control+§,
// which makes the system ask for Accessibility and Automation access.
func NewPermissionProbe() TextInjector {
	return newOsascript(true)
}

// CheckAvailable verifies that the helper behind inj is installed.
func CheckAvailable(inj TextInjector) error {
	if c, ok := inj.(interface{ Available() error }); ok {
		return c.Available()
	}
	return nil
}

func escapeAppleScript(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// escapeSendKeys maps text onto SendKeys syntax inside a single-quoted
// PowerShell string.
func escapeSendKeys(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '\n':
			b.WriteString("~")
		case '+', '^', '%', '~', '(', ')', '{', '}', '[', ']':
			b.WriteString("{" + string(c) + "}")
		case '\'':
			b.WriteString("''")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
