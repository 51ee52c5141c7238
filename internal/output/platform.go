package output

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform identifies the host operating system family.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
	PlatformOther   Platform = "other"
)

// DetectPlatform returns the platform the binary runs on. Call it once at
// startup and pass the result around.
func DetectPlatform() Platform {
	return platformFor(runtime.GOOS)
}

func platformFor(goos string) Platform {
	switch goos {
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformDarwin
	case "windows":
		return PlatformWindows
	default:
		return PlatformOther
	}
}

// Mode selects how identifiers reach the user.
type Mode string

const (
	// ModeAuto types keystrokes with the platform's only backend. Linux
	// has two backends and needs an explicit mode.
	ModeAuto   Mode = ""
	ModeX11    Mode = "x11"
	ModeUinput Mode = "uinput"
	ModeStdout Mode = "stdout"
)

// ParseMode validates a mode name. The empty string is ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeX11, ModeUinput, ModeStdout:
		return m, nil
	default:
		return ModeAuto, fmt.Errorf("unknown output mode %q (want x11, uinput or stdout)", s)
	}
}

// IsKeystroke reports whether m simulates key presses.
func (m Mode) IsKeystroke() bool {
	return m != ModeStdout
}
