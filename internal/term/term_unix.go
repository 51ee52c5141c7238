//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package term

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	return err == nil
}

func disableEcho(fd int) (func() error, error) {
	old, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTerminal, err)
	}

	state := *old
	state.Lflag &^= unix.ECHO
	// Keep ICANON and ISIG so Ctrl-C still delivers SIGINT
	if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, &state); err != nil {
		return nil, fmt.Errorf("failed to disable echo: %w", err)
	}

	return func() error {
		if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, old); err != nil {
			return fmt.Errorf("failed to restore terminal: %w", err)
		}
		return nil
	}, nil
}
