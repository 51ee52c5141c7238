package term

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// IsTerminal reports whether fd refers to a console.
func IsTerminal(fd int) bool {
	var mode uint32
	return windows.GetConsoleMode(windows.Handle(fd), &mode) == nil
}

func disableEcho(fd int) (func() error, error) {
	h := windows.Handle(fd)

	var old uint32
	if err := windows.GetConsoleMode(h, &old); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTerminal, err)
	}
	if err := windows.SetConsoleMode(h, old&^windows.ENABLE_ECHO_INPUT); err != nil {
		return nil, fmt.Errorf("failed to disable echo: %w", err)
	}

	return func() error {
		if err := windows.SetConsoleMode(h, old); err != nil {
			return fmt.Errorf("failed to restore console: %w", err)
		}
		return nil
	}, nil
}
