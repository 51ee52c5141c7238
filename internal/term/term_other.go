//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly && !windows

package term

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(int) bool { return false }

func disableEcho(int) (func() error, error) {
	return nil, ErrNotTerminal
}
