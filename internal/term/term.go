// Package term switches off keyboard echo on the controlling terminal so
// stray typing does not interleave with identifiers printed on stdout.
package term

import "errors"

// ErrNotTerminal is returned when the file descriptor is not a terminal.
var ErrNotTerminal = errors.New("not a terminal")

// EchoGuard restores the terminal state saved by DisableEcho.
type EchoGuard struct {
	restore func() error
}

// Restore puts the terminal back. It is safe to call on a nil guard and
// more than once.
func (g *EchoGuard) Restore() error {
	if g == nil || g.restore == nil {
		return nil
	}
	fn := g.restore
	g.restore = nil
	return fn()
}

// DisableEcho turns off echo for the terminal on fd.
func DisableEcho(fd int) (*EchoGuard, error) {
	restore, err := disableEcho(fd)
	if err != nil {
		return nil, err
	}
	return &EchoGuard{restore: restore}, nil
}
