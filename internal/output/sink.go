// Package output delivers card identifiers to the user, either printed on
// stdout or typed into the focused application as simulated keystrokes.
package output

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Sink receives every identifier read from a card.
type Sink interface {
	Deliver(id string) error
}

// StdoutSink prints one identifier per line.
type StdoutSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdoutSink creates a sink writing to w, normally os.Stdout.
func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: w}
}

func (s *StdoutSink) Deliver(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.w, id); err != nil {
		return fmt.Errorf("failed to print identifier: %w", err)
	}
	return nil
}

// MultiSink fans an identifier out to several sinks. Every sink is tried
// even if an earlier one fails.
type MultiSink []Sink

func (m MultiSink) Deliver(id string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
