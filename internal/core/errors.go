package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrShortResponse is returned when a card answers with fewer bytes
	// than the two-byte status trailer.
	ErrShortResponse = errors.New("response shorter than status trailer")

	// ErrEmptyIdentifier is returned when a card reports success but
	// sends no identifier bytes.
	ErrEmptyIdentifier = errors.New("card returned an empty identifier")
)

// ContextError reports a failure to establish or release the PC/SC context.
type ContextError struct {
	Op  string // "establish" or "release"
	Err error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("failed to %s PC/SC context: %v", e.Op, e.Err)
}

func (e *ContextError) Unwrap() error { return e.Err }

// EnumerationError reports a failure to list readers.
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("failed to list readers: %v", e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// WaitError reports a status-change wait that failed for a reason other
// than its timeout.
type WaitError struct {
	Readers []string
	Err     error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("failed to get status change for [%s]: %v", strings.Join(e.Readers, ", "), e.Err)
}

func (e *WaitError) Unwrap() error { return e.Err }

// CardError reports a failed card transaction. It never stops the Watcher.
type CardError struct {
	Reader string
	Op     string // "connect", "transmit", "query" or "deliver"
	Err    error
}

func (e *CardError) Error() string {
	return fmt.Sprintf("%s on %q: %v", e.Op, e.Reader, e.Err)
}

func (e *CardError) Unwrap() error { return e.Err }

// StatusError is a non-success status trailer (SW1 SW2).
type StatusError struct {
	SW1, SW2 byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command failed with status: %02X %02X", e.SW1, e.SW2)
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	var ce *ContextError
	var ee *EnumerationError
	var we *WaitError
	return errors.As(err, &ce) || errors.As(err, &ee) || errors.As(err, &we)
}
